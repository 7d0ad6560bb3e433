package source

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type namedHandler struct {
	name    string
	handled int
}

func (h *namedHandler) Name() string { return h.name }

func (h *namedHandler) Handle(context.Context, map[string]any) error {
	h.handled++
	return nil
}

func TestDispatcherRoutesByVersion(t *testing.T) {
	v1 := &namedHandler{name: NameV1}
	v2 := &namedHandler{name: NameV2}
	d := NewDispatcher(v1, v2)

	cases := []struct {
		version any
		want    string
	}{
		{version: nil, want: NameV1},
		{version: "1.0", want: NameV1},
		{version: 1.9, want: NameV1},
		{version: "2.0", want: NameV2},
		{version: 2.0, want: NameV2},
		{version: "2.5", want: NameV2},
	}
	for _, tc := range cases {
		raw := map[string]any{"_id": "x"}
		if tc.version != nil {
			raw["version"] = tc.version
		}
		name, err := d.Dispatch(context.Background(), raw)
		require.NoError(t, err, "version %v", tc.version)
		assert.Equal(t, tc.want, name, "version %v", tc.version)
	}
	assert.Equal(t, 3, v1.handled)
	assert.Equal(t, 3, v2.handled)
}

func TestDispatcherRejectsUnsupportedVersions(t *testing.T) {
	d := NewDispatcher(&namedHandler{name: NameV1}, &namedHandler{name: NameV2})

	for _, v := range []any{"3.0", 0.5, "abc", true} {
		raw := map[string]any{"version": v}
		_, err := d.Dispatch(context.Background(), raw)
		assert.ErrorIs(t, err, ErrUnsupportedVersion, "version %v", v)
		assert.False(t, d.Supports(raw))
	}
}

func TestDispatcherWithoutUnversionedHandler(t *testing.T) {
	v2 := &namedHandler{name: NameV2}
	d := NewDispatcherWithRoutes(nil, Route{Min: 2, Max: 3, Handler: v2})

	_, err := d.Dispatch(context.Background(), map[string]any{})
	assert.ErrorIs(t, err, ErrUnsupportedVersion)

	name, err := d.Dispatch(context.Background(), map[string]any{"version": "2"})
	require.NoError(t, err)
	assert.Equal(t, NameV2, name)
}
