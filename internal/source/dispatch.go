package source

import (
	"context"
	"fmt"

	"github.com/g960059/remotecmd/internal/payload"
)

type Handler interface {
	Name() string
	Handle(ctx context.Context, raw map[string]any) error
}

// Route sends payloads whose version v satisfies Min <= v < Max to Handler.
type Route struct {
	Min     float64
	Max     float64
	Handler Handler
}

// Dispatcher picks the command source for a push by its version field.
type Dispatcher struct {
	unversioned Handler
	routes      []Route
}

// NewDispatcher builds the default table: no version or 1.x goes to v1, 2.x
// goes to v2, anything else is unsupported.
func NewDispatcher(v1, v2 Handler) *Dispatcher {
	return &Dispatcher{
		unversioned: v1,
		routes: []Route{
			{Min: 1, Max: 2, Handler: v1},
			{Min: 2, Max: 3, Handler: v2},
		},
	}
}

func NewDispatcherWithRoutes(unversioned Handler, routes ...Route) *Dispatcher {
	return &Dispatcher{unversioned: unversioned, routes: routes}
}

func (d *Dispatcher) Resolve(raw map[string]any) (Handler, error) {
	v, ok, err := payload.Version(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedVersion, err)
	}
	if !ok {
		if d.unversioned == nil {
			return nil, fmt.Errorf("%w: payload has no version", ErrUnsupportedVersion)
		}
		return d.unversioned, nil
	}
	for _, r := range d.routes {
		if v >= r.Min && v < r.Max && r.Handler != nil {
			return r.Handler, nil
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrUnsupportedVersion, v)
}

// Supports reports whether some route accepts raw.
func (d *Dispatcher) Supports(raw map[string]any) bool {
	_, err := d.Resolve(raw)
	return err == nil
}

// Dispatch hands raw to its source and returns the source name.
func (d *Dispatcher) Dispatch(ctx context.Context, raw map[string]any) (string, error) {
	h, err := d.Resolve(raw)
	if err != nil {
		return "", err
	}
	return h.Name(), h.Handle(ctx, raw)
}
