package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	def := DefaultConfig()
	if cfg.HistoryLimit != 50 || cfg.Lookback != 24*time.Hour || cfg.HandledStore != HandledStoreSQLite {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
	if cfg.DBPath != def.DBPath {
		t.Fatalf("expected default db path %q, got %q", def.DBPath, cfg.DBPath)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remotecmd.toml")
	body := `
db_path = "/tmp/remotecmd.db"
handled_store = "file"
otp_secret = "JBSWY3DPEHPK3PXP"
otp_skew = 0
poll_interval = "5s"
lookback = "12h"
history_limit = 20
max_bolus = 4.5
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBPath != "/tmp/remotecmd.db" || cfg.HandledStore != HandledStoreFile || cfg.OTPSecret == "" {
		t.Fatalf("unexpected paths/secrets: %+v", cfg)
	}
	if cfg.OTPSkew != 0 {
		t.Fatalf("expected explicit otp_skew 0, got %d", cfg.OTPSkew)
	}
	if cfg.PollInterval != 5*time.Second || cfg.Lookback != 12*time.Hour {
		t.Fatalf("unexpected durations: poll=%s lookback=%s", cfg.PollInterval, cfg.Lookback)
	}
	if cfg.HistoryLimit != 20 || cfg.MaxBolus != 4.5 {
		t.Fatalf("unexpected limits: %+v", cfg)
	}
	if cfg.UploadInterval != time.Minute {
		t.Fatalf("expected default upload interval, got %s", cfg.UploadInterval)
	}
}

func TestLoadRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"unknown key":  `colour = "blue"`,
		"bad duration": `poll_interval = "soon"`,
		"bad store":    `handled_store = "redis"`,
		"invalid toml": `db_path = `,
	}
	for name, body := range cases {
		path := filepath.Join(t.TempDir(), "remotecmd.toml")
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatalf("%s: write config: %v", name, err)
		}
		if _, err := Load(path); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
