package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	HandledStoreSQLite = "sqlite"
	HandledStoreFile   = "file"
)

type Config struct {
	SocketPath     string
	DBPath         string
	HistoryPath    string
	HandledPath    string
	HandledStore   string
	OTPSecret      string
	OTPPeriod      time.Duration
	OTPSkew        uint
	Lookback       time.Duration
	PollInterval   time.Duration
	UploadInterval time.Duration
	Retention      time.Duration
	HistoryLimit   int
	MaxBolus       float64
	LogLevel       string
}

func DefaultConfig() Config {
	return Config{
		SocketPath:     defaultSocketPath(),
		DBPath:         defaultStatePath("state.db"),
		HistoryPath:    defaultStatePath("notification-history.json"),
		HandledPath:    defaultStatePath("handled-commands.json"),
		HandledStore:   HandledStoreSQLite,
		OTPPeriod:      30 * time.Second,
		OTPSkew:        1,
		Lookback:       24 * time.Hour,
		PollInterval:   30 * time.Second,
		UploadInterval: time.Minute,
		Retention:      14 * 24 * time.Hour,
		HistoryLimit:   50,
		MaxBolus:       10,
		LogLevel:       "info",
	}
}

// file mirrors Config in the TOML file. Durations are strings such as "30s".
type file struct {
	SocketPath     string  `toml:"socket_path"`
	DBPath         string  `toml:"db_path"`
	HistoryPath    string  `toml:"history_path"`
	HandledPath    string  `toml:"handled_path"`
	HandledStore   string  `toml:"handled_store"`
	OTPSecret      string  `toml:"otp_secret"`
	OTPPeriod      string  `toml:"otp_period"`
	OTPSkew        *uint   `toml:"otp_skew"`
	Lookback       string  `toml:"lookback"`
	PollInterval   string  `toml:"poll_interval"`
	UploadInterval string  `toml:"upload_interval"`
	Retention      string  `toml:"retention"`
	HistoryLimit   int     `toml:"history_limit"`
	MaxBolus       float64 `toml:"max_bolus"`
	LogLevel       string  `toml:"log_level"`
}

// Load reads the TOML file at path over the defaults. A missing file yields
// the defaults; unknown keys are an error.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	path = strings.TrimSpace(path)
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var f file
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := f.apply(&cfg); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (f file) apply(cfg *Config) error {
	setString(&cfg.SocketPath, f.SocketPath)
	setString(&cfg.DBPath, f.DBPath)
	setString(&cfg.HistoryPath, f.HistoryPath)
	setString(&cfg.HandledPath, f.HandledPath)
	setString(&cfg.HandledStore, f.HandledStore)
	setString(&cfg.OTPSecret, f.OTPSecret)
	setString(&cfg.LogLevel, f.LogLevel)
	if f.OTPSkew != nil {
		cfg.OTPSkew = *f.OTPSkew
	}
	if f.HistoryLimit > 0 {
		cfg.HistoryLimit = f.HistoryLimit
	}
	if f.MaxBolus > 0 {
		cfg.MaxBolus = f.MaxBolus
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"otp_period", f.OTPPeriod, &cfg.OTPPeriod},
		{"lookback", f.Lookback, &cfg.Lookback},
		{"poll_interval", f.PollInterval, &cfg.PollInterval},
		{"upload_interval", f.UploadInterval, &cfg.UploadInterval},
		{"retention", f.Retention, &cfg.Retention},
	}
	for _, d := range durations {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = v
	}
	return nil
}

func (c Config) Validate() error {
	switch c.HandledStore {
	case HandledStoreSQLite, HandledStoreFile:
	default:
		return fmt.Errorf("handled_store must be %q or %q, got %q", HandledStoreSQLite, HandledStoreFile, c.HandledStore)
	}
	if c.OTPPeriod <= 0 || c.Lookback <= 0 || c.PollInterval <= 0 || c.UploadInterval <= 0 {
		return errors.New("otp_period, lookback, poll_interval and upload_interval must be positive")
	}
	return nil
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "remotecmd", "remotecmdd.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".remotecmdd.sock"
	}
	return filepath.Join(home, ".local", "state", "remotecmd", "remotecmdd.sock")
}

func defaultStatePath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".local", "state", "remotecmd", name)
}
