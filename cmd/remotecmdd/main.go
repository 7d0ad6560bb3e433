package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/g960059/remotecmd/internal/backend"
	"github.com/g960059/remotecmd/internal/config"
	"github.com/g960059/remotecmd/internal/daemon"
	"github.com/g960059/remotecmd/internal/db"
	"github.com/g960059/remotecmd/internal/handled"
	"github.com/g960059/remotecmd/internal/history"
	"github.com/g960059/remotecmd/internal/metrics"
	"github.com/g960059/remotecmd/internal/otp"
	"github.com/g960059/remotecmd/internal/source"
	"github.com/g960059/remotecmd/internal/therapy"
)

func main() {
	var (
		configPath string
		socketPath string
		dbPath     string
		verbose    bool
	)
	flag.StringVar(&configPath, "config", defaultConfigPath(), "TOML config file")
	flag.StringVar(&socketPath, "socket", "", "UDS path for remotecmdd (overrides config)")
	flag.StringVar(&dbPath, "db", "", "SQLite path (overrides config)")
	flag.BoolVar(&verbose, "v", false, "debug logging")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err)
	}
	if socketPath != "" {
		cfg.SocketPath = socketPath
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if verbose {
		cfg.LogLevel = "debug"
	}
	setupLogging(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := build(ctx, cfg)
	if err != nil {
		fatal(err)
	}
	defer a.close()

	startPollLoop(ctx, a.v2, cfg.PollInterval)
	startUploadLoop(ctx, a.v1, cfg.UploadInterval)
	startRetentionLoop(ctx, a.backend, cfg.Retention)

	srv := daemon.NewServer(cfg, a.deps())
	if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

type app struct {
	store    *db.Store
	backend  *backend.Local
	otp      *otp.Manager
	metrics  *metrics.Metrics
	v1       *source.V1
	v2       *source.V2
	dispatch *source.Dispatcher
}

func build(ctx context.Context, cfg config.Config) (*app, error) {
	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		_ = store.Close()
		return nil, err
	}
	hist, err := history.Open(cfg.HistoryPath, cfg.HistoryLimit)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	now := func() time.Time { return time.Now().UTC() }
	var handledStore handled.Store
	switch cfg.HandledStore {
	case config.HandledStoreFile:
		handledStore = handled.NewFileStore(cfg.HandledPath)
	default:
		handledStore = handled.NewSQLStore(store, now)
	}

	secret := cfg.OTPSecret
	if secret == "" {
		secret, err = otp.GenerateSecret("remotecmd")
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("generate otp secret: %w", err)
		}
		log.Warn("no otp_secret configured; using an ephemeral secret for this run")
	}
	otpManager := otp.NewManager(secret, otp.WithPeriod(cfg.OTPPeriod), otp.WithSkew(cfg.OTPSkew))

	m := metrics.New()
	local := backend.NewLocal(store, now)
	delegate := therapy.NewSimulator(cfg.MaxBolus, now)

	v1 := source.NewV1(hist, delegate, otpManager,
		source.WithClock(now),
		source.WithEvents(local),
		source.WithMetrics(m),
		source.WithNotes(local),
	)
	v2 := source.NewV2(local, handledStore, delegate, otpManager,
		source.WithClock(now),
		source.WithEvents(local),
		source.WithMetrics(m),
		source.WithLookback(cfg.Lookback),
	)
	return &app{
		store:    store,
		backend:  local,
		otp:      otpManager,
		metrics:  m,
		v1:       v1,
		v2:       v2,
		dispatch: source.NewDispatcher(v1, v2),
	}, nil
}

func (a *app) deps() daemon.Deps {
	return daemon.Deps{
		Dispatcher: a.dispatch,
		V1:         a.v1,
		V2:         a.v2,
		Backend:    a.backend,
		OTP:        a.otp,
		Metrics:    a.metrics,
	}
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		log.WithError(err).Warn("close store")
	}
}

func startPollLoop(ctx context.Context, v2 *source.V2, interval time.Duration) {
	run := func() {
		results, err := v2.Poll(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Warn("poll loop")
			return
		}
		if len(results) > 0 {
			log.WithField("commands", len(results)).Debug("poll loop processed commands")
		}
	}
	runEvery(ctx, loopInterval(interval, 30*time.Second), run)
}

// startUploadLoop drains pending audit notes, one per call, until none is left
// or an upload fails.
func startUploadLoop(ctx context.Context, v1 *source.V1, interval time.Duration) {
	run := func() {
		for ctx.Err() == nil {
			if !v1.UploadPending(ctx) {
				return
			}
		}
	}
	runEvery(ctx, loopInterval(interval, time.Minute), run)
}

func startRetentionLoop(ctx context.Context, local *backend.Local, retention time.Duration) {
	if retention <= 0 {
		return
	}
	run := func() {
		if err := local.Purge(ctx, time.Now().UTC().Add(-retention)); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Warn("retention purge failed")
		}
	}
	runEvery(ctx, time.Hour, run)
}

func runEvery(ctx context.Context, interval time.Duration, run func()) {
	run()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
}

func loopInterval(interval, fallback time.Duration) time.Duration {
	if interval <= 0 {
		return fallback
	}
	return interval
}

func setupLogging(level string) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	lvl, err := log.ParseLevel(level)
	if err != nil {
		log.WithField("level", level).Warn("unknown log level, using info")
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
}

func defaultConfigPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "remotecmd", "config.toml")
	}
	return "remotecmd.toml"
}

func fatal(err error) {
	log.WithError(err).Error("remotecmdd exiting")
	os.Exit(1)
}
