package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tallyd/internal/config"
	"tallyd/internal/health"
	"tallyd/internal/logging"
	"tallyd/internal/metrics"
	"tallyd/internal/registry"
	"tallyd/internal/source"
	"tallyd/internal/store"
	"tallyd/internal/tracker"
)

func cmdRun(args []string) {
	f := parseCommonFlags("run", args)
	cfg, err := loadConfig(f)
	if err != nil {
		fatal("load config: %v", err)
	}
	if err := runDaemon(cfg, f.configPath); err != nil {
		fatal("%v", err)
	}
}

func runDaemon(cfg *config.Config, configPath string) error {
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	log, err := buildLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer log.Close()

	log.Info("tallyd starting",
		"version", version,
		"state", cfg.Source.Path,
		"db", cfg.Storage.Path)

	st, err := store.Open(cfg.Storage.Path, time.Duration(cfg.Storage.BusyTimeoutMs)*time.Millisecond)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	rdr, err := source.NewReader(cfg.Source.Path, cfg.Source.ValidateSchema)
	if err != nil {
		return fmt.Errorf("init source reader: %w", err)
	}

	reg := registry.New()
	m := metrics.New(metrics.NewRegistry("tallyd"))
	tr := tracker.New(rdr, st, reg, log.Logger, m)

	sched := tracker.NewScheduler(tr, tracker.SchedulerConfig{
		ActiveInterval:         cfg.Scheduler.ActiveInterval(),
		IdleInterval:           cfg.Scheduler.IdleInterval(),
		MaxConsecutiveFailures: cfg.Scheduler.MaxConsecutiveFailures,
	}, log.WithComponent("scheduler").Logger, m)

	checker := health.NewChecker()
	checker.RegisterFunc("store", true, health.DatabaseCheck(func(ctx context.Context) error {
		return st.Ping()
	}))
	checker.RegisterFunc("source", false, health.StateFileCheck(cfg.Source.Path))
	checker.RegisterFunc("scheduler", true, health.FailureStreakCheck(
		sched.ConsecutiveFailures, cfg.Scheduler.MaxConsecutiveFailures))

	// Hot reload of the config file. Runtime tuning is bound at startup, so
	// a change is surfaced in the log rather than applied silently.
	loader := config.NewLoader(configPathOrDefault(configPath))
	loader.OnChange(func(newCfg *config.Config) {
		log.Info("config file changed, restart to apply",
			"state", newCfg.Source.Path,
			"active_interval_sec", newCfg.Scheduler.ActiveIntervalSec,
			"idle_interval_sec", newCfg.Scheduler.IdleIntervalSec)
	})
	if err := loader.Watch(); err != nil {
		log.Warn("config watch unavailable", "error", err)
	}
	defer loader.Close()
	go func() {
		for err := range loader.Errors() {
			log.Warn("config reload rejected", "error", err)
		}
	}()

	var srv *http.Server
	if cfg.Metrics.Enabled {
		srv = serveHTTP(cfg.Metrics.ListenAddr, m, checker, log)
		defer shutdownHTTP(srv, log)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checker.SetReady(true)

	err = sched.Run(ctx)
	switch {
	case errors.Is(err, context.Canceled):
		log.Info("shutting down")
		return nil
	case errors.Is(err, tracker.ErrCircuitOpen):
		log.Error("daemon stopped", "error", err)
		return err
	default:
		return err
	}
}

func buildLogger(cfg config.LoggingConfig) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.Format)
	if err != nil {
		return nil, err
	}

	return logging.New(&logging.Config{
		Level:      level,
		Format:     format,
		Output:     cfg.Output,
		FilePath:   cfg.FilePath,
		MaxSizeMB:  int64(cfg.MaxSizeMB),
		MaxBackups: cfg.MaxBackups,
		MaxAgeDays: cfg.MaxAgeDays,
		Component:  "tallyd",
	})
}

func configPathOrDefault(path string) string {
	if path != "" {
		return path
	}
	return config.ConfigPath()
}

func serveHTTP(addr string, m *metrics.TallydMetrics, checker *health.Checker, log *logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Registry().Handler())
	mux.Handle("/healthz", checker.HealthHandler())
	mux.Handle("/readyz", checker.ReadinessHandler())
	mux.Handle("/livez", checker.LivenessHandler())

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Info("metrics listener started", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics listener failed", "error", err)
		}
	}()

	return srv
}

func shutdownHTTP(srv *http.Server, log *logging.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("metrics listener shutdown", "error", err)
	}
}
