// Command crabd is the crab monitoring daemon. It loads an INI
// configuration file, opens the storage backend, starts the liveness
// monitor and the notification engine, serves the HTTP API, and shuts down
// gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/manugarri/crab/internal/config"
	"github.com/manugarri/crab/internal/monitor"
	"github.com/manugarri/crab/internal/notify"
	"github.com/manugarri/crab/internal/pidfile"
	"github.com/manugarri/crab/internal/server"
	"github.com/manugarri/crab/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "/etc/crab/crabd.ini", "path to the INI configuration file")
		listen     = flag.String("listen", "", "HTTP listen address (overrides crab.listen)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "crabd: %v\n", err)
		return 1
	}
	if *listen != "" {
		cfg.Crab.Listen = *listen
	}

	logger := newLogger(cfg.Crab.LogLevel)
	slog.SetDefault(logger)

	logger.Info("crab daemon starting",
		slog.String("listen", cfg.Crab.Listen),
		slog.String("store", cfg.Store.Backend),
	)

	// ── PID file ─────────────────────────────────────────────────────────────
	var pid *pidfile.File
	if cfg.Crab.PIDFile != "" {
		pid, err = pidfile.Acquire(cfg.Crab.PIDFile)
		if err != nil {
			logger.Error("refusing to start", slog.Any("error", err))
			return 1
		}
		defer pid.Release()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Storage ──────────────────────────────────────────────────────────────
	var out store.OutputStore
	if cfg.OutputStore.Backend != "" {
		out, err = store.OpenOutput(ctx, cfg.OutputStore.Backend, cfg.OutputStore.DSN)
		if err != nil {
			logger.Error("failed to open output store", slog.Any("error", err))
			return 1
		}
		logger.Info("output store connected", slog.String("backend", cfg.OutputStore.Backend))
	}
	st, err := store.Open(ctx, cfg.Store.Backend, cfg.Store.DSN, out)
	if err != nil {
		logger.Error("failed to open store", slog.Any("error", err))
		return 1
	}
	defer st.Close()

	tz, err := time.LoadLocation(cfg.Notify.Timezone)
	if err != nil {
		logger.Error("invalid timezone", slog.Any("error", err))
		return 1
	}

	if err := seedNotifications(ctx, st, cfg.Notify.RulesFile, logger); err != nil {
		logger.Error("failed to seed notification rules", slog.Any("error", err))
		return 1
	}

	// ── Transports ───────────────────────────────────────────────────────────
	transports := make(map[string]notify.Transport, len(cfg.Transports))
	for name, opts := range cfg.Transports {
		kind := opts["type"]
		if kind == "" {
			kind = name
		}
		tr, err := notify.NewTransport(kind, opts, logger)
		if err != nil {
			logger.Error("failed to configure transport",
				slog.String("transport", name), slog.Any("error", err))
			return 1
		}
		transports[name] = tr
	}
	if len(transports) == 0 {
		// Alerts always have somewhere to go, even on a bare config.
		tr, _ := notify.NewTransport("log", nil, logger)
		transports["log"] = tr
	}

	// ── Monitor and notification engine ──────────────────────────────────────
	mon := monitor.New(st, logger, monitor.Config{
		Interval:       cfg.Notify.Interval,
		DefaultTZ:      cfg.Notify.Timezone,
		DefaultGrace:   cfg.Notify.DefaultGrace,
		DefaultTimeout: cfg.Notify.DefaultTimeout,
	})

	engine := notify.New(st, logger, notify.Config{
		DefaultCooldown: cfg.Notify.Cooldown,
		Timezone:        tz,
	}, transports)
	mon.OnDegraded = engine.Degraded

	monDone := make(chan struct{})
	go func() {
		defer close(monDone)
		mon.Run(ctx)
	}()

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		engine.Run(ctx, mon.Deltas())
	}()

	// ── Retention ────────────────────────────────────────────────────────────
	if cfg.Notify.RetentionDays > 0 {
		go retentionLoop(ctx, st, cfg.Notify.RetentionDays, logger)
	}

	// ── HTTP server ──────────────────────────────────────────────────────────
	srvOpts := []server.Option{
		server.WithStatus(mon),
		server.WithTimezone(tz),
		server.WithRuleHooks(engine.ValidateRules, func() {
			reloadCtx, reloadCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer reloadCancel()
			if err := engine.Reload(reloadCtx); err != nil {
				logger.Warn("rule reload failed", slog.Any("error", err))
			}
		}),
	}
	if cfg.Crab.BaseURL != "" {
		srvOpts = append(srvOpts, server.WithFeed(cfg.Crab.BaseURL))
	}
	srv := server.New(st, logger, srvOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Crab.Listen,
		Handler:      srv.Router(),
		ReadTimeout:  requestReadTimeout,
		WriteTimeout: requestWriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", slog.String("addr", cfg.Crab.Listen))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("HTTP server: %w", err)
		}
		close(httpErrCh)
	}()

	// ── Wait for shutdown signal or fatal error ───────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("HTTP server error", slog.Any("error", err))
			exitCode = 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Drain in-flight requests first so late wrapper reports still land.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", slog.Any("error", err))
	}

	// The monitor finishes its current tick; the notifier flushes its
	// queues up to its own timeout.
	cancel()
	select {
	case <-monDone:
	case <-shutdownCtx.Done():
		logger.Warn("monitor did not stop in time")
	}
	select {
	case <-engineDone:
	case <-shutdownCtx.Done():
		logger.Warn("notifier did not stop in time")
	}

	logger.Info("crab daemon exited cleanly")
	return exitCode
}

const (
	requestReadTimeout  = 60 * time.Second
	requestWriteTimeout = 60 * time.Second
)

// retentionLoop removes events older than the configured window once per
// hour. Cleanup is idempotent; failures are logged and retried next round.
func retentionLoop(ctx context.Context, st store.Store, days int, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().AddDate(0, 0, -days)
			removed, err := st.RemoveOldEvents(ctx, cutoff)
			if err != nil {
				logger.Warn("retention cleanup failed", slog.Any("error", err))
				continue
			}
			if removed > 0 {
				logger.Info("retention cleanup", slog.Int64("removed", removed))
			}
		}
	}
}

// seedNotifications loads rules from a YAML file into an empty store, so a
// fresh deployment starts alerting without a round-trip through the API.
func seedNotifications(ctx context.Context, st store.Store, path string, logger *slog.Logger) error {
	if path == "" {
		return nil
	}
	existing, err := st.GetNotifications(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %q: %w", path, err)
	}
	var rules []store.Rule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return fmt.Errorf("parse %q: %w", path, err)
	}
	if len(rules) == 0 {
		return nil
	}
	if _, err := st.SetNotifications(ctx, rules); err != nil {
		return err
	}
	logger.Info("seeded notification rules",
		slog.String("file", path), slog.Int("count", len(rules)))
	return nil
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
