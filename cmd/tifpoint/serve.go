// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TIFPoint Contributors

package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/tifpoint/tifpoint/internal/api"
	"github.com/tifpoint/tifpoint/internal/audit"
	"github.com/tifpoint/tifpoint/internal/auth"
	authpg "github.com/tifpoint/tifpoint/internal/auth/postgres"
	"github.com/tifpoint/tifpoint/internal/config"
	"github.com/tifpoint/tifpoint/internal/logging"
	"github.com/tifpoint/tifpoint/internal/maintenance"
	"github.com/tifpoint/tifpoint/internal/notify"
	"github.com/tifpoint/tifpoint/internal/observability"
	"github.com/tifpoint/tifpoint/internal/store"
	"github.com/tifpoint/tifpoint/internal/throttle"
)

const defaultShutdownTimeout = 10 * time.Second

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		Long: `Start the HTTP API. Secrets come from DATABASE_URL, JWT_SECRET and
the optional AMQP_URL environment variables.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServeWithDeps(cmd.Context(), cmd, nil)
		},
	}

	cmd.Flags().String("addr", ":5000", "API listen address")
	cmd.Flags().String("metrics-addr", "127.0.0.1:9100", "metrics/health HTTP address (empty = disabled)")
	cmd.Flags().String("log-format", "json", "log format (json or text)")
	cmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	cmd.Flags().Bool("migrate-on-start", false, "apply pending migrations before serving")
	cmd.Flags().Bool("secure", false, "enable security headers and the perimeter rate limiter")

	return cmd
}

// runServeWithDeps starts the server with injectable dependencies.
// If deps is nil, default implementations are used.
func runServeWithDeps(ctx context.Context, cmd *cobra.Command, deps *ServeDeps) error {
	deps = deps.withDefaults()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.SetDefault(logging.Options{
		Version: version,
		Format:  cfg.Log.Format,
		Level:   cfg.LogLevel(),
		Output:  cmd.ErrOrStderr(),
	})
	logger.Info("starting tifpoint", "version", version, "addr", cfg.Server.Addr)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Database.MigrateOnStart {
		if err := migrateOnStart(deps, cfg.DatabaseURL, logger); err != nil {
			return err
		}
	}

	pool, err := deps.Connect(ctx, cfg.DatabaseURL, store.ConnectOptions{
		MaxAttempts: cfg.Database.ConnectRetries,
		MaxConns:    cfg.Database.MaxConns,
	})
	if err != nil {
		return err
	}
	defer pool.Close()
	logger.Info("connected to database")

	app, err := newApp(ctx, cfg, pool, deps, logger)
	if err != nil {
		return err
	}
	defer app.close(logger)

	var ready atomic.Bool

	var obsServer *observability.Server
	instrument := func(next http.Handler) http.Handler { return next }
	if cfg.Server.MetricsAddr != "" {
		obsServer = observability.NewServer(cfg.Server.MetricsAddr, ready.Load)
		obsErrCh, err := obsServer.Start()
		if err != nil {
			return err
		}
		instrument = obsServer.Metrics().Middleware
		go monitorServerErrors(ctx, stop, obsErrCh, "observability", logger)
	}

	router, err := api.NewRouter(api.Deps{
		Accounts:       app.accounts,
		Resets:         app.resets,
		Audit:          app.audit,
		Sessions:       app.sessions,
		Throttle:       app.limiter,
		Perimeter:      api.Perimeter(cfg.Security.Enabled, cfg.Security.PerimeterRate),
		Instrument:     instrument,
		CORSOrigins:    cfg.Server.CORSOrigins,
		TrustedProxies: cfg.Server.TrustedProxies,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return oops.Code("SERVER_LISTEN_FAILED").With("addr", cfg.Server.Addr).Wrap(err)
	}
	httpServer := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	apiErrCh := make(chan error, 1)
	go func() {
		defer close(apiErrCh)
		if serveErr := httpServer.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			apiErrCh <- serveErr
		}
	}()

	app.scheduler.Start()
	ready.Store(true)
	logger.Info("tifpoint ready", "addr", listener.Addr().String())
	deps.Ready(listener.Addr().String())

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err, ok := <-apiErrCh:
		if ok && err != nil {
			serveErr = oops.Code("SERVER_FAILED").Wrap(err)
		}
	}

	ready.Store(false)
	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("error stopping API server", "error", err)
	}
	if err := app.scheduler.Stop(shutdownCtx); err != nil {
		logger.Warn("error stopping maintenance jobs", "error", err)
	}
	if obsServer != nil {
		if err := obsServer.Stop(shutdownCtx); err != nil {
			logger.Warn("error stopping observability server", "error", err)
		}
	}

	logger.Info("shutdown complete")
	return serveErr
}

func migrateOnStart(deps *ServeDeps, databaseURL string, logger *slog.Logger) error {
	migrator, err := deps.MigratorFactory(databaseURL)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := migrator.Close(); closeErr != nil {
			logger.Warn("error closing migrator", "error", closeErr)
		}
	}()
	if err := migrator.Up(); err != nil {
		return err
	}
	version, _, err := migrator.Version()
	if err != nil {
		return err
	}
	logger.Info("database schema up to date", "version", version)
	return nil
}

// app holds the wired services for one serve run.
type app struct {
	accounts  *auth.Service
	resets    *auth.ResetService
	audit     *audit.Pipeline
	sessions  *auth.JWTIssuer
	limiter   *throttle.Limiter
	notifier  Notifier
	scheduler *maintenance.Scheduler
}

func newApp(ctx context.Context, cfg *config.Config, pool Pool, deps *ServeDeps, logger *slog.Logger) (*app, error) {
	pipeline := audit.NewPipeline(audit.NewPostgresStore(pool), audit.Options{
		QueueSize: cfg.Audit.QueueSize,
		Workers:   cfg.Audit.Workers,
		WALPath:   cfg.Audit.WALPath,
		Logger:    logger,
	})
	if err := pipeline.ReplayWAL(ctx); err != nil {
		logger.Warn("audit WAL replay failed", "error", err)
	}

	a := &app{audit: pipeline}
	if err := a.wire(cfg, pool, deps, logger); err != nil {
		a.close(logger)
		return nil, err
	}
	return a, nil
}

func (a *app) wire(cfg *config.Config, pool Pool, deps *ServeDeps, logger *slog.Logger) error {
	accounts := authpg.NewAccountRepository(pool)
	hasher := auth.NewHasher()

	guard, err := auth.NewGuard(accounts, hasher, auth.LockoutPolicy{
		Threshold: cfg.Auth.LockoutThreshold,
		Penalty:   cfg.Auth.LockoutPenalty,
	}, auth.WithGuardLogger(logger))
	if err != nil {
		return err
	}

	a.sessions, err = auth.NewJWTIssuer(cfg.JWTSecret, cfg.Auth.SessionTTL)
	if err != nil {
		return err
	}

	a.notifier = notify.Unconfigured{}
	if cfg.AMQPURL != "" {
		publisher, dialErr := deps.DialNotifier(notify.Config{
			URL:        cfg.AMQPURL,
			Exchange:   cfg.Delivery.Exchange,
			RoutingKey: cfg.Delivery.RoutingKey,
			Logger:     logger,
		})
		if dialErr != nil {
			// Reset requests still work; tokens fall back per delivery config.
			logger.Warn("reset delivery unavailable", "error", dialErr)
		} else {
			a.notifier = publisher
		}
	}

	a.resets, err = auth.NewResetService(accounts, hasher, a.notifier, a.audit, auth.ResetOptions{
		ExposeTokenOnFailure: cfg.Delivery.ExposeTokenOnFailure,
		Logger:               logger,
	})
	if err != nil {
		return err
	}

	a.accounts, err = auth.NewServiceWithLogger(accounts, hasher, guard, a.sessions, a.audit, logger)
	if err != nil {
		return err
	}

	a.limiter = throttle.New(throttle.Config{
		MaxRequests: cfg.Throttle.MaxRequests,
		Window:      cfg.Throttle.Window,
	})

	a.scheduler = maintenance.New(maintenance.WithLogger(logger))
	return maintenance.RegisterStandardJobs(a.scheduler, maintenance.Schedules{
		ThrottleSweep: cfg.Maintenance.ThrottleSweep,
		ResetPurge:    cfg.Maintenance.ResetPurge,
		WALReplay:     cfg.Maintenance.WALReplay,
	}, maintenance.Targets{
		Throttle: a.limiter,
		Resets:   a.resets,
		Audit:    a.audit,
	}, logger)
}

// close drains the audit queue and releases reset delivery.
func (a *app) close(logger *slog.Logger) {
	if err := a.audit.Close(); err != nil {
		logger.Warn("error draining audit pipeline", "error", err)
	}
	if a.notifier != nil {
		if err := a.notifier.Close(); err != nil {
			logger.Warn("error closing reset delivery", "error", err)
		}
	}
}

// monitorServerErrors cancels the run when a background server fails.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string, logger *slog.Logger) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			logger.Error("server error, triggering shutdown", "server", serverName, "error", err)
			cancel()
		}
	case <-ctx.Done():
	}
}
