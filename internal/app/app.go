// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pzverkov/kioskops-relay/internal/codec"
	"github.com/pzverkov/kioskops-relay/internal/config"
	"github.com/pzverkov/kioskops-relay/internal/engine"
	"github.com/pzverkov/kioskops-relay/internal/pkg/ctxlog"
	"github.com/pzverkov/kioskops-relay/internal/pkg/httputil"
	"github.com/pzverkov/kioskops-relay/internal/pkg/logging"
	"github.com/pzverkov/kioskops-relay/internal/pkg/metrics"
	"github.com/pzverkov/kioskops-relay/internal/queue"
	"github.com/pzverkov/kioskops-relay/internal/queue/sqlite"
	"github.com/pzverkov/kioskops-relay/internal/secrets"
	"github.com/pzverkov/kioskops-relay/internal/transport"
	"github.com/pzverkov/kioskops-relay/internal/transport/httpapi"
	"github.com/pzverkov/kioskops-relay/internal/version"
)

// App wires the queue store, the sync engine and the observability
// endpoints into one runnable relay instance.
type App struct {
	config *config.Config
	logger *slog.Logger
	db     *sql.DB
	store  *queue.Store
	runner *engine.Runner

	metricsServer *http.Server
	metricsCancel context.CancelFunc
}

// New creates a new application instance and opens its local storage.
func New(cfg *config.Config) (*App, error) {
	logger := logging.Setup(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	ctx := ctxlog.WithLogger(context.Background(), logger)

	if dir := filepath.Dir(cfg.Storage.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
	}

	db, err := sqlite.Open(ctx, cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}

	store := queue.NewStore(
		sqlite.NewRepository(db),
		codec.Identity{},
		secrets.NewFileProvider(cfg.Storage.SecretPath),
		cfg.QueuePolicy(),
		nil,
		nil,
	)

	eng := engine.New(
		store,
		httpapi.New(cfg.Sync.RequestTimeout),
		cfg.BackoffPolicy(),
		engine.Config{
			Enabled: cfg.Sync.Enabled,
			Collector: transport.Config{
				Endpoint:  cfg.Sync.Endpoint,
				AuthToken: cfg.Sync.AuthToken,
			},
			DeviceID:            cfg.Sync.DeviceID,
			AppVersion:          cfg.Sync.AppVersion,
			LocationID:          cfg.Sync.LocationID,
			BatchSize:           cfg.Sync.BatchSize,
			MaxAttemptsPerEvent: cfg.Sync.MaxAttemptsPerEvent,
			SendingTimeout:      cfg.Sync.SendingTimeout,
		},
		nil,
		nil,
	)

	metricsCtx, metricsCancel := context.WithCancel(ctx)

	app := &App{
		config: cfg,
		logger: logger,
		db:     db,
		store:  store,
		runner: engine.NewRunner(eng, store, engine.RunnerConfig{
			Interval:  cfg.Sync.Interval,
			Retention: cfg.RetentionPolicy(),
		}),
		metricsCancel: metricsCancel,
	}

	go app.collectDBMetrics(metricsCtx)

	if cfg.Metrics.Enabled {
		router := chi.NewRouter()
		router.Handle("/metrics", promhttp.Handler())
		router.Get("/healthz", app.healthzHandler)
		router.Get("/readyz", app.readyzHandler)
		router.Get("/version", app.versionHandler)

		app.metricsServer = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           router,
			ReadTimeout:       5 * time.Second,
			ReadHeaderTimeout: 2 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
	}

	return app, nil
}

// Store returns the queue store so hosts can enqueue events.
func (a *App) Store() *queue.Store {
	return a.store
}

// MetricsHandler returns the observability HTTP handler for testing.
// Returns nil when the metrics server is disabled.
func (a *App) MetricsHandler() http.Handler {
	if a.metricsServer == nil {
		return nil
	}
	return a.metricsServer.Handler
}

// Run starts the sync loop and, when enabled, the metrics server. It blocks
// until the context is cancelled or the metrics server stops.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)

	if err := a.runner.Start(ctx); err != nil {
		return fmt.Errorf("start sync runner: %w", err)
	}

	if a.metricsServer == nil {
		<-ctx.Done()
		return nil
	}

	a.logger.Info("starting metrics server", "addr", a.config.Metrics.Addr)
	if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	a.metricsCancel()

	var errs []error
	if err := a.runner.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop sync runner: %w", err))
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
		}
	}

	if err := a.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}

	return errors.Join(errs...)
}

func (a *App) collectDBMetrics(ctx context.Context) {
	// Collect immediately on start
	metrics.RecordDBStats(a.db)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics.RecordDBStats(a.db)
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.PingContext(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Storage unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.GitCommit,
		"build_date": version.BuildDate,
	})
}
