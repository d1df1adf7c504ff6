// Package app provides the main application struct for centralized dependency management
// and lifecycle control of queryflow.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"queryflow/config"
	"queryflow/internal/gateway"
	"queryflow/internal/jobstore"
	"queryflow/internal/metrics"
	"queryflow/internal/orchestrator"
	"queryflow/internal/poller"
	"queryflow/internal/querycache"
	"queryflow/internal/server"
	"queryflow/internal/snapshot"
)

// App represents the main application with all its dependencies.
// It provides centralized lifecycle management for all components.
type App struct {
	config    *config.Config
	logger    *slog.Logger
	snapshots snapshot.Store
	jobs      *jobstore.Result
	flows     *orchestrator.Orchestrator
	server    *server.Server

	shutdownMu sync.Mutex
	shutdown   bool
}

// Config holds the configuration options for creating an App.
type Config struct {
	// AppConfig is the configuration produced by config.Load.
	AppConfig *config.Config

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Registerer receives the Prometheus collectors when metrics are enabled.
	// Defaults to prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer

	// HTTPClient replaces the pooled backend client.
	HTTPClient *http.Client
}

// New creates a new App with all dependencies initialized.
// The caller must call Shutdown to release resources.
func New(ctx context.Context, cfg Config) (*App, error) {
	if cfg.AppConfig == nil {
		return nil, fmt.Errorf("app config is required")
	}
	appCfg := cfg.AppConfig

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	app := &App{
		config: appCfg,
		logger: logger,
	}

	snapshots, err := snapshot.New(snapshot.Config{
		Type: appCfg.Cache.Snapshot.Type,
		Path: appCfg.Cache.Snapshot.Path,
		Redis: snapshot.RedisConfig{
			URL:    appCfg.Cache.Snapshot.Redis.URL,
			Prefix: appCfg.Cache.Snapshot.Redis.Prefix,
			TTL:    appCfg.Cache.Snapshot.Redis.TTL,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize snapshot store: %w", err)
	}
	app.snapshots = snapshots

	jobs, err := jobstore.New(ctx, appCfg)
	if err != nil {
		closeErr := app.closeSnapshots()
		if closeErr != nil {
			return nil, fmt.Errorf("failed to initialize job store: %w (also: snapshot close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize job store: %w", err)
	}
	app.jobs = jobs

	var (
		gatewayOpts      = []gateway.Option{gateway.WithLogger(logger)}
		cacheOpts        = []querycache.Option{querycache.WithLogger(logger)}
		orchestratorOpts = []orchestrator.Option{
			orchestrator.WithLogger(logger),
			orchestrator.WithJobStore(jobs.Store),
		}
	)
	if cfg.HTTPClient != nil {
		gatewayOpts = append(gatewayOpts, gateway.WithHTTPClient(cfg.HTTPClient))
	}
	if snapshots != nil {
		cacheOpts = append(cacheOpts, querycache.WithSnapshotStore(snapshots))
	}
	var gatherer prometheus.Gatherer
	if appCfg.Server.MetricsEnabled {
		reg := cfg.Registerer
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		if g, ok := reg.(prometheus.Gatherer); ok {
			gatherer = g
		}
		m := metrics.New(reg)
		gatewayOpts = append(gatewayOpts, gateway.WithHooks(m))
		cacheOpts = append(cacheOpts, querycache.WithHooks(m))
		orchestratorOpts = append(orchestratorOpts, orchestrator.WithPollerHooks(m))
	}

	client := gateway.NewClient(gateway.New(gateway.Config{
		BaseURL: appCfg.Gateway.BaseURL,
		Timeout: appCfg.Gateway.Timeout,
	}, gatewayOpts...))
	cache := querycache.New(cacheOpts...)

	app.flows = orchestrator.New(client, cache, orchestrator.Config{
		Poller: poller.Config{
			Interval:    appCfg.Poller.Interval,
			MaxFailures: appCfg.Poller.MaxFailures,
		},
	}, orchestratorOpts...)

	if err := cache.Hydrate(ctx); err != nil {
		logger.Warn("failed to restore cache snapshots", "error", err)
	}

	bodySizeLimit, err := config.ParseBodySizeLimit(appCfg.Server.BodySizeLimit)
	if err != nil {
		closeErr := app.closeBackends()
		if closeErr != nil {
			return nil, fmt.Errorf("invalid body size limit: %w (also: close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("invalid body size limit: %w", err)
	}

	app.server = server.New(app.flows, &server.Config{
		APIKey:          appCfg.Server.APIKey,
		MetricsEnabled:  appCfg.Server.MetricsEnabled,
		MetricsEndpoint: appCfg.Server.MetricsEndpoint,
		BodySizeLimit:   bodySizeLimit,
		Logger:          logger,
		Gatherer:        gatherer,
	})

	app.logStartupInfo()
	return app, nil
}

// Orchestrator returns the flows shared by the HTTP server and the CLI.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	return a.flows
}

// Handler returns the local HTTP API.
func (a *App) Handler() http.Handler {
	return a.server
}

// Start starts the HTTP server on the given address.
// This is a blocking call that returns when the server stops.
func (a *App) Start(addr string) error {
	if a.server == nil {
		return fmt.Errorf("server is not initialized")
	}
	a.logger.Info("starting server", "address", addr)
	if err := a.server.Start(addr); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			a.logger.Info("server stopped gracefully")
			return nil
		}
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// Shutdown gracefully tears down app components in dependency order.
// Order:
// 1. HTTP server shutdown, honoring the passed context timeout/cancellation.
// 2. Orchestrator close (cancels job polling, waits for background refreshes).
// 3. Job store close.
// 4. Snapshot store close.
//
// Shutdown is idempotent and safe for repeated calls; after the first call, subsequent calls are no-ops.
// It attempts every close step, aggregates failures, and returns a joined error if any step fails.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	if a.shutdown {
		a.shutdownMu.Unlock()
		return nil
	}
	a.shutdown = true
	a.shutdownMu.Unlock()

	a.logger.Info("shutting down application...")

	var errs []error

	// 1. Shutdown HTTP server first (stop accepting new requests)
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.Error("server shutdown error", "error", err)
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}

	if err := a.closeBackends(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}

	a.logger.Info("application shutdown complete")
	return nil
}

func (a *App) closeBackends() error {
	if a.flows != nil {
		a.flows.Close()
	}

	var errs []error
	if a.jobs != nil {
		if err := a.jobs.Close(); err != nil {
			a.logger.Error("job store close error", "error", err)
			errs = append(errs, fmt.Errorf("job store close: %w", err))
		}
	}
	if err := a.closeSnapshots(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) closeSnapshots() error {
	if a.snapshots == nil {
		return nil
	}
	if err := a.snapshots.Close(); err != nil {
		a.logger.Error("snapshot store close error", "error", err)
		return fmt.Errorf("snapshot store close: %w", err)
	}
	return nil
}

// logStartupInfo logs the application configuration on startup.
func (a *App) logStartupInfo() {
	cfg := a.config

	a.logger.Info("backend configured", "base_url", cfg.Gateway.BaseURL, "timeout", cfg.Gateway.Timeout)
	a.logger.Info("job polling configured", "interval", cfg.Poller.Interval, "max_failures", cfg.Poller.MaxFailures)
	a.logger.Info("job store configured", "type", cfg.Jobs.Type)
	a.logger.Info("cache snapshots configured", "type", cfg.Cache.Snapshot.Type)

	if cfg.Server.APIKey == "" {
		a.logger.Warn("QUERYFLOW_API_KEY not set - local API accepts unauthenticated requests")
	} else {
		a.logger.Info("authentication enabled", "mode", "api_key")
	}

	if cfg.Server.MetricsEnabled {
		a.logger.Info("prometheus metrics enabled", "endpoint", cfg.Server.MetricsEndpoint)
	} else {
		a.logger.Info("prometheus metrics disabled")
	}
}
