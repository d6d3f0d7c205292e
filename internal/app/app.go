// Package app assembles storage, the event bus, the analysis worker and the
// HTTP server into one runnable process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/terrachat/terrachat/internal/config"
	"github.com/terrachat/terrachat/internal/event"
	"github.com/terrachat/terrachat/internal/logging"
	"github.com/terrachat/terrachat/internal/provider"
	"github.com/terrachat/terrachat/internal/server"
	"github.com/terrachat/terrachat/internal/session"
	"github.com/terrachat/terrachat/internal/storage"
	"github.com/terrachat/terrachat/internal/telemetry"
	"github.com/terrachat/terrachat/internal/worker"
	"github.com/terrachat/terrachat/pkg/types"
)

// Options adjusts assembly for callers that are not the CLI.
type Options struct {
	Version string

	// Worker overrides the worker options derived from the config.
	// Zero fields keep the derived values.
	Worker worker.Options

	// SpanProcessor also receives spans when telemetry is enabled.
	SpanProcessor sdktrace.SpanProcessor
}

// App is a fully wired terrachat process.
type App struct {
	Config    *types.Config
	Store     *storage.Storage
	Bus       *event.Bus
	Providers *provider.Registry
	Sessions  *session.Service
	Worker    *worker.Worker
	Server    *server.Server

	telemetry *telemetry.Manager
	cancel    context.CancelFunc
}

// New opens the database and wires every component. Nothing runs until
// Start is called.
func New(ctx context.Context, cfg *types.Config, opts Options) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}

	a := &App{Config: cfg}

	if cfg.Telemetry.Enabled {
		mgr, err := telemetry.NewManager(ctx, telemetry.Config{
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: opts.Version,
			Endpoint:       cfg.Telemetry.Endpoint,
			SpanProcessor:  opts.SpanProcessor,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		telemetry.SetDefault(mgr)
		a.telemetry = mgr
	}

	store, err := storage.Open(cfg.Database.Path)
	if err != nil {
		a.shutdownTelemetry()
		return nil, err
	}
	a.Store = store

	a.Bus = event.NewBus()
	a.Providers = provider.NewRegistry(cfg)

	workerOpts := opts.Worker
	if workerOpts.Concurrency <= 0 {
		workerOpts.Concurrency = cfg.Worker.Concurrency
	}
	if workerOpts.TurnTimeout <= 0 {
		workerOpts.TurnTimeout = config.TurnTimeout(cfg)
	}
	a.Worker = worker.New(store, a.Providers, a.Bus, a.Bus.PubSub(), workerOpts)

	queue := worker.NewQueue(a.Bus.PubSub())
	a.Sessions = session.NewService(store, a.Bus, queue, cfg)

	serverCfg := server.DefaultConfig()
	if cfg.Server.Port != 0 {
		serverCfg.Port = cfg.Server.Port
	}
	serverCfg.EnableCORS = config.CORSEnabled(cfg)
	a.Server = server.New(serverCfg, a.Sessions, a.Providers, a.Bus)

	return a, nil
}

// Start recovers interrupted turns and starts consuming jobs. The worker
// runs until Close.
func (a *App) Start(ctx context.Context) error {
	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := a.Worker.Start(workerCtx); err != nil {
		cancel()
		return err
	}
	a.cancel = cancel
	return nil
}

// ListenAndServe serves HTTP on the configured port until Close.
func (a *App) ListenAndServe() error {
	logging.Info().Int("port", a.Config.Server.Port).Msg("server listening")
	if err := a.Server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler returns the HTTP handler, for embedding or httptest.
func (a *App) Handler() http.Handler {
	return a.Server.Router()
}

// Close stops the server, lets in-flight turns finish and releases every
// resource. Turns still running when ctx expires are recovered on the next
// start.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.Server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown: %w", err))
	}

	if a.cancel != nil {
		a.cancel()
		done := make(chan struct{})
		go func() {
			a.Worker.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("worker shutdown: %w", ctx.Err()))
		}
	}

	if err := a.Bus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("bus close: %w", err))
	}
	if err := a.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("storage close: %w", err))
	}
	a.shutdownTelemetry()
	return errors.Join(errs...)
}

func (a *App) shutdownTelemetry() {
	if a.telemetry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.telemetry.Shutdown(ctx); err != nil {
		logging.Warn().Err(err).Msg("telemetry shutdown failed")
	}
	telemetry.SetDefault(nil)
}
