package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/testgen/config"
	"github.com/c360studio/testgen/llm"
	"github.com/c360studio/testgen/metrics"
	"github.com/c360studio/testgen/model"
	plangenerator "github.com/c360studio/testgen/processor/plan-generator"
	runlifecycle "github.com/c360studio/testgen/processor/run-lifecycle"
	testplanapi "github.com/c360studio/testgen/processor/testplan-api"
	"github.com/c360studio/testgen/quota"
	"github.com/c360studio/testgen/source/webfetch"
	"github.com/c360studio/testgen/source/weburl"
	"github.com/c360studio/testgen/storage"
	"github.com/c360studio/testgen/storage/natskv"
	"github.com/c360studio/testgen/storage/sqlite"
)

// App wires configuration into running components.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	conn     *natskv.Conn
	store    storage.Store
	metrics  *metrics.Metrics
	registry *model.Registry

	host      *hostRegistry
	generator *plangenerator.Component
	runs      *runlifecycle.Component
	api       *testplanapi.Component

	server   *http.Server
	listener net.Listener
}

// appOptions lets tests substitute the model gateway.
type appOptions struct {
	gateway llm.Gateway
}

// NewApp opens storage and builds every component. Call Close when done.
func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts appOptions) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &App{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics.New(),
		registry: cfg.Model.Registry(),
	}

	if err := a.openStorage(ctx); err != nil {
		a.Close()
		return nil, err
	}

	gateway := opts.gateway
	if gateway == nil {
		gateway = llm.NewClient(a.registry,
			llm.WithLogger(logger),
			llm.WithMetrics(a.metrics))
	}

	fetcher := webfetch.New(webfetch.Config{
		Timeout:         cfg.Fetch.Timeout,
		MaxContentBytes: cfg.Fetch.MaxContentBytes,
		MaxChars:        cfg.Fetch.MaxChars,
		UserAgents:      cfg.Fetch.UserAgents,
		Policy: weburl.Policy{
			AllowPrivate: cfg.Fetch.AllowPrivate,
			DenyHosts:    cfg.Fetch.DenyHosts,
		},
		Format: webfetch.Format(cfg.Fetch.Format),
	}, webfetch.WithLogger(logger), webfetch.WithMetrics(a.metrics))

	limiter := quota.New(a.store, quota.Config{
		DailyLimit:   cfg.Quota.DailyLimit,
		Location:     cfg.Quota.Location(),
		ExemptStates: cfg.Quota.ExemptStates,
		Hint:         cfg.Quota.Hint,
	}, quota.WithLogger(logger), quota.WithMetrics(a.metrics))

	componentRegistry := component.NewRegistry()
	a.host = &hostRegistry{inner: componentRegistry, configs: map[string]component.RegistrationConfig{}}
	cdeps := component.Dependencies{Logger: logger}
	if a.conn != nil {
		cdeps.NATSClient = a.conn.Client
	}

	if err := plangenerator.Register(a.host, plangenerator.Dependencies{
		Limiter: limiter,
		Fetcher: fetcher,
		Gateway: gateway,
		Plans:   a.store,
		Models:  a.registry,
		Metrics: a.metrics,
	}); err != nil {
		a.Close()
		return nil, fmt.Errorf("register plan-generator: %w", err)
	}
	gen, err := a.host.create("plan-generator", plangenerator.Config{
		DefaultModel: cfg.Model.Default,
		Temperature:  cfg.Model.Temperature,
		Timeout:      cfg.Model.Timeout.String(),
	}, cdeps)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.generator = gen.(*plangenerator.Component)

	if err := runlifecycle.Register(a.host, runlifecycle.Dependencies{
		Plans:   a.store,
		Reports: a.store,
		Metrics: a.metrics,
	}); err != nil {
		a.Close()
		return nil, fmt.Errorf("register run-lifecycle: %w", err)
	}
	runs, err := a.host.create("run-lifecycle", runlifecycle.Config{
		DispatchSubject: cfg.Runs.Subject,
	}, cdeps)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.runs = runs.(*runlifecycle.Component)

	if err := testplanapi.Register(a.host, testplanapi.Dependencies{
		Generator: a.generator,
		Runs:      a.runs,
		Plans:     a.store,
		Reports:   a.store,
		Models:    a.registry,
		Metrics:   a.metrics,
	}); err != nil {
		a.Close()
		return nil, fmt.Errorf("register testplan-api: %w", err)
	}
	api, err := a.host.create("testplan-api", testplanapi.Config{
		Prefix:       "api",
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	}, cdeps)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.api = api.(*testplanapi.Component)
	a.api.Monitor(a.generator, a.runs)

	logger.Info("Component factories registered", "count", len(componentRegistry.ListFactories()))
	return a, nil
}

// hostedComponent is a registered component the App starts and stops.
type hostedComponent interface {
	component.Discoverable
	Initialize() error
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}

// hostRegistry forwards registrations to the semstreams registry and keeps
// each factory so the App can build components in dependency order.
type hostRegistry struct {
	inner interface {
		RegisterWithConfig(component.RegistrationConfig) error
	}
	configs    map[string]component.RegistrationConfig
	components []hostedComponent
}

// RegisterWithConfig records cfg after the inner registry accepts it.
func (h *hostRegistry) RegisterWithConfig(cfg component.RegistrationConfig) error {
	if err := h.inner.RegisterWithConfig(cfg); err != nil {
		return err
	}
	h.configs[cfg.Name] = cfg
	return nil
}

// create builds and initializes the named component from config.
func (h *hostRegistry) create(name string, config any, deps component.Dependencies) (component.Discoverable, error) {
	reg, ok := h.configs[name]
	if !ok {
		return nil, fmt.Errorf("component %s is not registered", name)
	}
	raw, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("marshal %s config: %w", name, err)
	}
	d, err := reg.Factory(raw, deps)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", name, err)
	}
	hc, ok := d.(hostedComponent)
	if !ok {
		return nil, fmt.Errorf("component %s has no lifecycle", name)
	}
	if err := hc.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize %s: %w", name, err)
	}
	h.components = append(h.components, hc)
	return d, nil
}

// start starts components in creation order. On failure the ones already
// started are stopped again.
func (h *hostRegistry) start(ctx context.Context) error {
	for i, c := range h.components {
		if err := c.Start(ctx); err != nil {
			h.stopFirst(i, 5*time.Second)
			return fmt.Errorf("start %s: %w", c.Meta().Name, err)
		}
	}
	return nil
}

// stop stops every component in reverse creation order.
func (h *hostRegistry) stop(timeout time.Duration) error {
	return h.stopFirst(len(h.components), timeout)
}

func (h *hostRegistry) stopFirst(n int, timeout time.Duration) error {
	var errs []error
	for i := n - 1; i >= 0; i-- {
		if err := h.components[i].Stop(timeout); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", h.components[i].Meta().Name, err))
		}
	}
	return errors.Join(errs...)
}

// openStorage opens the configured backend, connecting to NATS when the
// backend or run dispatch needs it.
func (a *App) openStorage(ctx context.Context) error {
	sc := a.cfg.Storage

	if sc.Backend == "nats" || sc.NATSURL != "" {
		conn, err := natskv.Connect(ctx, sc.NATSURL, sc.NATSStoreDir)
		if err != nil {
			return err
		}
		a.conn = conn
		if sc.NATSURL == "" {
			a.logger.Info("Started embedded NATS server", "url", conn.URL())
		}
	}

	switch sc.Backend {
	case "nats":
		// the store does not own conn; Close shuts it down
		store, err := natskv.New(ctx, a.conn.JS, sc.BucketPrefix, nil)
		if err != nil {
			return fmt.Errorf("open nats store: %w", err)
		}
		a.store = store
		a.logger.Info("Using NATS KV storage", "prefix", sc.BucketPrefix)
	default:
		store, err := sqlite.Open(ctx, sc.SQLitePath)
		if err != nil {
			return err
		}
		a.store = store
		a.logger.Info("Using SQLite storage", "path", sc.SQLitePath)
	}
	return nil
}

// Listen binds the configured address.
func (a *App) Listen() error {
	ln, err := net.Listen("tcp", a.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.cfg.Server.Addr, err)
	}
	a.listener = ln
	a.server = &http.Server{
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// Addr returns the bound address once Listen has succeeded.
func (a *App) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Serve starts the components, then serves HTTP until ctx is cancelled.
// Shutdown stops the server before the components.
func (a *App) Serve(ctx context.Context, shutdownTimeout time.Duration) error {
	if a.server == nil {
		if err := a.Listen(); err != nil {
			return err
		}
	}

	if err := a.host.start(ctx); err != nil {
		a.listener.Close()
		return err
	}
	defer func() {
		if err := a.host.stop(shutdownTimeout); err != nil {
			a.logger.Warn("Failed to stop components", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP server listening", "addr", a.Addr())
		errCh <- a.server.Serve(a.listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	a.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	<-errCh
	return nil
}

// Close stops any running component and releases storage and the NATS
// connection.
func (a *App) Close() {
	if a.host != nil {
		if err := a.host.stop(5 * time.Second); err != nil {
			a.logger.Warn("Failed to stop components", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("Failed to close store", "error", err)
		}
	}
	if a.conn != nil {
		_ = a.conn.Close()
	}
}
