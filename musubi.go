// Package musubi embeds the Musubi flow correlation service: an HTTP API
// that ingests Chrome JSON traces, correlates their flow events into causal
// edges between slices, and serves the results.
//
// Typical embedded use:
//
//	app, err := musubi.New(
//		musubi.WithVersion("1.4.0"),
//		musubi.WithCompletionHook(hook),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := app.Run(ctx); err != nil {
//		log.Fatal(err)
//	}
//
// Run blocks until ctx is cancelled, then drains in-flight work before
// returning. For one-shot in-memory correlation without a server or
// database, see ProcessTrace.
package musubi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/ashita-ai/musubi/api"
	"github.com/ashita-ai/musubi/internal/auth"
	"github.com/ashita-ai/musubi/internal/config"
	"github.com/ashita-ai/musubi/internal/export"
	"github.com/ashita-ai/musubi/internal/jobs"
	"github.com/ashita-ai/musubi/internal/ratelimit"
	"github.com/ashita-ai/musubi/internal/server"
	"github.com/ashita-ai/musubi/internal/storage"
	"github.com/ashita-ai/musubi/internal/telemetry"
	"github.com/ashita-ai/musubi/internal/trace"
	"github.com/ashita-ai/musubi/migrations"
)

// App is a fully wired correlation service: HTTP server, job workers,
// storage, and export. Create one with New, start it with Run.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	db       *storage.DB
	jobs     *jobs.Manager
	exporter *export.Publisher
	broker   *server.Broker
	srv      *server.Server

	otelShutdown telemetry.Shutdown
	version      string
}

// New builds an App from environment configuration plus the given options.
// It connects to Postgres, runs migrations, and wires every component, but
// does not start serving; call Run for that. On error nothing is left
// running.
func New(opts ...Option) (*App, error) {
	var o resolvedOptions
	for _, fn := range opts {
		fn(&o)
	}

	// Local development convenience; production deployments set real
	// environment variables and have no .env file.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := o.logger
	if logger == nil {
		logger = defaultLogger(cfg)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	ctx := context.Background()

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, err
	}
	db.RegisterPoolMetrics()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close(ctx)
		_ = otelShutdown(ctx)
		return nil, err
	}
	for _, extra := range o.extraMigrations {
		if err := db.RunMigrations(ctx, extra); err != nil {
			db.Close(ctx)
			_ = otelShutdown(ctx)
			return nil, fmt.Errorf("extra migrations: %w", err)
		}
	}
	if err := verifySchema(ctx, db); err != nil {
		db.Close(ctx)
		_ = otelShutdown(ctx)
		return nil, err
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		db.Close(ctx)
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("init jwt: %w", err)
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting enabled", "rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting disabled")
	}

	var broker *server.Broker
	if db.HasNotifyConn() {
		broker = server.NewBroker(db, logger)
	} else {
		logger.Warn("event stream disabled: no notify connection")
	}

	publisher := export.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
	if publisher.Enabled() {
		logger.Info("kafka export enabled", "topic", cfg.KafkaTopic)
	}

	exporter := buildExporter(publisher, o.completionHooks)

	mirror, err := telemetry.NewCounterSink()
	if err != nil {
		db.Close(ctx)
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("init counter sink: %w", err)
	}

	mgr := jobs.NewManager(db, exporter, mirror, logger, cfg.Workers)

	srv := server.New(server.ServerConfig{
		Store:               db,
		Jobs:                mgr,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		Limiter:             limiter,
		Broker:              broker,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		KafkaEnabled:        publisher.Enabled(),
		OpenAPISpec:         api.OpenAPISpec,
		ExtraRoutes:         adaptRouteRegistrars(o.routeRegistrars),
		Middlewares:         adaptMiddlewares(o.middlewares),
	})

	if err := srv.Handlers().SeedClient(ctx, cfg.BootstrapClientID, cfg.BootstrapAPIKey); err != nil {
		mgr.Stop()
		db.Close(ctx)
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("seed bootstrap client: %w", err)
	}

	return &App{
		cfg:          cfg,
		logger:       logger,
		db:           db,
		jobs:         mgr,
		exporter:     publisher,
		broker:       broker,
		srv:          srv,
		otelShutdown: otelShutdown,
		version:      version,
	}, nil
}

// Run starts the HTTP server and the notification broker and blocks until
// ctx is cancelled or the server fails. On cancellation it performs a full
// graceful shutdown before returning.
func (a *App) Run(ctx context.Context) error {
	if a.broker != nil {
		go a.broker.Start(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	a.logger.Info("musubi ready", "version", a.version, "port", a.cfg.Port)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// The run context is already cancelled; shutdown needs its own.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.WriteTimeout)
	defer cancel()
	return a.Shutdown(shutdownCtx)
}

// Shutdown stops the app in dependency order: first the HTTP server stops
// accepting requests and drains in-flight handlers, then the job workers
// drain the queue (accepted payloads exist only in memory, so abandoning
// them would strand traces in a processing state), then the Kafka writer
// flushes its batch. Infrastructure (OTEL, the database pool) closes last.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	if err := a.srv.Shutdown(ctx); err != nil {
		a.logger.Error("http server shutdown", "error", err)
	}

	a.jobs.Stop()

	if err := a.exporter.Close(); err != nil {
		a.logger.Error("kafka writer close", "error", err)
	}

	if err := a.otelShutdown(ctx); err != nil {
		a.logger.Error("telemetry shutdown", "error", err)
	}
	a.db.Close(ctx)

	a.logger.Info("shutdown complete")
	return nil
}

// defaultLogger builds a logger from the configured level and format for
// apps that did not supply one via WithLogger.
func defaultLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogJSON {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// verifySchema confirms the core tables exist after migration. A migration
// set that runs without error but produces no schema (a packaging mistake)
// should fail startup, not the first request.
func verifySchema(ctx context.Context, db *storage.DB) error {
	for _, table := range []string{"traces", "edges"} {
		var exists bool
		err := db.Pool().QueryRow(ctx,
			`SELECT EXISTS (
				SELECT 1 FROM information_schema.tables
				WHERE table_schema = current_schema() AND table_name = $1
			)`, table).Scan(&exists)
		if err != nil {
			return fmt.Errorf("verify schema: %w", err)
		}
		if !exists {
			return fmt.Errorf("verify schema: table %q missing after migration", table)
		}
	}
	return nil
}

// buildExporter fans completion events out to Kafka and to registered
// hooks. Returns nil when there is nowhere to deliver.
func buildExporter(publisher *export.Publisher, hooks []CompletionHook) jobs.Exporter {
	var exporters []jobs.Exporter
	if publisher.Enabled() {
		exporters = append(exporters, publisher)
	}
	for _, h := range hooks {
		exporters = append(exporters, hookExporter{hook: h})
	}
	switch len(exporters) {
	case 0:
		return nil
	case 1:
		return exporters[0]
	default:
		return multiExporter(exporters)
	}
}

// hookExporter adapts a public CompletionHook to the job manager's
// exporter interface.
type hookExporter struct {
	hook CompletionHook
}

func (e hookExporter) PublishCompleted(ctx context.Context, traceID uuid.UUID, name string, sum trace.Summary) error {
	return e.hook.OnTraceCompleted(ctx, Completion{
		TraceID: traceID,
		Name:    name,
		Summary: toPublicSummary(sum),
	})
}

// multiExporter delivers to every destination and reports all failures.
// One failing hook must not starve the others.
type multiExporter []jobs.Exporter

func (m multiExporter) PublishCompleted(ctx context.Context, traceID uuid.UUID, name string, sum trace.Summary) error {
	var errs []error
	for _, e := range m {
		if err := e.PublishCompleted(ctx, traceID, name, sum); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// authHelper exposes the server's scope middleware to route registrars.
type authHelper struct {
	requireScope server.ScopeMiddlewareFn
}

func (a authHelper) RequireScope(scope string) func(http.Handler) http.Handler {
	return a.requireScope(scope)
}

func adaptRouteRegistrars(registrars []RouteRegistrar) []func(*http.ServeMux, server.ScopeMiddlewareFn) {
	var routes []func(*http.ServeMux, server.ScopeMiddlewareFn)
	for _, fn := range registrars {
		routes = append(routes, func(mux *http.ServeMux, requireScope server.ScopeMiddlewareFn) {
			fn(mux, authHelper{requireScope: requireScope})
		})
	}
	return routes
}

func adaptMiddlewares(middlewares []Middleware) []func(http.Handler) http.Handler {
	var mws []func(http.Handler) http.Handler
	for _, mw := range middlewares {
		mws = append(mws, mw)
	}
	return mws
}

// ProcessTrace correlates one Chrome JSON trace entirely in memory: no
// server, no database, no authentication. The whole result set is held in
// memory, so it suits tests and tooling rather than unbounded inputs.
func ProcessTrace(ctx context.Context, r io.Reader) (Result, error) {
	sink := trace.NewMemorySink()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sum, err := trace.Process(ctx, r, sink, nil, logger, nil)
	if err != nil {
		return Result{}, err
	}

	res := Result{Summary: toPublicSummary(sum)}
	for _, t := range sink.Tracks {
		res.Tracks = append(res.Tracks, Track{ID: int64(t.ID), PID: t.PID, TID: t.TID})
	}
	for _, s := range sink.Slices {
		res.Slices = append(res.Slices, Slice{
			ID:       int64(s.ID),
			Track:    int64(s.Track),
			Name:     s.Name,
			Category: s.Category,
			StartNS:  s.StartNS,
			EndNS:    s.EndNS,
			Depth:    s.Depth,
		})
	}
	for _, e := range sink.Edges {
		res.Edges = append(res.Edges, Edge{
			ID:       int64(e.ID),
			Flow:     uint64(e.Flow),
			SliceOut: int64(e.SliceOut),
			SliceIn:  int64(e.SliceIn),
			Args:     e.Args,
		})
	}
	return res, nil
}

func toPublicSummary(sum trace.Summary) Summary {
	return Summary{
		Events:   sum.Events,
		Tracks:   sum.Tracks,
		Slices:   sum.Slices,
		Edges:    sum.Edges,
		Counters: sum.Counters,
	}
}
