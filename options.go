package musubi

import (
	"io/fs"
	"log/slog"
)

// Option configures an App beyond what the environment provides. Options
// take precedence over environment variables.
type Option func(*resolvedOptions)

type resolvedOptions struct {
	port        int
	databaseURL string
	notifyURL   string
	logger      *slog.Logger
	version     string

	completionHooks []CompletionHook
	routeRegistrars []RouteRegistrar
	middlewares     []Middleware
	extraMigrations []fs.FS
}

// WithPort overrides the HTTP listen port.
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the pooled query connection string.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct connection string used for
// LISTEN/NOTIFY. The SSE event stream requires it; PgBouncer in transaction
// mode cannot carry session-scoped LISTEN state.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithLogger sets the structured logger for the app and everything it owns.
// When unset, one is built from MUSUBI_LOG_LEVEL and MUSUBI_LOG_JSON.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported by /healthz and the OTEL
// resource. Defaults to "dev".
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithCompletionHook registers a hook invoked for every trace that
// completes correlation. May be given multiple times; hooks run in
// registration order.
func WithCompletionHook(h CompletionHook) Option {
	return func(o *resolvedOptions) { o.completionHooks = append(o.completionHooks, h) }
}

// WithExtraRoutes registers additional HTTP routes on the server's mux.
func WithExtraRoutes(fn RouteRegistrar) Option {
	return func(o *resolvedOptions) { o.routeRegistrars = append(o.routeRegistrars, fn) }
}

// WithMiddleware wraps the assembled HTTP handler. Applied in registration
// order: the first registered middleware is outermost.
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}

// WithExtraMigrations runs additional SQL migrations after the built-in
// schema, letting embedded deployments keep their own tables alongside the
// trace store. Files follow the same NNN_name.sql convention and are
// tracked in the same schema_migrations table, so names must not collide
// with the built-in set.
func WithExtraMigrations(migrationsFS fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, migrationsFS) }
}
