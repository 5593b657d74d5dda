package hikaku

import (
	"io/fs"
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
type resolvedOptions struct {
	port            int
	databaseURL     string
	logger          *slog.Logger
	version         string
	dispatchHooks   []DispatchHook
	blobStores      map[Backend]BlobStore
	jobSubmitters   map[Backend]JobSubmitter
	routeRegistrars []RouteRegistrar
	middlewares     []Middleware
	extraMigrations []fs.FS
}

// WithPort overrides the TCP port from config (HIKAKU_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
// It only takes effect when HIKAKU_HISTORY_BACKEND=postgres.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithDispatchHook registers a hook that receives every dispatch report.
// Multiple hooks may be registered; all registered hooks receive every report.
func WithDispatchHook(hook DispatchHook) Option {
	return func(o *resolvedOptions) { o.dispatchHooks = append(o.dispatchHooks, hook) }
}

// WithBlobStore replaces the blob store for one backend.
// Only the last call per backend takes effect.
func WithBlobStore(backend Backend, store BlobStore) Option {
	return func(o *resolvedOptions) {
		if o.blobStores == nil {
			o.blobStores = make(map[Backend]BlobStore)
		}
		o.blobStores[backend] = store
	}
}

// WithJobSubmitter replaces the training job API for one backend.
// Only the last call per backend takes effect.
func WithJobSubmitter(backend Backend, submitter JobSubmitter) Option {
	return func(o *resolvedOptions) {
		if o.jobSubmitters == nil {
			o.jobSubmitters = make(map[Backend]JobSubmitter)
		}
		o.jobSubmitters[backend] = submitter
	}
}

// WithExtraRoutes registers additional routes on the shared HTTP mux.
// Multiple registrars may be registered; all are called in registration order.
func WithExtraRoutes(fn RouteRegistrar) Option {
	return func(o *resolvedOptions) { o.routeRegistrars = append(o.routeRegistrars, fn) }
}

// WithMiddleware registers an outermost HTTP middleware.
// Multiple middlewares may be registered. Applied in registration order:
// the first-registered middleware is outermost (called first by every request).
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}

// WithExtraMigrations adds an SQL migration filesystem to run after the
// embedded history migrations. Only used with the postgres history backend.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
