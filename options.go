package kaname

import (
	"io/fs"
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported: callers use the With* functions.
type resolvedOptions struct {
	port            int
	databaseURL     string
	notifyURL       string
	redisURL        string
	logger          *slog.Logger
	version         string
	modelClient     ModelClient
	agents          []Agent
	tools           []Tool
	jobProviders    map[string]JobProvider
	middlewares     []Middleware
	extraMigrations []fs.FS
}

// WithPort overrides the TCP port from config (KANAME_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config
// (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY
// (NOTIFY_URL env var). Set this when using a connection pooler (e.g.
// PgBouncer) for queries, since LISTEN/NOTIFY requires a direct connection.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithRedisURL overrides the Redis connection string used for shared rate
// limiting (KANAME_REDIS_URL env var).
func WithRedisURL(url string) Option {
	return func(o *resolvedOptions) { o.redisURL = url }
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

// WithModelClient sets the model client used for agent Complete calls.
// Without one, local agents that call the model fail with a capability error;
// external agents and job providers still work.
func WithModelClient(c ModelClient) Option {
	return func(o *resolvedOptions) { o.modelClient = c }
}

// WithAgent registers an in-process agent. Multiple agents may be registered;
// a later registration with the same ID replaces the earlier one.
func WithAgent(a Agent) Option {
	return func(o *resolvedOptions) { o.agents = append(o.agents, a) }
}

// WithTool registers a tool available to all in-process agents.
func WithTool(t Tool) Option {
	return func(o *resolvedOptions) { o.tools = append(o.tools, t) }
}

// WithJobProvider registers an asynchronous job provider under name.
// The name routes webhook callbacks and agent StartJob calls.
func WithJobProvider(name string, p JobProvider) Option {
	return func(o *resolvedOptions) {
		if o.jobProviders == nil {
			o.jobProviders = make(map[string]JobProvider)
		}
		o.jobProviders[name] = p
	}
}

// WithMiddleware registers an outermost HTTP middleware.
// Multiple middlewares may be registered. Applied in registration order:
// the first-registered middleware is outermost (called first by every request).
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}

// WithExtraMigrations adds an additional SQL migration filesystem to run
// after the built-in migrations. Multiple filesystems may be registered;
// they are applied in registration order.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
