package shareloop

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port        int
	databaseURL string
	natsURL     string
	logger      *slog.Logger
	version     string
	locations   LocationProvider
	enricher    EnrichmentProvider
	sender      NotificationSender
	eventHooks  []EventHook
	middlewares []Middleware
}

// WithPort overrides the TCP port from config (SHARELOOP_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config
// (DATABASE_URL env var). An empty URL selects the in-memory store.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNATSURL overrides the message bus URL from config (NATS_URL env var).
// An empty URL keeps events in-process only.
func WithNATSURL(url string) Option {
	return func(o *resolvedOptions) { o.natsURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithLocationProvider replaces the configured geocode/route provider.
func WithLocationProvider(p LocationProvider) Option {
	return func(o *resolvedOptions) { o.locations = p }
}

// WithEnrichmentProvider replaces the LLM/keyword enrichment chain.
func WithEnrichmentProvider(p EnrichmentProvider) Option {
	return func(o *resolvedOptions) { o.enricher = p }
}

// WithNotificationSender sets the external delivery channel for
// notifications. If not set, deliveries are logged.
func WithNotificationSender(s NotificationSender) Option {
	return func(o *resolvedOptions) { o.sender = s }
}

// WithEventHook registers a hook to receive every persisted domain event.
// Multiple hooks may be registered; all registered hooks receive every event.
func WithEventHook(hook EventHook) Option {
	return func(o *resolvedOptions) { o.eventHooks = append(o.eventHooks, hook) }
}

// WithMiddleware registers an outermost HTTP middleware.
// Multiple middlewares may be registered. Applied in registration order:
// the first-registered middleware is outermost (called first by every request).
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}
