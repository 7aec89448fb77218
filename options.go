package sluice

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers go through the With* functions.
type resolvedOptions struct {
	port            int
	databaseURL     string
	logger          *slog.Logger
	version         string
	providers       []Provider
	redactor        Redactor
	judge           Judge
	eventHooks      []EventHook
	routeRegistrars []RouteRegistrar
	authDisabled    bool
}

// WithPort overrides the TCP port from config (SLUICE_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config
// (DATABASE_URL env var).
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

// WithProvider registers an additional AI provider. Multiple providers may
// be registered; a provider whose Name matches a key-configured adapter
// replaces it. An App with at least one custom provider starts even when
// no provider API keys are configured.
func WithProvider(p Provider) Option {
	return func(o *resolvedOptions) { o.providers = append(o.providers, p) }
}

// WithRedactor replaces the built-in response redactor.
// Only the last call wins.
func WithRedactor(r Redactor) Option {
	return func(o *resolvedOptions) { o.redactor = r }
}

// WithJudge replaces the built-in model-based response validator.
// Only the last call wins.
func WithJudge(j Judge) Option {
	return func(o *resolvedOptions) { o.judge = j }
}

// WithEventHook registers a hook that receives every phase update.
// Multiple hooks may be registered; all registered hooks see every event,
// in registration order.
func WithEventHook(hook EventHook) Option {
	return func(o *resolvedOptions) { o.eventHooks = append(o.eventHooks, hook) }
}

// WithExtraRoutes registers additional routes on the shared HTTP mux.
// Multiple registrars may be registered; all are called in registration order.
func WithExtraRoutes(fn RouteRegistrar) Option {
	return func(o *resolvedOptions) { o.routeRegistrars = append(o.routeRegistrars, fn) }
}

// WithAuthDisabled turns off credential checks; every request runs under
// the zero org. Local single-tenant use only.
func WithAuthDisabled() Option {
	return func(o *resolvedOptions) { o.authDisabled = true }
}
