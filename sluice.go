// Package sluice is the public API for embedding the sluice orchestration
// service.
//
// Programs that want the pipeline inside their own process import this
// package instead of running cmd/sluice:
//
//	app, err := sluice.New(
//	    sluice.WithVersion("1.2.0"),
//	    sluice.WithProvider(inHouseLLM),
//	    sluice.WithEventHook(auditSink),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := app.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// The import graph enforces a strict no-cycle rule: sluice (root) imports
// internal/*, but internal/* never imports the root. Public types
// (PhaseUpdate, Message, Verdict, ...) are standalone structs with no
// internal imports; the adapters that convert between the two sides live
// here because this is the only file that sees both.
package sluice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/sluice-ai/sluice/api"
	"github.com/sluice-ai/sluice/internal/admission"
	"github.com/sluice-ai/sluice/internal/auth"
	"github.com/sluice-ai/sluice/internal/cache"
	"github.com/sluice-ai/sluice/internal/catalog"
	"github.com/sluice-ai/sluice/internal/config"
	"github.com/sluice-ai/sluice/internal/events"
	"github.com/sluice-ai/sluice/internal/mcp"
	"github.com/sluice-ai/sluice/internal/model"
	"github.com/sluice-ai/sluice/internal/pipeline"
	"github.com/sluice-ai/sluice/internal/provider"
	"github.com/sluice-ai/sluice/internal/ratelimit"
	"github.com/sluice-ai/sluice/internal/redact"
	"github.com/sluice-ai/sluice/internal/server"
	"github.com/sluice-ai/sluice/internal/storage"
	"github.com/sluice-ai/sluice/internal/telemetry"
	"github.com/sluice-ai/sluice/migrations"
)

// App is the sluice server lifecycle. Construct with New(), run with Run().
// App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB // nil when persistence is not configured
	srv          *server.Server
	orch         *pipeline.Orchestrator
	hub          *events.Hub
	refresher    *catalog.Refresher          // nil when no discovery feed
	qdrantIndex  *cache.QdrantIndex          // nil when Qdrant is not configured
	admCtrl      *admission.MemoryController // nil when admission is disabled
	authLimiter  ratelimit.Limiter
	redisClient  *redis.Client // nil unless the auth limiter runs on Redis
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the sluice server: configuration, telemetry, optional
// persistence with embedded migrations, providers, catalog, and the
// pipeline orchestrator, all wired to a ready HTTP server. It does NOT
// start any goroutines or accept connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// A .env file is a dev convenience; its absence is not an error.
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides. A host
	// supplying its own providers may run without any provider API keys.
	cfg, err := config.Load()
	if err != nil && !(errors.Is(err, config.ErrNoProviderKeys) && len(o.providers) > 0) {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.authDisabled {
		cfg.AuthDisabled = true
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("sluice starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Connect to Postgres when configured. Without it the pipeline still
	// routes and generates; jobs, halts, settings, and usage are simply not
	// persisted and the storage-backed endpoints answer 503.
	var db *storage.DB
	if cfg.DatabaseURL != "" {
		db, err = storage.New(context.Background(), cfg.DatabaseURL, logger)
		if err != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("storage: %w", err)
		}
		if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("migrations: %w", err)
		}
		logger.Info("persistence: enabled")
	} else {
		logger.Info("persistence: disabled (no DATABASE_URL)")
	}

	// Everything after this point cleans up with closeInit on failure.
	closeInit := func() {
		if db != nil {
			db.Close()
		}
		_ = otelShutdown(context.Background())
	}

	// Create JWT manager.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		closeInit()
		return nil, fmt.Errorf("auth: %w", err)
	}

	// Provider registry: key-configured adapters first, then the host's own
	// providers. Registration is by name, so a custom provider shadowing a
	// built-in replaces it.
	providers, err := buildRegistry(context.Background(), cfg)
	if err != nil {
		closeInit()
		return nil, fmt.Errorf("providers: %w", err)
	}
	for _, p := range o.providers {
		providers.Register(&providerAdapter{p: p})
	}
	logger.Info("providers configured", "names", providers.Names())

	// Model catalog from the embedded seed; a discovery feed keeps it
	// current when configured (the refresher starts in Run).
	seed, err := catalog.Seed()
	if err != nil {
		closeInit()
		return nil, fmt.Errorf("catalog seed: %w", err)
	}
	cat := catalog.New(seed)
	var refresher *catalog.Refresher
	if cfg.DiscoveryURL != "" {
		refresher = catalog.NewRefresher(cat, catalog.NewHTTPSource(cfg.DiscoveryURL), cfg.DiscoveryInterval, logger)
		logger.Info("catalog discovery: enabled", "url", cfg.DiscoveryURL, "interval", cfg.DiscoveryInterval)
	}

	// Semantic response cache (optional).
	var respCache pipeline.ResponseCache
	var qdrantIndex *cache.QdrantIndex
	if cfg.CacheEnabled {
		embedKey := cfg.EmbeddingAPIKey
		if embedKey == "" {
			embedKey = cfg.OpenAIAPIKey
		}

		var index cache.Index
		switch {
		case cfg.QdrantURL != "":
			qdrantIndex, err = cache.NewQdrantIndex(cache.QdrantConfig{
				URL:        cfg.QdrantURL,
				APIKey:     cfg.QdrantAPIKey,
				Collection: cfg.QdrantCollection,
				Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
			}, logger)
			if err != nil {
				closeInit()
				return nil, fmt.Errorf("qdrant: %w", err)
			}
			if err := qdrantIndex.EnsureCollection(context.Background()); err != nil {
				_ = qdrantIndex.Close()
				closeInit()
				return nil, fmt.Errorf("qdrant ensure collection: %w", err)
			}
			index = qdrantIndex
		case db != nil:
			index = cache.NewPGIndex(db)
		}

		switch {
		case embedKey == "":
			logger.Warn("semantic cache: disabled (no embedding API key)")
		case index == nil:
			logger.Warn("semantic cache: disabled (needs QDRANT_URL or DATABASE_URL)")
		default:
			embedder := cache.NewOpenAIProvider(cfg.EmbeddingBaseURL, embedKey, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
			respCache = cache.New(embedder, index, cache.Config{
				Threshold: cfg.CacheThreshold,
				TTL:       cfg.CacheTTL,
			}, logger)
			logger.Info("semantic cache: enabled", "threshold", cfg.CacheThreshold, "ttl", cfg.CacheTTL)
		}
	}

	// Admission control: per-identity rate limit plus optional org budget.
	var adm admission.Controller = admission.Noop{}
	var admCtrl *admission.MemoryController
	budget := 0.0
	if cfg.BudgetEnforced {
		budget = cfg.MonthlyBudget
	}
	if cfg.RatePerMinute > 0 || budget > 0 {
		var usage admission.UsageStore
		if db != nil {
			usage = db
		}
		admCtrl = admission.NewMemoryController(admission.Limits{
			RatePerSecond:    float64(cfg.RatePerMinute) / 60,
			Burst:            cfg.RateBurst,
			MonthlyBudgetUSD: budget,
		}, usage, logger)
		adm = admCtrl
	}

	// Request limiter for the credential-less token endpoint.
	var authLimiter ratelimit.Limiter = ratelimit.NoopLimiter{}
	var redisClient *redis.Client
	switch {
	case cfg.AuthRatePerMinute <= 0:
	case cfg.RedisURL != "":
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			closeInit()
			return nil, fmt.Errorf("redis: %w", err)
		}
		redisClient = redis.NewClient(opt)
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			_ = redisClient.Close()
			closeInit()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		authLimiter = ratelimit.NewRedisLimiter(redisClient, cfg.AuthRatePerMinute, time.Minute)
	default:
		authLimiter = ratelimit.NewMemoryLimiter(cfg.AuthRatePerMinute, time.Minute)
	}

	// Event hub. Host event hooks tap every stamped update; taps must all
	// be registered before the hub carries traffic.
	hub := events.NewHub(cfg.EventBufferSize, logger)
	for _, hook := range o.eventHooks {
		hook := hook
		hub.Tap(func(u model.PhaseUpdate) {
			if err := hook.OnPhaseUpdate(context.Background(), toPublicUpdate(u)); err != nil {
				logger.Warn("event hook failed", "job_id", u.JobID, "phase", u.Phase, "error", err)
			}
		})
	}

	// Redaction and validation: host implementations when supplied, the
	// built-ins otherwise.
	var redactor redact.Redactor = redact.NewScanner()
	if o.redactor != nil {
		redactor = &redactorAdapter{r: o.redactor}
	}
	var judge pipeline.Judge
	if o.judge != nil {
		judge = &judgeAdapter{j: o.judge}
	}

	var store pipeline.JobStore
	var configs pipeline.ConfigStore
	var settings pipeline.SettingsStore
	if db != nil {
		store, configs, settings = db, db, db
	}

	orch := pipeline.New(pipeline.Options{
		Providers:         providers,
		Catalog:           cat,
		Hub:               hub,
		Redactor:          redactor,
		Admission:         adm,
		Store:             store,
		Configs:           configs,
		Settings:          settings,
		Cache:             respCache,
		Judge:             judge,
		AnalyzerModel:     cfg.AnalyzerModel,
		SecurityThreshold: cfg.SecurityThreshold,
		MaxRetries:        cfg.ValidationRetries,
		Logger:            logger,
	})

	// MCP server (mounted at /mcp).
	mcpSrv := mcp.New(cat, providers, logger, version)

	// Extra routes from the host, registered after the built-in API.
	var extraRoutes func(mux *http.ServeMux)
	if len(o.routeRegistrars) > 0 {
		regs := o.routeRegistrars
		extraRoutes = func(mux *http.ServeMux) {
			for _, fn := range regs {
				fn(mux)
			}
		}
	}

	srv := server.New(server.ServerConfig{
		Pipeline:            orch,
		Hub:                 hub,
		Catalog:             cat,
		Providers:           providers,
		Logger:              logger,
		Admission:           adm,
		DB:                  db,
		JWTMgr:              jwtMgr,
		AuthLimiter:         authLimiter,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		AuthDisabled:        cfg.AuthDisabled,
		OpenAPISpec:         api.OpenAPISpec,
		ExtraRoutes:         extraRoutes,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		orch:         orch,
		hub:          hub,
		refresher:    refresher,
		qdrantIndex:  qdrantIndex,
		admCtrl:      admCtrl,
		authLimiter:  authLimiter,
		redisClient:  redisClient,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the background goroutines and the HTTP server, then blocks
// until ctx is cancelled or a fatal server error occurs. On return,
// Shutdown is called automatically; callers should not call Shutdown
// separately.
func (a *App) Run(ctx context.Context) error {
	go a.hub.Run(ctx)
	if a.refresher != nil {
		go a.refresher.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a phased graceful shutdown: (1) stop accepting HTTP
// requests and drain in-flight handlers, (2) cancel remaining jobs and
// wait for their terminal events, (3) close the hub so stream subscribers
// see EOF after those terminal events. It then releases the limiters, the
// cache index, the database pool, and the OTEL providers.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("sluice shutting down")

	httpCtx, httpCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	a.orch.Close()
	a.hub.Close()

	_ = a.authLimiter.Close()
	if a.admCtrl != nil {
		_ = a.admCtrl.Close()
	}
	if a.qdrantIndex != nil {
		_ = a.qdrantIndex.Close()
	}
	if a.redisClient != nil {
		_ = a.redisClient.Close()
	}
	_ = a.otelShutdown(context.Background())
	if a.db != nil {
		a.db.Close()
	}

	a.logger.Info("sluice stopped")
	return nil
}

// buildRegistry registers a provider adapter for each configured API key.
func buildRegistry(ctx context.Context, cfg config.Config) (*provider.Registry, error) {
	reg := provider.NewRegistry()
	if cfg.AnthropicAPIKey != "" {
		reg.Register(provider.NewAnthropic(cfg.AnthropicAPIKey, ""))
	}
	if cfg.OpenAIAPIKey != "" {
		reg.Register(provider.NewOpenAI(cfg.OpenAIAPIKey, ""))
	}
	if cfg.GeminiAPIKey != "" {
		g, err := provider.NewGemini(ctx, cfg.GeminiAPIKey)
		if err != nil {
			return nil, fmt.Errorf("gemini: %w", err)
		}
		reg.Register(g)
	}
	return reg, nil
}

// ── Adapters (defined here because this file imports both sides) ───────────

// providerAdapter wraps a public Provider to satisfy the internal provider
// interface. Message and parameter types convert at the boundary.
type providerAdapter struct {
	p Provider
}

func (a *providerAdapter) Name() string { return a.p.Name() }

func (a *providerAdapter) Generate(ctx context.Context, modelID string, messages []model.ChatMessage, params model.ParameterTuning) (string, error) {
	return a.p.Generate(ctx, modelID, toPublicMessages(messages), toPublicParameters(params))
}

func (a *providerAdapter) Stream(ctx context.Context, modelID string, messages []model.ChatMessage, params model.ParameterTuning, onToken provider.TokenFunc) (string, error) {
	return a.p.Stream(ctx, modelID, toPublicMessages(messages), toPublicParameters(params), onToken)
}

// redactorAdapter wraps a public Redactor to satisfy redact.Redactor.
type redactorAdapter struct {
	r Redactor
}

func (a *redactorAdapter) Scan(ctx context.Context, text string) (redact.Scan, error) {
	res, err := a.r.Scan(ctx, text)
	if err != nil {
		return redact.Scan{}, err
	}
	out := redact.Scan{
		HasSensitiveData: res.HasSensitiveData,
		RedactedText:     res.RedactedText,
	}
	for _, f := range res.Findings {
		out.Findings = append(out.Findings, redact.Finding{Type: f.Type, Count: f.Count})
	}
	return out, nil
}

// judgeAdapter wraps a public Judge to satisfy pipeline.Judge.
type judgeAdapter struct {
	j Judge
}

func (a *judgeAdapter) Validate(ctx context.Context, prompt, response string, generated model.ModelOption) (model.ValidationVerdict, error) {
	v, err := a.j.Validate(ctx, prompt, response, ModelRef{
		Provider:    generated.Provider,
		ModelID:     generated.ModelID,
		DisplayName: generated.DisplayName,
	})
	if err != nil {
		return model.ValidationVerdict{}, err
	}
	return model.ValidationVerdict{
		Passed:      v.Passed,
		UserSummary: v.UserSummary,
		Validation:  v.Validation,
		FailReason:  v.FailReason,
	}, nil
}

// ── Type converters ────────────────────────────────────────────────────────

func toPublicUpdate(u model.PhaseUpdate) PhaseUpdate {
	return PhaseUpdate{
		JobID:      u.JobID,
		Seq:        u.Seq,
		Phase:      string(u.Phase),
		Status:     string(u.Status),
		Payload:    u.Payload,
		Error:      u.Error,
		OccurredAt: u.OccurredAt,
	}
}

func toPublicMessages(ms []model.ChatMessage) []Message {
	out := make([]Message, len(ms))
	for i, m := range ms {
		out[i] = Message{Role: m.Role, Content: m.Content}
	}
	return out
}

func toPublicParameters(p model.ParameterTuning) Parameters {
	return Parameters{
		Temperature: p.Temperature,
		TopP:        p.TopP,
		MaxTokens:   p.MaxTokens,
	}
}
