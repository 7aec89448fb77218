package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
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
	"github.com/sluice-ai/sluice/internal/pipeline"
	"github.com/sluice-ai/sluice/internal/provider"
	"github.com/sluice-ai/sluice/internal/ratelimit"
	"github.com/sluice-ai/sluice/internal/redact"
	"github.com/sluice-ai/sluice/internal/server"
	"github.com/sluice-ai/sluice/internal/storage"
	"github.com/sluice-ai/sluice/internal/telemetry"
	"github.com/sluice-ai/sluice/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	// "sluice mcp" serves the Model Context Protocol over stdio instead of
	// starting the HTTP service.
	if len(os.Args) > 1 && os.Args[1] == "mcp" {
		os.Exit(runMCP())
	}
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("SLUICE_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// A .env file is a dev convenience; its absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("sluice starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to Postgres when configured. Without it the service still
	// routes and generates; jobs, halts, settings, and usage are simply
	// not persisted and the storage-backed endpoints answer 503.
	var db *storage.DB
	if cfg.DatabaseURL != "" {
		db, err = storage.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		defer db.Close()

		// Run embedded migrations. RunMigrations tracks applied files in
		// schema_migrations and skips duplicates, so errors here indicate
		// real failures.
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		logger.Info("persistence: enabled")
	} else {
		logger.Info("persistence: disabled (no DATABASE_URL)")
	}

	// Create JWT manager.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	// Register a provider adapter for each configured API key.
	providers, err := buildProviders(ctx, cfg.AnthropicAPIKey, cfg.OpenAIAPIKey, cfg.GeminiAPIKey)
	if err != nil {
		return fmt.Errorf("providers: %w", err)
	}
	logger.Info("providers configured", "names", providers.Names())

	// Build the model catalog from the embedded seed; a discovery feed
	// keeps it current when configured.
	seed, err := catalog.Seed()
	if err != nil {
		return fmt.Errorf("catalog seed: %w", err)
	}
	cat := catalog.New(seed)
	if cfg.DiscoveryURL != "" {
		refresher := catalog.NewRefresher(cat, catalog.NewHTTPSource(cfg.DiscoveryURL), cfg.DiscoveryInterval, logger)
		go refresher.Run(ctx)
		logger.Info("catalog discovery: enabled", "url", cfg.DiscoveryURL, "interval", cfg.DiscoveryInterval)
	} else {
		logger.Info("catalog discovery: disabled (embedded seed only)")
	}

	// Semantic response cache (optional). Qdrant when configured, else the
	// pgvector index; either way an embeddings endpoint is required.
	var respCache pipeline.ResponseCache
	if cfg.CacheEnabled {
		embedKey := cfg.EmbeddingAPIKey
		if embedKey == "" {
			embedKey = cfg.OpenAIAPIKey
		}

		var index cache.Index
		switch {
		case cfg.QdrantURL != "":
			qdrantIndex, err := cache.NewQdrantIndex(cache.QdrantConfig{
				URL:        cfg.QdrantURL,
				APIKey:     cfg.QdrantAPIKey,
				Collection: cfg.QdrantCollection,
				Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
			}, logger)
			if err != nil {
				return fmt.Errorf("qdrant: %w", err)
			}
			defer func() { _ = qdrantIndex.Close() }()

			if err := qdrantIndex.EnsureCollection(ctx); err != nil {
				return fmt.Errorf("qdrant ensure collection: %w", err)
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
			logger.Info("semantic cache: enabled",
				"threshold", cfg.CacheThreshold, "ttl", cfg.CacheTTL)
		}
	}

	// Admission control: per-identity rate limit plus optional org budget.
	var adm admission.Controller = admission.Noop{}
	budget := 0.0
	if cfg.BudgetEnforced {
		budget = cfg.MonthlyBudget
	}
	if cfg.RatePerMinute > 0 || budget > 0 {
		var usage admission.UsageStore
		if db != nil {
			usage = db
		}
		mem := admission.NewMemoryController(admission.Limits{
			RatePerSecond:    float64(cfg.RatePerMinute) / 60,
			Burst:            cfg.RateBurst,
			MonthlyBudgetUSD: budget,
		}, usage, logger)
		defer func() { _ = mem.Close() }()
		adm = mem
		logger.Info("admission: enabled",
			"rate_per_minute", cfg.RatePerMinute, "burst", cfg.RateBurst, "budget_usd", budget)
	} else {
		logger.Info("admission: disabled")
	}

	// Request limiter for the credential-less token endpoint.
	var authLimiter ratelimit.Limiter = ratelimit.NoopLimiter{}
	switch {
	case cfg.AuthRatePerMinute <= 0:
		logger.Info("auth token limiter: disabled")
	case cfg.RedisURL != "":
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		client := redis.NewClient(opt)
		defer func() { _ = client.Close() }()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		authLimiter = ratelimit.NewRedisLimiter(client, cfg.AuthRatePerMinute, time.Minute)
		logger.Info("auth token limiter: redis", "per_minute", cfg.AuthRatePerMinute)
	default:
		mem := ratelimit.NewMemoryLimiter(cfg.AuthRatePerMinute, time.Minute)
		defer func() { _ = mem.Close() }()
		authLimiter = mem
		logger.Info("auth token limiter: memory", "per_minute", cfg.AuthRatePerMinute)
	}

	// Create the event hub and the orchestrator. The hub's sweep loop
	// retires finished journals once their replay grace period lapses.
	hub := events.NewHub(cfg.EventBufferSize, logger)
	go hub.Run(ctx)

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
		Redactor:          redact.NewScanner(),
		Admission:         adm,
		Store:             store,
		Configs:           configs,
		Settings:          settings,
		Cache:             respCache,
		AnalyzerModel:     cfg.AnalyzerModel,
		SecurityThreshold: cfg.SecurityThreshold,
		MaxRetries:        cfg.ValidationRetries,
		Logger:            logger,
	})

	// Create MCP server (mounted at /mcp).
	mcpSrv := mcp.New(cat, providers, logger, version)

	// Create and start the HTTP server.
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
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Order: (1) stop accepting new HTTP requests and
	// drain in-flight handlers, (2) cancel remaining jobs and wait for
	// their terminal events, (3) close the hub so stream subscribers see
	// EOF after those terminal events.
	slog.Info("sluice shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	orch.Close()
	hub.Close()

	slog.Info("sluice stopped")
	return nil
}

// buildProviders registers an adapter for each non-empty API key. An empty
// registry is valid here; config.Load rejects it for the HTTP service,
// and the MCP mode works without keys.
func buildProviders(ctx context.Context, anthropicKey, openaiKey, geminiKey string) (*provider.Registry, error) {
	reg := provider.NewRegistry()
	if anthropicKey != "" {
		reg.Register(provider.NewAnthropic(anthropicKey, ""))
	}
	if openaiKey != "" {
		reg.Register(provider.NewOpenAI(openaiKey, ""))
	}
	if geminiKey != "" {
		g, err := provider.NewGemini(ctx, geminiKey)
		if err != nil {
			return nil, fmt.Errorf("gemini: %w", err)
		}
		reg.Register(g)
	}
	return reg, nil
}

// runMCP serves the Model Context Protocol over stdin/stdout. Logs go to
// stderr; stdout belongs to the protocol. Runs from the embedded catalog
// seed and needs no database or provider keys (previews can assume all
// providers are configured).
func runMCP() int {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	_ = godotenv.Load()

	providers, err := buildProviders(context.Background(),
		os.Getenv("ANTHROPIC_API_KEY"), os.Getenv("OPENAI_API_KEY"), os.Getenv("GEMINI_API_KEY"))
	if err != nil {
		logger.Error("providers", "error", err)
		return 1
	}

	seed, err := catalog.Seed()
	if err != nil {
		logger.Error("catalog seed", "error", err)
		return 1
	}

	srv := mcp.New(catalog.New(seed), providers, logger, version)
	if err := srv.ServeStdio(); err != nil {
		logger.Error("mcp server", "error", err)
		return 1
	}
	return 0
}
