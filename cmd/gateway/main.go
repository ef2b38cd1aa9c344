package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/eu-llm-gateway/config"
	"github.com/vnmchuo/eu-llm-gateway/internal/api"
	"github.com/vnmchuo/eu-llm-gateway/internal/auth"
	"github.com/vnmchuo/eu-llm-gateway/internal/billing"
	"github.com/vnmchuo/eu-llm-gateway/internal/compliance"
	"github.com/vnmchuo/eu-llm-gateway/internal/db"
	"github.com/vnmchuo/eu-llm-gateway/internal/health"
	"github.com/vnmchuo/eu-llm-gateway/internal/logging"
	"github.com/vnmchuo/eu-llm-gateway/internal/pipeline"
	"github.com/vnmchuo/eu-llm-gateway/internal/provider/catalog"
	"github.com/vnmchuo/eu-llm-gateway/internal/proxy"
	"github.com/vnmchuo/eu-llm-gateway/internal/redact"
	"github.com/vnmchuo/eu-llm-gateway/internal/seeder"
	"github.com/vnmchuo/eu-llm-gateway/internal/telemetry"
	"github.com/vnmchuo/eu-llm-gateway/internal/worker"
	"github.com/vnmchuo/eu-llm-gateway/pkg/ratelimit"
)

const serviceName = "eu-llm-gateway"

// Version is set at build time.
var Version = "dev"

// ledgerStore is what the gateway needs from a storage backend.
type ledgerStore interface {
	billing.Ledger
	seeder.LicenseCreator
}

func main() {
	if err := run(); err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("gateway stopped")
	}
}

func run() error {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, serviceName)
	if err != nil {
		return err
	}
	logger = logger.With().Str("version", Version).Logger()

	cat, err := config.LoadCatalog(cfg.ProvidersFile)
	if err != nil {
		return err
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer(serviceName, Version, cfg.OTELExporterType, cfg.OTELExporterEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			logger.Warn().Err(err).Msg("failed to shutdown tracer provider")
		}
	}()
	tracer := otel.GetTracerProvider().Tracer(serviceName)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := telemetry.NewMetrics(registry)
	if err != nil {
		return err
	}

	ctx := context.Background()

	// 3. Storage
	var (
		ledger     ledgerStore
		auditStore interface {
			billing.AuditSink
			api.UsageStore
		}
	)
	switch cfg.LedgerBackend {
	case config.BackendPostgres:
		database, err := db.New(ctx, db.DefaultConfig(cfg.PostgresDSN), logger)
		if err != nil {
			return err
		}
		defer database.Close()
		if err := database.Migrate(ctx); err != nil {
			return err
		}
		ledger = billing.NewPostgresLedger(database.Pool)
		auditStore = billing.NewPostgresAuditStore(database.Pool)
	default:
		logger.Warn().Msg("using in-memory ledger; balances are lost on restart and not shared between instances")
		ledger = billing.NewMemoryLedger()
		auditStore = billing.NewMemoryAuditStore()
	}

	// 4. Connect Redis
	var rdb *redis.Client
	var limiter pipeline.Limiter
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		limiter = ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)
		logger.Info().Str("addr", cfg.RedisAddr).Msg("redis connected")
	} else {
		logger.Warn().Msg("REDIS_ADDR not set; license cache and rate limiting disabled")
	}

	// 5. Providers, health and dispatch
	providers, err := catalog.Build(ctx, cat.Descriptors(), catalog.Credentials{
		OpenAIKey:    cfg.OpenAIAPIKey,
		AnthropicKey: cfg.AnthropicAPIKey,
		GeminiKey:    cfg.GeminiAPIKey,
		MistralKey:   cfg.MistralAPIKey,
	})
	if err != nil {
		return err
	}

	res := cat.Resilience
	tracker := health.NewTracker(health.Settings{
		FailureThreshold: res.FailureThreshold,
		Cooldown:         res.Cooldown,
		OnStateChange:    metrics.ObserveCircuit,
	}, logger)

	router := proxy.NewRouter(providers, tracker, proxy.Config{
		MaxRetries: res.MaxRetries,
		BaseDelay:  res.BaseDelay,
		Multiplier: res.Multiplier,
		MaxDelay:   res.MaxDelay,
		Jitter:     res.Jitter,
	}, logger, proxy.WithTracer(tracer), proxy.WithRecorder(metrics))

	selector, err := compliance.NewSelector(providers, cat.EUFallback, cat.Failover)
	if err != nil {
		return err
	}

	auditQueue := worker.NewAuditQueue(auditStore, cfg.AuditQueueSize, logger)

	svc := pipeline.NewService(pipeline.Deps{
		Redactor:   redact.New(logger),
		Selector:   selector,
		Catalog:    providers,
		Dispatcher: router,
		Ledger:     ledger,
		Audit:      auditQueue,
		Limiter:    limiter,
		Recorder:   metrics,
		Tracer:     tracer,
	}, pipeline.Config{DefaultProvider: cat.DefaultProvider}, logger)

	if cfg.RunSeed {
		if err := seeder.SeedDemoLicense(ctx, ledger, logger); err != nil {
			return err
		}
	}

	// 6. HTTP
	handler := api.NewHandler(svc, ledger, auditStore, providers, tracker, logger)
	srv := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: api.NewRouter(handler, api.RouterConfig{
			Auth:       auth.NewMiddleware(ledger, rdb, logger),
			AdminToken: cfg.AdminToken,
			Metrics:    promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		}, logger),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 180 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("ledger", cfg.LedgerBackend).
			Int("providers", len(cat.Providers)).
			Msg("gateway starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-quit:
	case err := <-serveErr:
		return err
	}
	logger.Info().Msg("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("forced shutdown")
	}
	if err := auditQueue.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("audit queue not fully drained")
	}
	logger.Info().Msg("server stopped")
	return nil
}
