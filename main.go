package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/notifyx/platform/internal/auth"
	"github.com/notifyx/platform/internal/circuitbreaker"
	"github.com/notifyx/platform/internal/config"
	"github.com/notifyx/platform/internal/connectors"
	"github.com/notifyx/platform/internal/dlq"
	"github.com/notifyx/platform/internal/engine"
	"github.com/notifyx/platform/internal/health"
	"github.com/notifyx/platform/internal/httpapi"
	"github.com/notifyx/platform/internal/orchestrator"
	"github.com/notifyx/platform/internal/policy"
	"github.com/notifyx/platform/internal/provider"
	"github.com/notifyx/platform/internal/queue"
	"github.com/notifyx/platform/internal/ratelimit"
	"github.com/notifyx/platform/internal/rules"
	"github.com/notifyx/platform/internal/store"
	"github.com/notifyx/platform/internal/template"
	"github.com/notifyx/platform/internal/tracing"
	"github.com/notifyx/platform/internal/worker"
	"github.com/notifyx/platform/internal/workflow"
)

func main() {
	configPath := flag.String("config", "", "path to config file (defaults to CONFIG_PATH)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	if err := tracing.Initialize(cfg.Tracing, logger); err != nil {
		logger.Warn("tracing init failed", zap.Error(err))
	}

	// Persistence.
	var (
		db            *sqlx.DB
		notifications store.NotificationStore
		workflows     store.WorkflowStore
		runs          store.RunStore
	)
	if cfg.Storage.PostgresEnabled {
		db, err = store.OpenPostgres(cfg.Storage.Postgres, logger)
		if err != nil {
			logger.Fatal("postgres", zap.Error(err))
		}
		defer db.Close()
		notifications = store.NewPostgresNotificationStore(db)
		workflows = store.NewPostgresWorkflowStore(db)
		runs = store.NewPostgresRunStore(db)
	} else {
		notifications = store.NewMemoryNotificationStore()
		workflows = store.NewMemoryWorkflowStore()
		runs = store.NewMemoryRunStore()
	}

	var redisClient *redis.Client
	var idempotency store.IdempotencyStore
	if cfg.Storage.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		defer redisClient.Close()
		idempotency = store.NewRedisIdempotencyStore(redisClient, 24*time.Hour, logger)
	} else {
		idempotency = store.NewMemoryIdempotencyStore(24 * time.Hour)
	}

	credKey, err := cfg.CredentialKeyBytes()
	if err != nil {
		logger.Fatal("credential key", zap.Error(err))
	}
	if credKey == nil {
		credKey = make([]byte, 32)
		if _, err := rand.Read(credKey); err != nil {
			logger.Fatal("credential key", zap.Error(err))
		}
		logger.Warn("no credential key configured, using an ephemeral key; " +
			"stored credentials will not survive a restart")
	}
	credentials, err := store.NewEncryptedCredentialStore(credKey)
	if err != nil {
		logger.Fatal("credential store", zap.Error(err))
	}

	audit := store.NewZapAuditLog(logger)

	// Delivery pipeline.
	dlqStore := dlq.NewStore(cfg.Queue.DLQCapacity, logger)
	q := queue.New(queue.Config{
		MaxPending:   cfg.Queue.MaxPending,
		PollInterval: cfg.Queue.PollInterval,
	}, dlqStore, logger)
	limiter := ratelimit.New(cfg.RateLimit, logger)
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{}, logger)
	providers := provider.NewRegistry(breakers, logger)
	registerProviders(providers, cfg.Providers, logger)

	templates := template.NewService(logger)

	orch := orchestrator.New(orchestrator.Config{DefaultTenantID: cfg.DefaultTenantID},
		q, limiter, providers, notifications, idempotency, audit, logger)
	ruleEngine := rules.NewEngine(orch.Resubmit, logger)
	orch.SetRuleEngine(ruleEngine)
	if n, err := rules.LoadInto(ruleEngine, cfg.Rules.Dir); err != nil {
		logger.Fatal("rules", zap.Error(err))
	} else if n > 0 {
		logger.Info("rules loaded", zap.Int("count", n), zap.String("dir", cfg.Rules.Dir))
	}

	pool := worker.NewPool(cfg.Worker, q, templates, providers, orch, logger)
	pool.Start()

	// Workflow side.
	registry := connectors.NewRegistry(logger)
	if err := registry.LoadDir(cfg.Connectors.Dir); err != nil {
		logger.Warn("connector registry", zap.Error(err), zap.String("dir", cfg.Connectors.Dir))
	}
	if cfg.Connectors.Watch {
		if err := registry.Watch(); err != nil {
			logger.Warn("connector watch", zap.Error(err))
		}
	}
	defer registry.Close()
	resolver := connectors.NewResolver(registry, connectors.Strategy(cfg.Connectors.Strategy))

	credentialLookup := func(ctx context.Context, tenantID, credentialID string) bool {
		_, err := credentials.Get(ctx, tenantID, credentialID)
		return err == nil
	}
	validator := workflow.NewValidator(registry, credentialLookup, logger)

	adapters := workflow.NewAdapterRegistry()
	adapters.Register(workflow.TriggerAdapter{})
	adapters.Register(workflow.SetDataAdapter{})
	adapters.Register(workflow.IfAdapter{})
	adapters.Register(workflow.NewHTTPAdapter(nil))
	adapters.Register(workflow.NewSlackAdapter(cfg.Providers.Slack.DefaultChannel))
	adapters.Register(workflow.NewNotifyAdapter(orch))
	if db != nil {
		adapters.Register(workflow.NewDBQueryAdapter(db))
	}

	bus := workflow.NewEventBus(256)
	eng := engine.New(cfg.Engine, workflows, runs, credentials, adapters, bus, logger)

	policies, err := policy.NewEngine(cfg.Policy, logger)
	if err != nil {
		logger.Fatal("policy engine", zap.Error(err))
	}

	// Auth.
	var jwtMgr *auth.JWTManager
	if cfg.JWT.SecretKey != "" {
		jwtMgr, err = auth.NewJWTManager(cfg.JWT)
		if err != nil {
			logger.Fatal("jwt", zap.Error(err))
		}
	}
	apiKeys := auth.NewAPIKeyStore()
	authmw := auth.NewMiddleware(jwtMgr, apiKeys, logger)
	authmw.SkipAuth = cfg.SkipAuth
	authmw.DevTenantID = cfg.DefaultTenantID
	if cfg.SkipAuth {
		logger.Warn("authentication disabled")
	}

	// Health.
	healthMgr := health.NewManager(5*time.Second, logger)
	healthMgr.Register(health.QueueChecker{Queue: q, DepthThreshold: cfg.Queue.MaxPending / 2})
	healthMgr.Register(health.ProviderChecker{Registry: providers})
	if db != nil {
		healthMgr.Register(health.DatabaseChecker{DB: db})
	}
	if redisClient != nil {
		healthMgr.Register(health.RedisChecker{Client: redisClient})
	}

	srv := httpapi.NewServer(httpapi.Deps{
		Logger:        logger,
		Orchestrator:  orch,
		Engine:        eng,
		Validator:     validator,
		Resolver:      resolver,
		Registry:      registry,
		Bus:           bus,
		Workflows:     workflows,
		Runs:          runs,
		Notifications: notifications,
		Audit:         audit,
		Policies:      policies,
		AuthMW:        authmw,
		Health:        healthMgr,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		logger.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler: promhttp.Handler(),
	}
	go func() {
		logger.Info("metrics listening", zap.Int("port", cfg.Server.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server", zap.Error(err))
		}
	}()

	// Shutdown: stop accepting requests, drain deliveries and runs, then
	// flush aggregation windows.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	_ = metricsServer.Shutdown(ctx)

	if !pool.Stop(cfg.Server.ShutdownTimeout) {
		logger.Warn("worker pool did not drain in time")
	}
	eng.Drain()
	ruleEngine.Close()
	orch.Close()
	logger.Info("bye")
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// registerProviders wires the channels that have configuration. Webhook
// delivery needs no settings and is always available.
func registerProviders(r *provider.Registry, cfg config.ProvidersConfig, logger *zap.Logger) {
	r.Register(provider.NewWebhookProvider(cfg.Webhook, logger))
	if cfg.Email.Host != "" {
		r.Register(provider.NewEmailProvider(cfg.Email, logger))
	}
	if cfg.SMS.GatewayURL != "" {
		r.Register(provider.NewSMSProvider(cfg.SMS, logger))
	}
	if cfg.Push.Endpoint != "" {
		r.Register(provider.NewPushProvider(cfg.Push, logger))
	}
	if cfg.Slack.Token != "" {
		r.Register(provider.NewSlackProvider(cfg.Slack, logger))
	}
}
