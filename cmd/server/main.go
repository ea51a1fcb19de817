// Package main is the entry point for the docroute server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/docroute/internal/audit"
	"github.com/pitabwire/docroute/internal/capability"
	"github.com/pitabwire/docroute/internal/config"
	"github.com/pitabwire/docroute/internal/definition"
	"github.com/pitabwire/docroute/internal/directory"
	"github.com/pitabwire/docroute/internal/idempotency"
	"github.com/pitabwire/docroute/internal/notify"
	"github.com/pitabwire/docroute/internal/observability"
	"github.com/pitabwire/docroute/internal/transport"
	"github.com/pitabwire/docroute/internal/workflow"
	"github.com/pitabwire/docroute/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "docroute", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Load templates, validate, build registry.
	files, err := loadTemplates(cfg, logger)
	if err != nil {
		logger.Error("template loading failed", zap.Error(err))
		return 1
	}
	registry := definition.NewRegistry(files)
	metrics.SetTemplatesLoaded(registry.Len())

	// Step 5: Open the database pool when any component needs Postgres.
	var pool *pgxpool.Pool
	if needsPostgres(cfg) {
		if pool, err = openPool(ctx, cfg.Workflow.Store); err != nil {
			logger.Error("database connection failed", zap.Error(err))
			return 1
		}
		defer pool.Close()
	}

	// Step 6: Directory and capability resolver.
	dir, syncDirectory, err := buildDirectory(ctx, cfg, pool)
	if err != nil {
		logger.Error("directory initialization failed", zap.Error(err))
		return 1
	}

	policy, err := capability.NewStaticPolicyEvaluator(cfg.Capability.StaticPolicyFile)
	if err != nil {
		logger.Error("capability policy load failed", zap.Error(err))
		return 1
	}
	capResolver := capability.NewResolver(policy, cfg.Capability.Cache.TTL, cfg.Capability.Cache.MaxEntries)

	// Step 7: Workflow store, audit sink, notifier, idempotency store.
	store, err := buildWorkflowStore(ctx, cfg, pool, logger)
	if err != nil {
		logger.Error("workflow store initialization failed", zap.Error(err))
		return 1
	}

	sink, err := buildAuditSink(ctx, cfg, pool, logger)
	if err != nil {
		logger.Error("audit sink initialization failed", zap.Error(err))
		return 1
	}

	redisClients := make(map[string]*redis.Client)
	defer func() {
		for _, c := range redisClients {
			c.Close()
		}
	}()
	redisFor := func(addrEnv string, db int) (*redis.Client, error) {
		addr := os.Getenv(addrEnv)
		if addr == "" {
			return nil, fmt.Errorf("%s environment variable not set", addrEnv)
		}
		key := fmt.Sprintf("%s/%d", addr, db)
		if c, ok := redisClients[key]; ok {
			return c, nil
		}
		c := redis.NewClient(&redis.Options{Addr: addr, DB: db})
		redisClients[key] = c
		return c, nil
	}

	notifier, inbox, err := buildNotifier(cfg.Notifications, redisFor, logger)
	if err != nil {
		logger.Error("notifier initialization failed", zap.Error(err))
		return 1
	}

	idemStore, err := buildIdempotencyStore(cfg.Idempotency, redisFor)
	if err != nil {
		logger.Error("idempotency store initialization failed", zap.Error(err))
		return 1
	}

	// Step 8: Outbox relay and engine.
	relay := workflow.NewRelay(store, sink, notifier, workflow.RelayConfig{
		BatchSize:   cfg.Workflow.Outbox.BatchSize,
		MaxAttempts: cfg.Workflow.Outbox.MaxAttempts,
		Logger:      logger,
		Metrics:     metrics,
	})
	engine := workflow.NewEngine(registry, store, dir, capResolver, workflow.Config{
		ConflictRetries: cfg.Workflow.ConflictRetries,
		OnCommit:        relay.Kick,
		Logger:          logger,
		Metrics:         metrics,
	})

	// Step 9: Build HTTP router.
	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)

	readinessChecks := observability.ReadinessChecks{
		TemplatesLoaded: func() bool { return registry.Len() > 0 },
		WorkflowStore:   asHealthChecker(store),
		AuditSink:       asHealthChecker(sink),
		Notifier:        asHealthChecker(notifier),
	}
	if idemStore != nil {
		readinessChecks.IdempotencyStore = asHealthChecker(idemStore)
	}

	deps := transport.Dependencies{
		Config:             cfg,
		Logger:             logger,
		Metrics:            metrics,
		Authenticate:       transport.JWTAuthenticator(cfg.Identity, jwks),
		CapabilityResolver: capResolver,
		Engine:             engine,
		Documents:          store,
		Idempotency:        idemStore,
		IdempotencyTTL:     cfg.Idempotency.Store.DefaultTTL,
		HealthHandler:      observability.HandleHealth(),
		ReadyHandler:       observability.HandleReady(readinessChecks),
	}
	if inbox != nil {
		deps.Inbox = inbox
	}
	if cfg.Observability.Metrics.Enabled {
		deps.MetricsHandler = observability.Handler()
	}
	router := transport.NewRouter(deps)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 10: Start background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		relay.Run(bgCtx, cfg.Workflow.Outbox.RelayInterval)
	}()
	go runOverdueSweeper(bgCtx, engine, cfg.Workflow.OverdueCheckInterval, logger)
	go reloadOnHangup(bgCtx, logger, registry, func() error {
		files, err := loadTemplates(cfg, logger)
		if err != nil {
			return err
		}
		registry.Replace(files)
		metrics.SetTemplatesLoaded(registry.Len())
		if err := policy.Sync(); err != nil {
			return err
		}
		return syncDirectory()
	})

	// Step 11: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("templates", registry.Len()),
		zap.String("store", cfg.Workflow.Store.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Stop background loops, then flush whatever the outbox still holds.
	bgCancel()
	<-relayDone
	if n, err := relay.Drain(shutdownCtx); err != nil {
		logger.Warn("final outbox drain failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("final outbox drain", zap.Int("delivered", n))
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// loadTemplates reads and validates every template file.
func loadTemplates(cfg *config.Config, logger *zap.Logger) ([]model.TemplateFile, error) {
	files, err := definition.NewLoader().LoadAll(cfg.Templates.Directories)
	if err != nil {
		return nil, err
	}
	if verrs := definition.NewValidator().Validate(files); len(verrs) > 0 {
		for _, ve := range verrs {
			logger.Error("template validation error", zap.String("error", ve.Error()))
		}
		return nil, fmt.Errorf("%d template validation errors", len(verrs))
	}
	return files, nil
}

func needsPostgres(cfg *config.Config) bool {
	return cfg.Workflow.Store.Driver == "postgres" ||
		cfg.Directory.Driver == "postgres" ||
		cfg.Audit.Driver == "postgres"
}

func openPool(ctx context.Context, cfg config.WorkflowStoreConfig) (*pgxpool.Pool, error) {
	dsn := os.Getenv(cfg.DSNEnv)
	if dsn == "" {
		return nil, fmt.Errorf("%s environment variable not set", cfg.DSNEnv)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	poolCfg.MinConns = int32(cfg.MaxIdleConns)
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// buildDirectory returns the configured directory and a function that
// reloads it.
func buildDirectory(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) (directory.Directory, func() error, error) {
	switch cfg.Directory.Driver {
	case "static", "":
		dir, err := directory.NewStaticDirectory(cfg.Directory.File)
		if err != nil {
			return nil, nil, err
		}
		return dir, dir.Sync, nil
	case "postgres":
		dir := directory.NewPgDirectory(pool)
		if cfg.Workflow.Store.AutoMigrate {
			if err := dir.Migrate(ctx); err != nil {
				return nil, nil, fmt.Errorf("migrate: %w", err)
			}
		}
		return dir, func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported directory driver: %q", cfg.Directory.Driver)
	}
}

func buildWorkflowStore(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger *zap.Logger) (workflow.Store, error) {
	switch cfg.Workflow.Store.Driver {
	case "memory", "":
		logger.Info("using in-memory workflow store")
		return workflow.NewMemoryStore(), nil
	case "postgres":
		store := workflow.NewPgStore(pool)
		if cfg.Workflow.Store.AutoMigrate {
			if err := store.Migrate(ctx); err != nil {
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported workflow store driver: %q", cfg.Workflow.Store.Driver)
	}
}

func buildAuditSink(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger *zap.Logger) (audit.Sink, error) {
	switch cfg.Audit.Driver {
	case "log", "":
		return audit.NewLogSink(logger), nil
	case "postgres":
		sink := audit.NewPgSink(pool)
		if cfg.Workflow.Store.AutoMigrate {
			if err := sink.Migrate(ctx); err != nil {
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		return sink, nil
	default:
		return nil, fmt.Errorf("unsupported audit driver: %q", cfg.Audit.Driver)
	}
}

// buildNotifier returns the notifier and, for drivers that keep one, the
// per-user inbox.
func buildNotifier(
	cfg config.NotificationsConfig,
	redisFor func(addrEnv string, db int) (*redis.Client, error),
	logger *zap.Logger,
) (notify.Notifier, transport.Inbox, error) {
	switch cfg.Driver {
	case "log", "":
		return notify.NewLogNotifier(logger), nil, nil
	case "memory":
		n := notify.NewMemoryNotifier()
		return n, n, nil
	case "redis":
		client, err := redisFor(cfg.AddrEnv, cfg.DB)
		if err != nil {
			return nil, nil, err
		}
		n := notify.NewRedisNotifier(client, cfg.ChannelPrefix, cfg.InboxLimit)
		return n, n, nil
	default:
		return nil, nil, fmt.Errorf("unsupported notifications driver: %q", cfg.Driver)
	}
}

func buildIdempotencyStore(
	cfg config.IdempotencyConfig,
	redisFor func(addrEnv string, db int) (*redis.Client, error),
) (idempotency.Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Store.Driver {
	case "memory", "":
		return idempotency.NewMemoryStore(), nil
	case "redis":
		client, err := redisFor(cfg.Store.AddrEnv, cfg.Store.DB)
		if err != nil {
			return nil, err
		}
		return idempotency.NewRedisStore(client), nil
	default:
		return nil, fmt.Errorf("unsupported idempotency driver: %q", cfg.Store.Driver)
	}
}

func asHealthChecker(v any) observability.HealthChecker {
	hc, _ := v.(observability.HealthChecker)
	return hc
}

// runOverdueSweeper periodically reminds assignees of overdue steps.
func runOverdueSweeper(ctx context.Context, engine *workflow.Engine, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := engine.ProcessOverdue(ctx)
			if err != nil {
				logger.Error("overdue sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("overdue reminders sent", zap.Int("count", n))
			}
		}
	}
}

// reloadOnHangup reloads file-backed configuration on SIGHUP. A failed
// reload keeps the previous state.
func reloadOnHangup(ctx context.Context, logger *zap.Logger, registry *definition.Registry, reload func() error) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := reload(); err != nil {
				logger.Error("reload failed", zap.Error(err))
				continue
			}
			logger.Info("configuration reloaded", zap.Int("templates", registry.Len()))
		}
	}
}
