/**
 * @description
 * Composition root for the payroll PSP core. This binary does not serve
 * HTTP: it wires config, storage, messaging, locking, and rail providers
 * into a single psp.Facade and keeps the process alive so that whatever
 * embeds this core (a payroll engine's own service, its own HTTP layer)
 * can reach it as a long-lived in-process library. There is no router
 * here on purpose — the HTTP surface belongs to the embedding
 * application, not to this core.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5, github.com/jackc/pgx/v5/pgxpool: PostgreSQL driver and pool.
 * - github.com/redis/go-redis/v9: advisory lock backend.
 * - internal/config, internal/store, internal/events, internal/lock,
 *   internal/providers, internal/psp: the composed core.
 */

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/mcp-tool-shop/payroll-engine/internal/config"
	"github.com/mcp-tool-shop/payroll-engine/internal/events"
	"github.com/mcp-tool-shop/payroll-engine/internal/lock"
	"github.com/mcp-tool-shop/payroll-engine/internal/metrics"
	"github.com/mcp-tool-shop/payroll-engine/internal/providers"
	"github.com/mcp-tool-shop/payroll-engine/internal/psp"
	"github.com/mcp-tool-shop/payroll-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load(".", logger)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("unable to parse database url", "error", err)
		os.Exit(1)
	}

	// Pool sizing matches the rest of this monorepo's high-traffic services.
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	repo := store.NewPostgresRepository(dbpool)
	eventLog := events.NewPostgresLog(dbpool)

	var publisher events.Publisher
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		logger.Warn("rabbitmq url not configured; event publication degraded to log-only")
		publisher = events.NewFallbackPublisher(logger)
	} else {
		amqpPublisher, err := events.NewAMQPPublisher(cfg.RabbitMQURL, cfg.EventExchange, logger)
		if err != nil {
			logger.Warn("rabbitmq connection failed; event publication degraded to log-only", "error", err)
			publisher = events.NewFallbackPublisher(logger)
		} else {
			defer amqpPublisher.Close()
			publisher = amqpPublisher
		}
	}

	locker := buildLocker(ctx, cfg, dbpool, logger)

	provs := []providers.Provider{
		providers.NewAchProvider(cfg.ProviderAutoSettle, cfg.ProviderWebhookSecret),
		providers.NewFedNowProvider(cfg.ProviderAutoSettle, cfg.ProviderWebhookSecret, nextFedNowMessageID),
	}

	// facade is the object an embedding process imports this package to obtain;
	// this binary's only job is to build it and keep the process it lives in alive.
	facade := psp.New(repo, eventLog, publisher, locker, logger, provs...)
	facade.SetMetrics(metrics.New(cfg.MetricsNamespace))
	facade.Orchestrator.SetRetryPolicy(cfg.ProviderRetryMaxAttempts, time.Duration(cfg.ProviderRetryBaseDelayMs)*time.Millisecond)

	logger.Info("psp core initialized")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown signal received")
}

// buildLocker prefers Redis with a Postgres fallback, matching the resource
// model's requirement that advisory locking survive a Redis outage rather
// than fail closed on every batch operation.
func buildLocker(ctx context.Context, cfg config.Config, pool *pgxpool.Pool, logger *slog.Logger) lock.Locker {
	pgLocker := lock.NewPostgresLocker(pool)

	if strings.TrimSpace(cfg.RedisURL) == "" {
		logger.Warn("redis url not configured; advisory locking uses postgres only")
		return pgLocker
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("redis url parse failed; advisory locking uses postgres only", "error", err)
		return pgLocker
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed; advisory locking uses postgres only", "error", err)
		return pgLocker
	}

	redisLocker := lock.NewRedisLocker(client, cfg.RedisLockPrefix, 30*time.Second)
	return lock.NewCompositeLocker(redisLocker, pgLocker, logger)
}

// nextFedNowMessageID generates the provider-facing message identifier
// FedNow's ISO 20022 envelope requires on every submission.
func nextFedNowMessageID() string {
	return "FN-" + uuid.NewString()
}
