/**
 * @description
 * Entry point for the scheduled settlement-reconciliation job. Unlike the
 * core binary, this is a cron-driven, non-HTTP process: it wires the same
 * psp.Facade composition, then runs Reconciler.Run against every
 * configured rail on a schedule instead of waiting on live callbacks.
 *
 * @dependencies
 * - github.com/robfig/cron/v3: schedule parsing and dispatch.
 * - github.com/jackc/pgx/v5, github.com/jackc/pgx/v5/pgxpool: PostgreSQL driver and pool.
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
	"github.com/robfig/cron/v3"

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

	tenantID, err := uuid.Parse(strings.TrimSpace(cfg.ReconcileTenantID))
	if err != nil {
		logger.Error("RECONCILE_TENANT_ID is required and must be a valid uuid", "error", err)
		os.Exit(1)
	}
	bankAccountID, err := uuid.Parse(strings.TrimSpace(cfg.ReconcileBankAccountID))
	if err != nil {
		logger.Error("RECONCILE_BANK_ACCOUNT_ID is required and must be a valid uuid", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("unable to parse database url", "error", err)
		os.Exit(1)
	}
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

	rails := []providers.Provider{
		providers.NewAchProvider(cfg.ProviderAutoSettle, cfg.ProviderWebhookSecret),
		providers.NewFedNowProvider(cfg.ProviderAutoSettle, cfg.ProviderWebhookSecret, func() string { return "FN-" + uuid.NewString() }),
	}

	facade := psp.New(repo, eventLog, publisher, locker, logger, rails...)
	facade.SetMetrics(metrics.New(cfg.MetricsNamespace))
	facade.Orchestrator.SetRetryPolicy(cfg.ProviderRetryMaxAttempts, time.Duration(cfg.ProviderRetryBaseDelayMs)*time.Millisecond)

	jobs := newJobs(facade, rails, tenantID, bankAccountID, logger)
	scheduler := newScheduler(jobs, logger, cfg)

	scheduler.Start()
	logger.Info("reconcile scheduler started", "schedule", cfg.ReconcileCronSchedule)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, stopping scheduler")
	stopCtx := scheduler.Stop()
	<-stopCtx.Done()
	logger.Info("scheduler stopped gracefully")
}

func buildLocker(ctx context.Context, cfg config.Config, pool *pgxpool.Pool, logger *slog.Logger) lock.Locker {
	pgLocker := lock.NewPostgresLocker(pool)

	if strings.TrimSpace(cfg.RedisURL) == "" {
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
	return lock.NewCompositeLocker(lock.NewRedisLocker(client, cfg.RedisLockPrefix, 30*time.Second), pgLocker, logger)
}

// jobs holds everything the scheduled reconcile run needs, mirroring the
// donor scheduler's split between job logic and cron wiring.
type jobs struct {
	facade        *psp.Facade
	rails         []providers.Provider
	tenantID      uuid.UUID
	bankAccountID uuid.UUID
	logger        *slog.Logger
}

func newJobs(facade *psp.Facade, rails []providers.Provider, tenantID, bankAccountID uuid.UUID, logger *slog.Logger) *jobs {
	return &jobs{facade: facade, rails: rails, tenantID: tenantID, bankAccountID: bankAccountID, logger: logger}
}

// ReconcileSettlements pulls and matches yesterday's settlement feed from
// every configured rail. A rail failing does not stop the others — each is
// logged independently, matching the pattern of the donor's per-job error
// isolation inside a single cron tick.
func (j *jobs) ReconcileSettlements() {
	date := time.Now().AddDate(0, 0, -1)
	for _, provider := range j.rails {
		result, err := j.facade.IngestSettlementFeed(context.Background(), j.tenantID, j.bankAccountID, provider, date)
		if err != nil {
			j.logger.Error("settlement reconcile failed", "rail", provider.Name(), "error", err)
			continue
		}
		j.logger.Info("settlement reconcile complete",
			"rail", provider.Name(),
			"processed", result.RecordsProcessed,
			"matched", result.RecordsMatched,
			"unmatched", result.RecordsUnmatched,
			"errors", len(result.Errors),
		)
	}
}

// scheduler wraps a cron.Cron the same way the donor's background-job
// binary does: one struct owning the cron instance, the job set, and the
// config needed to register schedules.
type scheduler struct {
	cron   *cron.Cron
	jobs   *jobs
	logger *slog.Logger
	config config.Config
}

func newScheduler(j *jobs, logger *slog.Logger, cfg config.Config) *scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))
	return &scheduler{cron: c, jobs: j, logger: logger, config: cfg}
}

func (s *scheduler) Start() {
	if _, err := s.cron.AddFunc(s.config.ReconcileCronSchedule, s.jobs.ReconcileSettlements); err != nil {
		s.logger.Error("failed to schedule settlement reconcile job", "error", err)
	} else {
		s.logger.Info("scheduled settlement reconcile job", "schedule", s.config.ReconcileCronSchedule)
	}
	s.cron.Start()
}

func (s *scheduler) Stop() context.Context {
	return s.cron.Stop()
}
