/**
 * @description
 * Configuration for the PSP core. Uses Viper to read from environment
 * variables (and an optional .env file), the same way the rest of this
 * codebase's ambient services are configured. Nothing in Config drives
 * money-flow decisions directly — those are constructed once at startup
 * and passed by value into every service constructor, never read from
 * package-level state at call time.
 *
 * @dependencies
 * - github.com/spf13/viper
 */

package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

// Config holds every operational setting the PSP core needs to run. It has
// no fields that alter ledger, gate, or liability semantics — those are
// fixed by the domain logic itself, per the "ambient config avoided" design
// note.
type Config struct {
	DatabaseURL       string `mapstructure:"DATABASE_URL"`
	RedisURL          string `mapstructure:"REDIS_URL"`
	RedisLockPrefix   string `mapstructure:"REDIS_LOCK_PREFIX"`
	RabbitMQURL       string `mapstructure:"RABBITMQ_URL"`
	EventExchange     string `mapstructure:"EVENT_EXCHANGE"`

	ReconcileCronSchedule string `mapstructure:"RECONCILE_CRON_SCHEDULE"`
	ProviderWebhookSecret string `mapstructure:"PROVIDER_WEBHOOK_SECRET"`

	ProviderRetryMaxAttempts int  `mapstructure:"PROVIDER_RETRY_MAX_ATTEMPTS"`
	ProviderRetryBaseDelayMs int  `mapstructure:"PROVIDER_RETRY_BASE_DELAY_MS"`
	ProviderAutoSettle       bool `mapstructure:"PROVIDER_AUTO_SETTLE"`

	// ReconcileTenantID and ReconcileBankAccountID scope the cron-driven
	// reconcile job in this single-tenant deployment shape; a multi-tenant
	// deployment would instead list active bank accounts from storage.
	ReconcileTenantID      string `mapstructure:"RECONCILE_TENANT_ID"`
	ReconcileBankAccountID string `mapstructure:"RECONCILE_BANK_ACCOUNT_ID"`

	MetricsNamespace string `mapstructure:"METRICS_NAMESPACE"`
}

// Load reads configuration from environment variables (and an optional
// .env file at path) into a Config. A missing DATABASE_URL is treated as
// fatal by the caller — the core cannot run without a store — mirroring
// the donor's fail-fast check on its own required secret.
func Load(path string, logger *slog.Logger) (Config, error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("REDIS_LOCK_PREFIX", "psp:lock")
	viper.SetDefault("EVENT_EXCHANGE", "psp.events")
	viper.SetDefault("RECONCILE_CRON_SCHEDULE", "0 6 * * *")
	viper.SetDefault("PROVIDER_RETRY_MAX_ATTEMPTS", 5)
	viper.SetDefault("PROVIDER_RETRY_BASE_DELAY_MS", 500)
	viper.SetDefault("PROVIDER_AUTO_SETTLE", false)
	viper.SetDefault("METRICS_NAMESPACE", "psp")

	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_LOCK_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENT_EXCHANGE")
	_ = viper.BindEnv("RECONCILE_CRON_SCHEDULE")
	_ = viper.BindEnv("PROVIDER_WEBHOOK_SECRET")
	_ = viper.BindEnv("PROVIDER_RETRY_MAX_ATTEMPTS")
	_ = viper.BindEnv("PROVIDER_RETRY_BASE_DELAY_MS")
	_ = viper.BindEnv("PROVIDER_AUTO_SETTLE")
	_ = viper.BindEnv("RECONCILE_TENANT_ID")
	_ = viper.BindEnv("RECONCILE_BANK_ACCOUNT_ID")
	_ = viper.BindEnv("METRICS_NAMESPACE")

	var cfg Config
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			logger.Warn("failed to read config file; using environment values", "error", err)
		}
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	cfg.RedisURL = strings.TrimSpace(cfg.RedisURL)
	cfg.RedisLockPrefix = strings.TrimSpace(cfg.RedisLockPrefix)
	if cfg.RedisLockPrefix == "" {
		cfg.RedisLockPrefix = "psp:lock"
	}
	cfg.RabbitMQURL = strings.TrimSpace(cfg.RabbitMQURL)

	if cfg.ProviderRetryMaxAttempts <= 0 {
		cfg.ProviderRetryMaxAttempts = 5
	}
	if cfg.ProviderRetryBaseDelayMs <= 0 {
		cfg.ProviderRetryBaseDelayMs = 500
	}

	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}
