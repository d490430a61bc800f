package config

import (
	"log/slog"
	"os"
	"testing"

	"github.com/spf13/viper"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func TestLoad_MissingDatabaseURLIsError(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "DATABASE_URL")

	_, err := Load(t.TempDir(), discardLogger())
	if err == nil {
		t.Fatal("expected error when DATABASE_URL is unset, got nil")
	}
}

func TestLoad_DefaultsAppliedWhenUnset(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "DATABASE_URL", "postgres://localhost/psp")
	unsetEnvWithCleanup(t, "RECONCILE_CRON_SCHEDULE")
	unsetEnvWithCleanup(t, "PROVIDER_RETRY_MAX_ATTEMPTS")
	unsetEnvWithCleanup(t, "PROVIDER_RETRY_BASE_DELAY_MS")

	cfg, err := Load(t.TempDir(), discardLogger())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.ReconcileCronSchedule != "0 6 * * *" {
		t.Fatalf("expected default cron schedule, got %q", cfg.ReconcileCronSchedule)
	}
	if cfg.ProviderRetryMaxAttempts != 5 {
		t.Fatalf("expected default retry max attempts 5, got %d", cfg.ProviderRetryMaxAttempts)
	}
	if cfg.ProviderRetryBaseDelayMs != 500 {
		t.Fatalf("expected default retry base delay 500ms, got %d", cfg.ProviderRetryBaseDelayMs)
	}
}

func TestLoad_NegativeRetryAttemptsFallsBackToDefault(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "DATABASE_URL", "postgres://localhost/psp")
	setEnvWithCleanup(t, "PROVIDER_RETRY_MAX_ATTEMPTS", "-1")

	cfg, err := Load(t.TempDir(), discardLogger())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.ProviderRetryMaxAttempts != 5 {
		t.Fatalf("expected negative override to fall back to default 5, got %d", cfg.ProviderRetryMaxAttempts)
	}
}

func TestLoad_RedisLockPrefixDefaultsWhenBlank(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "DATABASE_URL", "postgres://localhost/psp")
	unsetEnvWithCleanup(t, "REDIS_LOCK_PREFIX")

	cfg, err := Load(t.TempDir(), discardLogger())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.RedisLockPrefix != "psp:lock" {
		t.Fatalf("expected default lock prefix, got %q", cfg.RedisLockPrefix)
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}
