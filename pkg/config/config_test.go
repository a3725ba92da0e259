package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name string, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

func TestLoadConfigFromEnvPath(t *testing.T) {
	path := writeConfig(t, "config.json", `{
	  "channels": {"telegram": {"enabled": true, "token": "file-token", "allow_from": ["1"]}},
	  "store": {"dsn": "postgres://recurix@db/recurix"},
	  "cache": {"redis": {"addr": "127.0.0.1:6379"}, "dedupe_window": "36h", "session_ttl": 600},
	  "pipeline": {"max_attempts": 5, "commit_timeout": "3s"},
	  "gateway": {"host": "0.0.0.0", "port": 18790},
	  "logging": {"format": "json", "level": "debug", "add_source": true}
	}`)
	t.Setenv("RECURIX_CONFIG", path)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}

	if cfg.Logging.Format != "json" {
		t.Fatalf("logging.format = %q, want %q", cfg.Logging.Format, "json")
	}
	if !cfg.Logging.AddSource {
		t.Fatal("logging.add_source = false, want true")
	}
	require.Equal(t, "postgres://recurix@db/recurix", cfg.Store.DSN)
	require.Equal(t, CacheBackendRedis, cfg.Cache.Backend, "redis address selects the redis backend")
	require.Equal(t, 36*time.Hour, cfg.Cache.DedupeWindow.Std())
	require.Equal(t, 10*time.Minute, cfg.Cache.SessionTTL.Std())
	require.Equal(t, 5, cfg.Pipeline.MaxAttempts)
	require.Equal(t, 3*time.Second, cfg.Pipeline.CommitTimeout.Std())
	require.Equal(t, TelegramModePolling, cfg.Channels.Telegram.Mode)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
channels:
  telegram:
    enabled: true
    token: yaml-token
    mode: webhook
    webhook_secret: s3cret
cache:
  backend: memory
  dedupe_window: 2h
pipeline:
  workers: 8
  delivery:
    max_attempts: 4
    backoff: 50ms
`)
	t.Setenv("RECURIX_CONFIG", path)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "yaml-token", cfg.Channels.Telegram.Token)
	require.Equal(t, TelegramModeWebhook, cfg.Channels.Telegram.Mode)
	require.Equal(t, DefaultWebhookPath, cfg.Channels.Telegram.WebhookPath)
	require.Equal(t, 2*time.Hour, cfg.Cache.DedupeWindow.Std())
	require.Equal(t, 8, cfg.Pipeline.Workers)
	require.Equal(t, 4, cfg.Pipeline.Delivery.MaxAttempts)
	require.Equal(t, 50*time.Millisecond, cfg.Pipeline.Delivery.Backoff.Std())
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigInvalidEnvPath(t *testing.T) {
	t.Setenv("RECURIX_CONFIG", filepath.Join(t.TempDir(), "missing.json"))

	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error for missing config path")
	}
}

func TestEnvOverridesFileValues(t *testing.T) {
	path := writeConfig(t, "config.json", `{"channels": {"telegram": {"token": "file-token"}}}`)
	t.Setenv("RECURIX_CONFIG", path)
	t.Setenv("TELEGRAM_BOT_TOKEN", "env-token")
	t.Setenv("TELEGRAM_ALLOW_FROM", " 123 ,, 456 ")
	t.Setenv("RECURIX_STORE_DSN", "sqlite:///tmp/override.db")
	t.Setenv("RECURIX_REDIS_ADDR", "redis:6379")
	t.Setenv("RECURIX_DEDUPE_WINDOW", "90m")
	t.Setenv("RECURIX_GATEWAY_PORT", "9999")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "env-token", cfg.Channels.Telegram.Token)
	require.Equal(t, []string{"123", "456"}, cfg.Channels.Telegram.AllowFrom)
	require.Equal(t, "sqlite:///tmp/override.db", cfg.Store.DSN)
	require.Equal(t, "redis:6379", cfg.Cache.Redis.Addr)
	require.Equal(t, CacheBackendRedis, cfg.Cache.Backend)
	require.Equal(t, 90*time.Minute, cfg.Cache.DedupeWindow.Std())
	require.Equal(t, 9999, cfg.Gateway.Port)
}

func TestInvalidEnvDurationFails(t *testing.T) {
	path := writeConfig(t, "config.json", `{}`)
	t.Setenv("RECURIX_CONFIG", path)
	t.Setenv("RECURIX_SESSION_TTL", "forever")

	_, err := LoadConfig()
	require.Error(t, err)
}

func TestLoadOrDefaultWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("RECURIX_CONFIG", "")

	_, err := LoadConfig()
	require.True(t, errors.Is(err, ErrNotFound), "err = %v", err)

	cfg, err := LoadOrDefault()
	require.NoError(t, err)
	require.Equal(t, DefaultStoreDSN, cfg.Store.DSN)
	require.Equal(t, CacheBackendMemory, cfg.Cache.Backend)
	require.Equal(t, DefaultConsoleUser, cfg.Channels.Console.UserID)
	require.True(t, cfg.Store.MigrateOnStart())
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Channels.Telegram.Enabled = true
	cfg.Channels.Telegram.Mode = TelegramModeWebhook
	cfg.Cache.Backend = "memcached"
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "token is required")
	require.Contains(t, err.Error(), "webhook_secret")
	require.Contains(t, err.Error(), "memcached")
}

func TestRemindersDefaultsAndValidation(t *testing.T) {
	cfg := Default()
	require.True(t, cfg.Reminders.Active())
	require.Equal(t, DefaultReminderSchedule, cfg.Reminders.Schedule)
	require.Equal(t, "UTC", cfg.Reminders.Timezone)
	require.Equal(t, DefaultReminderDaysBefore, cfg.Reminders.LeadDays())

	cfg.Reminders.Schedule = "every morning"
	cfg.Reminders.Timezone = "Mars/Olympus"
	days := 45
	cfg.Reminders.DaysBefore = &days
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "reminders.schedule")
	require.Contains(t, err.Error(), "reminders.timezone")
	require.Contains(t, err.Error(), "reminders.days_before 45")

	off := false
	cfg.Reminders.Enabled = &off
	require.NoError(t, cfg.Validate(), "a disabled job is not validated")
}

func TestRemindersFromYAMLAndEnv(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
reminders:
  schedule: "30 8 * * 1-5"
  days_before: 0
`)
	t.Setenv("RECURIX_CONFIG", path)
	t.Setenv("RECURIX_REMINDERS_TIMEZONE", "Europe/Berlin")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "30 8 * * 1-5", cfg.Reminders.Schedule)
	require.Equal(t, "Europe/Berlin", cfg.Reminders.Timezone)
	require.Equal(t, 0, cfg.Reminders.LeadDays(), "zero means on the payment day")
	require.NoError(t, cfg.Validate())
}

func TestDurationDecoding(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"1m30s"`)))
	require.Equal(t, 90*time.Second, d.Std())

	require.NoError(t, d.UnmarshalJSON([]byte(`2.5`)))
	require.Equal(t, 2500*time.Millisecond, d.Std())

	require.Error(t, d.UnmarshalJSON([]byte(`true`)))
	require.Equal(t, "2.5s", d.String())
}
