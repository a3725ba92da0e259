package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const envConfigPath = "RECURIX_CONFIG"

// ErrNotFound is returned by LoadConfig when no config file exists in any
// of the searched locations.
var ErrNotFound = errors.New("config file not found")

// Config is the root runtime configuration loaded from config.json or config.yaml.
type Config struct {
	Channels  ChannelsConfig  `json:"channels" yaml:"channels"`
	Store     StoreConfig     `json:"store" yaml:"store"`
	Cache     CacheConfig     `json:"cache" yaml:"cache"`
	Pipeline  PipelineConfig  `json:"pipeline" yaml:"pipeline"`
	Gateway   GatewayConfig   `json:"gateway" yaml:"gateway"`
	Reminders RemindersConfig `json:"reminders" yaml:"reminders"`
	Logging   LoggingConfig   `json:"logging,omitempty" yaml:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty" yaml:"format,omitempty"`
	Level     string `json:"level,omitempty" yaml:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty" yaml:"add_source,omitempty"`
}

// ChannelsConfig stores transport adapter settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
	Console  ConsoleConfig  `json:"console" yaml:"console"`
}

const (
	TelegramModePolling = "polling"
	TelegramModeWebhook = "webhook"
)

// TelegramConfig configures Telegram channel integration.
type TelegramConfig struct {
	Enabled       bool     `json:"enabled" yaml:"enabled" env:"TELEGRAM_ENABLED"`
	Token         string   `json:"token" yaml:"token" env:"TELEGRAM_BOT_TOKEN"`
	AllowFrom     []string `json:"allow_from" yaml:"allow_from" env:"TELEGRAM_ALLOW_FROM" envSeparator:","`
	Mode          string   `json:"mode" yaml:"mode" env:"TELEGRAM_MODE"`
	WebhookURL    string   `json:"webhook_url,omitempty" yaml:"webhook_url,omitempty" env:"TELEGRAM_WEBHOOK_URL"`
	WebhookPath   string   `json:"webhook_path,omitempty" yaml:"webhook_path,omitempty"`
	WebhookSecret string   `json:"webhook_secret,omitempty" yaml:"webhook_secret,omitempty" env:"TELEGRAM_WEBHOOK_SECRET"`
}

// ConsoleConfig configures the local stdin/stdout channel used by `recurix chat`.
type ConsoleConfig struct {
	UserID string `json:"user_id,omitempty" yaml:"user_id,omitempty" env:"RECURIX_CONSOLE_USER"`
}

// StoreConfig selects the durable session store.
type StoreConfig struct {
	DSN          string `json:"dsn" yaml:"dsn" env:"RECURIX_STORE_DSN"`
	AutoMigrate  *bool  `json:"auto_migrate,omitempty" yaml:"auto_migrate,omitempty"`
	HistoryLimit int    `json:"history_limit,omitempty" yaml:"history_limit,omitempty"`
}

// MigrateOnStart reports whether the gateway applies migrations itself.
func (s StoreConfig) MigrateOnStart() bool {
	return s.AutoMigrate == nil || *s.AutoMigrate
}

const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

// CacheConfig configures the idempotency and hot-session cache.
type CacheConfig struct {
	Backend      string      `json:"backend" yaml:"backend" env:"RECURIX_CACHE_BACKEND"`
	Redis        RedisConfig `json:"redis" yaml:"redis"`
	DedupeWindow Duration    `json:"dedupe_window" yaml:"dedupe_window" env:"RECURIX_DEDUPE_WINDOW"`
	SessionTTL   Duration    `json:"session_ttl" yaml:"session_ttl" env:"RECURIX_SESSION_TTL"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr      string   `json:"addr" yaml:"addr" env:"RECURIX_REDIS_ADDR"`
	Username  string   `json:"username,omitempty" yaml:"username,omitempty" env:"RECURIX_REDIS_USERNAME"`
	Password  string   `json:"password,omitempty" yaml:"password,omitempty" env:"RECURIX_REDIS_PASSWORD"`
	DB        int      `json:"db" yaml:"db" env:"RECURIX_REDIS_DB"`
	OpTimeout Duration `json:"op_timeout,omitempty" yaml:"op_timeout,omitempty"`
}

// PipelineConfig tunes the dispatcher and its worker pool.
type PipelineConfig struct {
	MaxAttempts   int            `json:"max_attempts" yaml:"max_attempts" env:"RECURIX_MAX_ATTEMPTS"`
	Workers       int            `json:"workers" yaml:"workers" env:"RECURIX_WORKERS"`
	QueueSize     int            `json:"queue_size" yaml:"queue_size"`
	CommitTimeout Duration       `json:"commit_timeout" yaml:"commit_timeout"`
	Delivery      DeliveryConfig `json:"delivery" yaml:"delivery"`
}

// DeliveryConfig bounds resends of outbound actions.
type DeliveryConfig struct {
	MaxAttempts int      `json:"max_attempts" yaml:"max_attempts"`
	Backoff     Duration `json:"backoff" yaml:"backoff"`
	MaxBackoff  Duration `json:"max_backoff" yaml:"max_backoff"`
}

// GatewayConfig configures HTTP gateway bind settings.
type GatewayConfig struct {
	Host string `json:"host" yaml:"host" env:"RECURIX_GATEWAY_HOST"`
	Port int    `json:"port" yaml:"port" env:"RECURIX_GATEWAY_PORT"`
}

// RemindersConfig schedules the daily payment reminder job. Schedule is a
// five-field cron expression evaluated in Timezone.
type RemindersConfig struct {
	Enabled    *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Schedule   string `json:"schedule" yaml:"schedule" env:"RECURIX_REMINDERS_SCHEDULE"`
	Timezone   string `json:"timezone" yaml:"timezone" env:"RECURIX_REMINDERS_TIMEZONE"`
	DaysBefore *int   `json:"days_before,omitempty" yaml:"days_before,omitempty" env:"RECURIX_REMINDERS_DAYS_BEFORE"`
}

// LeadDays is how many days before a payment the reminder goes out for
// users who did not choose their own lead time.
func (r RemindersConfig) LeadDays() int {
	if r.DaysBefore == nil {
		return DefaultReminderDaysBefore
	}
	return *r.DaysBefore
}

// Active reports whether the gateway runs the reminder job.
func (r RemindersConfig) Active() bool {
	return r.Enabled == nil || *r.Enabled
}

// LoadConfig resolves the config file, decodes it, applies environment
// overrides and fills defaults.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	return LoadFile(configPath)
}

// LoadOrDefault behaves like LoadConfig but starts from defaults when no
// config file exists. Environment overrides still apply.
func LoadOrDefault() (*Config, error) {
	cfg, err := LoadConfig()
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	cfg = &Config{}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)

	return cfg, nil
}

// LoadFile decodes one config file. The format follows the file extension.
func LoadFile(configPath string) (*Config, error) {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	default:
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(&cfg)

	return &cfg, nil
}

// applyEnvOverrides injects env-driven settings declared in struct tags on top of file config.
func applyEnvOverrides(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("apply environment overrides: %w", err)
	}
	cfg.Channels.Telegram.AllowFrom = compact(cfg.Channels.Telegram.AllowFrom)

	return nil
}

// compact trims values and drops empty entries.
func compact(values []string) []string {
	if len(values) == 0 {
		return values
	}

	clean := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

// findConfigPath resolves the active config file location.
//
// Precedence is RECURIX_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config.yaml"),
		filepath.Join(cwd, "config", "config.json"),
		filepath.Join(cwd, "config", "config.yaml"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("%w (checked %s)", ErrNotFound, strings.Join(candidates, ", "))
}
