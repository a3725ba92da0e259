package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

const (
	DefaultStoreDSN         = "sqlite://recurix.db"
	DefaultWebhookPath      = "/telegram/webhook"
	DefaultConsoleUser      = "console"
	DefaultGatewayHost      = "127.0.0.1"
	DefaultGatewayPort      = 18790
	DefaultHistoryLimit     = 20
	DefaultReminderSchedule = "0 9 * * *"
	DefaultReminderTimezone = "UTC"

	DefaultReminderDaysBefore = 1
	maxReminderDaysBefore     = 30

	defaultDedupeWindow     = 24 * time.Hour
	defaultSessionTTL       = 24 * time.Hour
	defaultRedisOpTimeout   = 500 * time.Millisecond
	defaultMaxAttempts      = 3
	defaultWorkers          = 4
	defaultQueueSize        = 100
	defaultCommitTimeout    = 10 * time.Second
	defaultDeliveryAttempts = 3
	defaultDeliveryBackoff  = 200 * time.Millisecond
	defaultDeliveryMax      = 2 * time.Second
)

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero values with runtime defaults.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}

	tg := &cfg.Channels.Telegram
	tg.Mode = strings.ToLower(strings.TrimSpace(tg.Mode))
	if tg.Mode == "" {
		tg.Mode = TelegramModePolling
	}
	if strings.TrimSpace(tg.WebhookPath) == "" {
		tg.WebhookPath = DefaultWebhookPath
	}
	if strings.TrimSpace(cfg.Channels.Console.UserID) == "" {
		cfg.Channels.Console.UserID = DefaultConsoleUser
	}

	if strings.TrimSpace(cfg.Store.DSN) == "" {
		cfg.Store.DSN = DefaultStoreDSN
	}
	if cfg.Store.HistoryLimit <= 0 {
		cfg.Store.HistoryLimit = DefaultHistoryLimit
	}

	c := &cfg.Cache
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	if c.Backend == "" {
		c.Backend = CacheBackendMemory
		if strings.TrimSpace(c.Redis.Addr) != "" {
			c.Backend = CacheBackendRedis
		}
	}
	setDuration(&c.DedupeWindow, defaultDedupeWindow)
	setDuration(&c.SessionTTL, defaultSessionTTL)
	setDuration(&c.Redis.OpTimeout, defaultRedisOpTimeout)

	p := &cfg.Pipeline
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.Workers <= 0 {
		p.Workers = defaultWorkers
	}
	if p.QueueSize <= 0 {
		p.QueueSize = defaultQueueSize
	}
	setDuration(&p.CommitTimeout, defaultCommitTimeout)
	if p.Delivery.MaxAttempts <= 0 {
		p.Delivery.MaxAttempts = defaultDeliveryAttempts
	}
	setDuration(&p.Delivery.Backoff, defaultDeliveryBackoff)
	setDuration(&p.Delivery.MaxBackoff, defaultDeliveryMax)

	if strings.TrimSpace(cfg.Gateway.Host) == "" {
		cfg.Gateway.Host = DefaultGatewayHost
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = DefaultGatewayPort
	}

	r := &cfg.Reminders
	if strings.TrimSpace(r.Schedule) == "" {
		r.Schedule = DefaultReminderSchedule
	}
	if strings.TrimSpace(r.Timezone) == "" {
		r.Timezone = DefaultReminderTimezone
	}
}

func setDuration(d *Duration, fallback time.Duration) {
	if *d <= 0 {
		*d = Duration(fallback)
	}
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	var errs []error

	tg := c.Channels.Telegram
	if tg.Enabled {
		if strings.TrimSpace(tg.Token) == "" {
			errs = append(errs, errors.New("channels.telegram.token is required"))
		}
		switch tg.Mode {
		case TelegramModePolling:
		case TelegramModeWebhook:
			if strings.TrimSpace(tg.WebhookSecret) == "" {
				errs = append(errs, errors.New("channels.telegram.webhook_secret is required in webhook mode"))
			}
			if !strings.HasPrefix(tg.WebhookPath, "/") {
				errs = append(errs, fmt.Errorf("channels.telegram.webhook_path must start with /: %q", tg.WebhookPath))
			}
		default:
			errs = append(errs, fmt.Errorf("channels.telegram.mode %q is not one of polling, webhook", tg.Mode))
		}
	}

	switch c.Cache.Backend {
	case CacheBackendMemory:
	case CacheBackendRedis:
		if strings.TrimSpace(c.Cache.Redis.Addr) == "" {
			errs = append(errs, errors.New("cache.redis.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.backend %q is not one of memory, redis", c.Cache.Backend))
	}

	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port %d is out of range", c.Gateway.Port))
	}

	if r := c.Reminders; r.Active() {
		if !gronx.New().IsValid(r.Schedule) {
			errs = append(errs, fmt.Errorf("reminders.schedule %q is not a valid cron expression", r.Schedule))
		}
		if _, err := time.LoadLocation(r.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("reminders.timezone: %w", err))
		}
		if days := r.LeadDays(); days < 0 || days > maxReminderDaysBefore {
			errs = append(errs, fmt.Errorf("reminders.days_before %d is not within 0..%d", days, maxReminderDaysBefore))
		}
	}

	return errors.Join(errs...)
}
