package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"recurix/pkg/bus"
	"recurix/pkg/cache"
	"recurix/pkg/channel"
	"recurix/pkg/config"
	"recurix/pkg/conversation"
	"recurix/pkg/emitter"
	"recurix/pkg/event"
	"recurix/pkg/pipeline"
	"recurix/pkg/reminder"
	"recurix/pkg/session"
)

const janitorInterval = time.Minute

// app is the wired pipeline shared by the gateway and chat commands.
type app struct {
	store      *session.SQLStore
	cache      cache.Cache
	bus        *bus.MessageBus
	dispatcher *pipeline.Dispatcher
	emitter    emitter.Router
}

// newApp opens the store and cache and builds a dispatcher that normalizes
// and delivers through the given adapters. The caller owns Close.
func newApp(ctx context.Context, cfg *config.Config, adapters []channel.Adapter, log *slog.Logger) (*app, error) {
	if log == nil {
		log = slog.Default()
	}

	store, err := openStore(ctx, cfg.Store, log)
	if err != nil {
		return nil, err
	}

	sessionCache, err := openCache(ctx, cfg.Cache, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	messageBus := bus.NewMessageBusSize(cfg.Pipeline.QueueSize)
	outbound := emitters(adapters, cfg.Pipeline.Delivery, log)

	dispatcher, err := pipeline.New(pipeline.Deps{
		Normalizer: normalizers(adapters),
		Cache:      sessionCache,
		Store:      store,
		Machine:    conversation.New(),
		Emitter:    outbound,
		Bus:        messageBus,
	}, pipeline.Options{
		MaxAttempts:   cfg.Pipeline.MaxAttempts,
		CommitTimeout: cfg.Pipeline.CommitTimeout.Std(),
	}, log)
	if err != nil {
		_ = sessionCache.Close()
		_ = store.Close()
		return nil, err
	}

	return &app{store: store, cache: sessionCache, bus: messageBus, dispatcher: dispatcher, emitter: outbound}, nil
}

// reminders builds the reminder job over the app's store, dispatcher and
// delivery routes.
func (a *app) reminders(cfg config.RemindersConfig, log *slog.Logger) (*reminder.Scheduler, error) {
	location, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load reminders timezone: %w", err)
	}

	return reminder.New(reminder.Deps{
		Store:      a.store,
		Dispatcher: a.dispatcher,
		Emitter:    a.emitter,
		Cache:      a.cache,
	}, reminder.Options{
		Schedule:   cfg.Schedule,
		Location:   location,
		DaysBefore: cfg.LeadDays(),
	}, log)
}

func (a *app) Close() error {
	a.bus.Close()
	return errors.Join(a.cache.Close(), a.store.Close())
}

// openStore connects the session store and applies or verifies the schema.
func openStore(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*session.SQLStore, error) {
	store, err := session.Open(ctx, cfg.DSN, log)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	if cfg.MigrateOnStart() {
		err = store.Migrate(ctx)
	} else {
		err = store.CheckSchema(ctx)
	}
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("prepare session schema: %w", err)
	}

	return store, nil
}

// openCache builds the configured cache backend. The memory janitor stops
// with ctx.
func openCache(ctx context.Context, cfg config.CacheConfig, log *slog.Logger) (cache.Cache, error) {
	switch cfg.Backend {
	case config.CacheBackendRedis:
		redisCache, err := cache.NewRedis(cache.RedisOptions{
			Addr:         cfg.Redis.Addr,
			Username:     cfg.Redis.Username,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			DedupeWindow: cfg.DedupeWindow.Std(),
			SessionTTL:   cfg.SessionTTL.Std(),
			OpTimeout:    cfg.Redis.OpTimeout.Std(),
		}, log)
		if err != nil {
			return nil, fmt.Errorf("configure redis cache: %w", err)
		}
		// An unreachable Redis degrades to the store, so start-up only warns.
		if err := redisCache.Ping(ctx); err != nil {
			log.Warn("Redis cache unreachable at start-up", "addr", cfg.Redis.Addr, "error", err)
		}
		return redisCache, nil
	case config.CacheBackendMemory, "":
		memory := cache.NewMemory(cfg.DedupeWindow.Std(), cfg.SessionTTL.Std())
		go memory.RunJanitor(ctx, janitorInterval)
		return memory, nil
	default:
		return nil, fmt.Errorf("unsupported cache backend %q", cfg.Backend)
	}
}

func normalizers(adapters []channel.Adapter) event.Router {
	router := make(event.Router, len(adapters))
	for _, adapter := range adapters {
		router[adapter.Name()] = event.NormalizerFunc(adapter.Normalize)
	}
	return router
}

// emitters routes actions back to the adapter of their channel, resending
// transient failures per the delivery policy.
func emitters(adapters []channel.Adapter, cfg config.DeliveryConfig, log *slog.Logger) emitter.Router {
	policy := emitter.RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		Backoff:     cfg.Backoff.Std(),
		MaxBackoff:  cfg.MaxBackoff.Std(),
	}

	router := make(emitter.Router, len(adapters))
	for _, adapter := range adapters {
		router[adapter.Name()] = emitter.RetryingWithLogger(adapter, policy, log)
	}
	return router
}
