package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"recurix/pkg/session"
)

// putSessionScript writes the session only when the cached copy is absent or
// strictly older. ARGV: payload, version, ttl in milliseconds.
var putSessionScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current then
	local ok, decoded = pcall(cjson.decode, current)
	if ok and decoded and decoded['version'] and tonumber(decoded['version']) >= tonumber(ARGV[2]) then
		return 0
	end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return 1
`)

// RedisOptions configures the Redis-backed cache.
type RedisOptions struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	DedupeWindow time.Duration
	SessionTTL   time.Duration
	OpTimeout    time.Duration
}

// RedisCache implements Cache on Redis.
type RedisCache struct {
	client       redis.UniversalClient
	dedupeWindow time.Duration
	sessionTTL   time.Duration
	opTimeout    time.Duration
	now          func() time.Time
	log          *slog.Logger
}

// NewRedis connects a Redis cache. The connection is lazy; use Ping to verify it.
func NewRedis(opts RedisOptions, log *slog.Logger) (*RedisCache, error) {
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		return nil, errors.New("cache.redis.addr is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: opts.Username,
		Password: opts.Password,
		DB:       opts.DB,
	})

	return newRedisWithClient(client, opts, log), nil
}

func newRedisWithClient(client redis.UniversalClient, opts RedisOptions, log *slog.Logger) *RedisCache {
	if log == nil {
		log = slog.Default()
	}
	if opts.DedupeWindow <= 0 {
		opts.DedupeWindow = DefaultDedupeWindow
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = DefaultSessionTTL
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 500 * time.Millisecond
	}

	return &RedisCache{
		client:       client,
		dedupeWindow: opts.DedupeWindow,
		sessionTTL:   opts.SessionTTL,
		opTimeout:    opts.OpTimeout,
		now:          time.Now,
		log:          log.With("component", "cache.redis"),
	}
}

func (c *RedisCache) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opTimeout)
}

// CheckAndMarkProcessed issues SET NX PX so concurrent deliveries race on one key.
func (c *RedisCache) CheckAndMarkProcessed(ctx context.Context, eventID string) (bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	record, err := json.Marshal(DedupeRecord{EventID: eventID, ProcessedAt: c.now().UTC()})
	if err != nil {
		return false, fmt.Errorf("encode dedupe record: %w", err)
	}

	first, err := c.client.SetNX(ctx, dedupeKey(eventID), record, c.dedupeWindow).Result()
	if err != nil {
		return false, unavailable("mark processed", err)
	}

	return first, nil
}

func (c *RedisCache) ReleaseProcessed(ctx context.Context, eventID string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.client.Del(ctx, dedupeKey(eventID)).Err(); err != nil {
		return unavailable("release processed", err)
	}
	return nil
}

func (c *RedisCache) GetSession(ctx context.Context, userID string) (session.State, bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	payload, err := c.client.Get(ctx, sessionKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return session.State{}, false, nil
	}
	if err != nil {
		return session.State{}, false, unavailable("get session", err)
	}

	state, err := decodeSession(payload)
	if err != nil {
		// A corrupt entry is a miss; the store will repopulate it.
		c.log.Warn("Discarding undecodable cached session", "user_id", userID, "error", err)
		return session.State{}, false, nil
	}

	return state, true, nil
}

func (c *RedisCache) PutSession(ctx context.Context, state session.State) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	payload, err := encodeSession(state)
	if err != nil {
		return err
	}

	written, err := putSessionScript.Run(ctx, c.client, []string{sessionKey(state.UserID)}, payload, state.Version, c.sessionTTL.Milliseconds()).Int()
	if err != nil {
		return unavailable("put session", err)
	}
	if written == 0 {
		c.log.Debug("Kept newer cached session", "user_id", state.UserID, "version", state.Version)
	}

	return nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
