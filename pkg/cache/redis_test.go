package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"recurix/pkg/session"
)

func newTestRedis(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()

	server := miniredis.RunT(t)
	c, err := NewRedis(RedisOptions{Addr: server.Addr(), DedupeWindow: time.Hour, SessionTTL: 10 * time.Minute}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	return c, server
}

func TestNewRedisRequiresAddr(t *testing.T) {
	_, err := NewRedis(RedisOptions{Addr: " "}, nil)
	require.Error(t, err)
}

func TestRedisCheckAndMarkProcessed(t *testing.T) {
	c, server := newTestRedis(t)
	ctx := context.Background()

	first, err := c.CheckAndMarkProcessed(ctx, "telegram:1")
	require.NoError(t, err)
	require.True(t, first)

	again, err := c.CheckAndMarkProcessed(ctx, "telegram:1")
	require.NoError(t, err)
	require.False(t, again)

	require.True(t, server.Exists("dedupe:telegram:1"))
	require.Equal(t, time.Hour, server.TTL("dedupe:telegram:1"))

	server.FastForward(time.Hour + time.Second)
	expired, err := c.CheckAndMarkProcessed(ctx, "telegram:1")
	require.NoError(t, err)
	require.True(t, expired, "marker must expire after the dedupe window")
}

func TestRedisCheckAndMarkProcessedConcurrentSingleWinner(t *testing.T) {
	c, _ := newTestRedis(t)
	ctx := context.Background()

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			first, err := c.CheckAndMarkProcessed(ctx, "same-event")
			if err != nil {
				t.Errorf("CheckAndMarkProcessed: %v", err)
				return
			}
			if first {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), winners.Load())
}

func TestRedisReleaseProcessed(t *testing.T) {
	c, _ := newTestRedis(t)
	ctx := context.Background()

	_, err := c.CheckAndMarkProcessed(ctx, "e1")
	require.NoError(t, err)
	require.NoError(t, c.ReleaseProcessed(ctx, "e1"))

	first, err := c.CheckAndMarkProcessed(ctx, "e1")
	require.NoError(t, err)
	require.True(t, first)
}

func TestRedisSessionRoundTrip(t *testing.T) {
	c, server := newTestRedis(t)
	ctx := context.Background()

	_, ok, err := c.GetSession(ctx, "u1")
	require.NoError(t, err)
	require.False(t, ok)

	state := session.State{
		UserID:    "u1",
		Tag:       "awaiting_input:price",
		Context:   map[string]any{"awaiting": "price", "draft": map[string]any{"name": "Netflix"}},
		Version:   2,
		UpdatedAt: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, c.PutSession(ctx, state))
	require.Equal(t, 10*time.Minute, server.TTL("session:u1"))

	got, ok, err := c.GetSession(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, state.Tag, got.Tag)
	require.Equal(t, state.Version, got.Version)
	require.Equal(t, "Netflix", got.Context["draft"].(map[string]any)["name"])
	require.True(t, state.UpdatedAt.Equal(got.UpdatedAt))
}

func TestRedisPutSessionNeverRegressesVersion(t *testing.T) {
	c, _ := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, c.PutSession(ctx, session.State{UserID: "u1", Tag: "newer", Version: 5}))
	require.NoError(t, c.PutSession(ctx, session.State{UserID: "u1", Tag: "older", Version: 4}))

	got, ok, err := c.GetSession(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "newer", got.Tag)
	require.Equal(t, int64(5), got.Version)

	require.NoError(t, c.PutSession(ctx, session.State{UserID: "u1", Tag: "newest", Version: 6}))
	got, _, err = c.GetSession(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "newest", got.Tag)
}

func TestRedisCorruptSessionIsAMiss(t *testing.T) {
	c, server := newTestRedis(t)
	require.NoError(t, server.Set("session:u1", "{not json"))

	_, ok, err := c.GetSession(context.Background(), "u1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisFailuresReportUnavailable(t *testing.T) {
	c, server := newTestRedis(t)
	ctx := context.Background()
	server.SetError("ERR simulated outage")

	_, err := c.CheckAndMarkProcessed(ctx, "e1")
	require.ErrorIs(t, err, ErrUnavailable)

	_, _, err = c.GetSession(ctx, "u1")
	require.ErrorIs(t, err, ErrUnavailable)

	err = c.PutSession(ctx, session.State{UserID: "u1", Version: 1})
	require.ErrorIs(t, err, ErrUnavailable)

	require.ErrorIs(t, c.Ping(ctx), ErrUnavailable)

	server.SetError("")
	require.NoError(t, c.Ping(ctx))
}
