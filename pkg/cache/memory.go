package cache

import (
	"context"
	"sync"
	"time"

	"recurix/pkg/session"
)

type memoryEntry struct {
	payload   []byte
	version   int64
	expiresAt time.Time
}

// MemoryCache is a process-local Cache used by the console channel and tests.
//
// Sessions are stored encoded so callers never share mutable maps with it.
type MemoryCache struct {
	dedupeWindow time.Duration
	sessionTTL   time.Duration
	now          func() time.Time

	mu       sync.Mutex
	dedupe   map[string]time.Time
	sessions map[string]memoryEntry
}

// NewMemory creates an in-process cache with the given windows (zero means default).
func NewMemory(dedupeWindow time.Duration, sessionTTL time.Duration) *MemoryCache {
	if dedupeWindow <= 0 {
		dedupeWindow = DefaultDedupeWindow
	}
	if sessionTTL <= 0 {
		sessionTTL = DefaultSessionTTL
	}

	return &MemoryCache{
		dedupeWindow: dedupeWindow,
		sessionTTL:   sessionTTL,
		now:          time.Now,
		dedupe:       make(map[string]time.Time),
		sessions:     make(map[string]memoryEntry),
	}
}

func (c *MemoryCache) CheckAndMarkProcessed(_ context.Context, eventID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if expiresAt, ok := c.dedupe[eventID]; ok && now.Before(expiresAt) {
		return false, nil
	}

	c.dedupe[eventID] = now.Add(c.dedupeWindow)
	return true, nil
}

func (c *MemoryCache) ReleaseProcessed(_ context.Context, eventID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.dedupe, eventID)
	return nil
}

func (c *MemoryCache) GetSession(_ context.Context, userID string) (session.State, bool, error) {
	c.mu.Lock()
	entry, ok := c.sessions[userID]
	if ok && !c.now().Before(entry.expiresAt) {
		delete(c.sessions, userID)
		ok = false
	}
	c.mu.Unlock()

	if !ok {
		return session.State{}, false, nil
	}

	state, err := decodeSession(entry.payload)
	if err != nil {
		return session.State{}, false, nil
	}
	return state, true, nil
}

func (c *MemoryCache) PutSession(_ context.Context, state session.State) error {
	payload, err := encodeSession(state)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if current, ok := c.sessions[state.UserID]; ok && now.Before(current.expiresAt) && current.version >= state.Version {
		return nil
	}

	c.sessions[state.UserID] = memoryEntry{payload: payload, version: state.Version, expiresAt: now.Add(c.sessionTTL)}
	return nil
}

func (c *MemoryCache) Ping(context.Context) error {
	return nil
}

func (c *MemoryCache) Close() error {
	return nil
}

// Sweep drops expired entries and returns how many were removed.
func (c *MemoryCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for id, expiresAt := range c.dedupe {
		if !now.Before(expiresAt) {
			delete(c.dedupe, id)
			removed++
		}
	}
	for userID, entry := range c.sessions {
		if !now.Before(entry.expiresAt) {
			delete(c.sessions, userID)
			removed++
		}
	}

	return removed
}

// RunJanitor sweeps expired entries on every tick until ctx is done.
func (c *MemoryCache) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}
