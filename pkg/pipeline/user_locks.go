package pipeline

import (
	"context"
	"sync"
)

// userLocks serializes work per user. Entries are reference counted and
// dropped once no goroutine holds or waits for them, so the map only grows
// with the number of users currently in flight.
type userLocks struct {
	mu      sync.Mutex
	entries map[string]*userLock
}

type userLock struct {
	sem  chan struct{}
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{entries: make(map[string]*userLock)}
}

// Acquire blocks until the lock for userID is held or ctx ends. The returned
// function releases the lock and must be called exactly once.
func (l *userLocks) Acquire(ctx context.Context, userID string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entry := l.ref(userID)
	select {
	case entry.sem <- struct{}{}:
	case <-ctx.Done():
		l.unref(userID, entry)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.sem
			l.unref(userID, entry)
		})
	}, nil
}

func (l *userLocks) ref(userID string) *userLock {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[userID]
	if !ok {
		entry = &userLock{sem: make(chan struct{}, 1)}
		l.entries[userID] = entry
	}
	entry.refs++
	return entry
}

func (l *userLocks) unref(userID string, entry *userLock) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry.refs--
	if entry.refs == 0 && l.entries[userID] == entry {
		delete(l.entries, userID)
	}
}

// Len returns the number of users with a held or awaited lock.
func (l *userLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
