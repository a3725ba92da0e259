package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"recurix/pkg/session"
)

const (
	DefaultDedupeWindow = 24 * time.Hour
	DefaultSessionTTL   = 24 * time.Hour

	dedupeKeyPrefix  = "dedupe:"
	sessionKeyPrefix = "session:"
)

// ErrUnavailable wraps cache backend failures. Callers degrade to the session
// store instead of failing the event.
var ErrUnavailable = errors.New("cache unavailable")

// Cache is the idempotency and hot-session layer in front of the session store.
//
// It is never authoritative: PutSession only follows a durable commit and a
// cached copy loses to the store whenever versions disagree.
type Cache interface {
	// CheckAndMarkProcessed atomically marks eventID and reports whether this caller was first.
	CheckAndMarkProcessed(ctx context.Context, eventID string) (bool, error)
	// ReleaseProcessed forgets eventID so a redelivery can be processed again.
	ReleaseProcessed(ctx context.Context, eventID string) error
	GetSession(ctx context.Context, userID string) (session.State, bool, error)
	PutSession(ctx context.Context, state session.State) error
	Ping(ctx context.Context) error
	Close() error
}

// DedupeRecord is the value stored under dedupe:{eventId}.
type DedupeRecord struct {
	EventID     string    `json:"event_id"`
	ProcessedAt time.Time `json:"processed_at"`
}

func dedupeKey(eventID string) string {
	return dedupeKeyPrefix + eventID
}

func sessionKey(userID string) string {
	return sessionKeyPrefix + userID
}

func encodeSession(state session.State) ([]byte, error) {
	payload, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode cached session: %w", err)
	}
	return payload, nil
}

func decodeSession(payload []byte) (session.State, error) {
	var state session.State
	if err := json.Unmarshal(payload, &state); err != nil {
		return session.State{}, fmt.Errorf("decode cached session: %w", err)
	}
	if state.Context == nil {
		state.Context = map[string]any{}
	}
	return state, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}
