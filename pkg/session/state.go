package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// DefaultTag is the state every new session starts in.
const DefaultTag = "idle"

// State is the durable per-user conversation record.
//
// Version starts at 0 and increases by exactly one per committed transition.
type State struct {
	UserID    string         `json:"user_id"`
	Tag       string         `json:"state_tag"`
	Context   map[string]any `json:"context_data,omitempty"`
	Version   int64          `json:"version"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// New returns the default state for a user seen for the first time.
func New(userID string, now time.Time) State {
	return State{
		UserID:    userID,
		Tag:       DefaultTag,
		Context:   map[string]any{},
		Version:   0,
		UpdatedAt: now.UTC(),
	}
}

// TransitionRecord is the audit row written with every committed transition.
type TransitionRecord struct {
	UserID    string    `json:"user_id"`
	EventID   string    `json:"event_id"`
	FromTag   string    `json:"from_tag"`
	ToTag     string    `json:"to_tag"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the sole mutator of session state.
type Store interface {
	// LoadOrCreate returns the stored state, inserting the default state when absent.
	LoadOrCreate(ctx context.Context, userID string) (State, error)
	// CompareAndSwap commits next only when the stored version equals expectedVersion.
	CompareAndSwap(ctx context.Context, expectedVersion int64, next State, record TransitionRecord) error
}

// EncodeContext serializes context data for the context_data column and cache values.
func EncodeContext(data map[string]any) (string, error) {
	if data == nil {
		data = map[string]any{}
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode context data: %w", err)
	}

	return string(payload), nil
}

// DecodeContext parses a context_data column value.
func DecodeContext(raw string) (map[string]any, error) {
	data := map[string]any{}
	if raw == "" {
		return data, nil
	}
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("decode context data: %w", err)
	}

	return data, nil
}
