package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

const (
	defaultHistoryLimit = 50
	defaultListLimit    = 100
)

// SQLStore persists sessions in PostgreSQL or SQLite.
type SQLStore struct {
	db       *sql.DB
	dialect  dialect
	log      *slog.Logger
	now      func() time.Time
	migrated atomic.Bool
}

// Open connects to the store described by dsn and verifies the connection.
//
// Migrations are not applied; call Migrate before serving traffic.
func Open(ctx context.Context, dsn string, log *slog.Logger) (*SQLStore, error) {
	d, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	db, err := sql.Open(d.driver, d.dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", d.name, err)
	}

	if d.singleConn {
		// SQLite allows one writer; a single connection also keeps pragmas and
		// in-memory databases attached to the same handle.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, unavailable("connect", err)
	}

	for _, pragma := range d.pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	return &SQLStore{
		db:      db,
		dialect: d,
		log:     log.With("component", "session.store", "dialect", d.name),
		now:     time.Now,
	}, nil
}

// Dialect returns "postgres" or "sqlite".
func (s *SQLStore) Dialect() string {
	return s.dialect.name
}

// Ping checks that the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	return unavailable("ping", s.db.PingContext(ctx))
}

// Close releases the database handle.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// LoadOrCreate returns the user's session, inserting the default state when absent.
func (s *SQLStore) LoadOrCreate(ctx context.Context, userID string) (State, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return State{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}

	initial := New(userID, s.now())
	contextData, err := EncodeContext(initial.Context)
	if err != nil {
		return State{}, err
	}

	insert := s.dialect.rebind(`
		INSERT INTO sessions (user_id, state_tag, context_data, version, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO NOTHING`)
	if _, err := s.db.ExecContext(ctx, insert, initial.UserID, initial.Tag, contextData, initial.Version, initial.UpdatedAt); err != nil {
		return State{}, unavailable("create session", err)
	}

	return s.Get(ctx, userID)
}

// Get returns the stored session or ErrNotFound.
func (s *SQLStore) Get(ctx context.Context, userID string) (State, error) {
	query := s.dialect.rebind(`
		SELECT user_id, state_tag, context_data, version, updated_at
		FROM sessions WHERE user_id = ?`)

	var (
		state       State
		contextData string
	)
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&state.UserID, &state.Tag, &contextData, &state.Version, &state.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, ErrNotFound
	}
	if err != nil {
		return State{}, unavailable("load session", err)
	}

	state.Context, err = DecodeContext(contextData)
	if err != nil {
		return State{}, err
	}
	state.UpdatedAt = state.UpdatedAt.UTC()

	return state, nil
}

// CompareAndSwap records the transition and replaces the session in one
// transaction, only when the stored version equals expectedVersion.
func (s *SQLStore) CompareAndSwap(ctx context.Context, expectedVersion int64, next State, record TransitionRecord) error {
	if strings.TrimSpace(next.UserID) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if next.Version != expectedVersion+1 {
		return fmt.Errorf("%w: next version %d does not follow %d", ErrInvalidInput, next.Version, expectedVersion)
	}
	if strings.TrimSpace(record.EventID) == "" {
		return fmt.Errorf("%w: transition event id is required", ErrInvalidInput)
	}

	contextData, err := EncodeContext(next.Context)
	if err != nil {
		return err
	}

	updatedAt := next.UpdatedAt.UTC()
	if updatedAt.IsZero() {
		updatedAt = s.now().UTC()
	}
	createdAt := record.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = updatedAt
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin transition", err)
	}
	defer func() { _ = tx.Rollback() }()

	insert := s.dialect.rebind(`
		INSERT INTO session_transitions (user_id, event_id, from_tag, to_tag, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING`)
	res, err := tx.ExecContext(ctx, insert, next.UserID, record.EventID, record.FromTag, next.Tag, next.Version, createdAt)
	if err != nil {
		return unavailable("record transition", err)
	}
	if inserted, err := res.RowsAffected(); err != nil {
		return unavailable("record transition", err)
	} else if inserted == 0 {
		return ErrAlreadyApplied
	}

	update := s.dialect.rebind(`
		UPDATE sessions
		SET state_tag = ?, context_data = ?, version = ?, updated_at = ?
		WHERE user_id = ? AND version = ?`)
	res, err = tx.ExecContext(ctx, update, next.Tag, contextData, next.Version, updatedAt, next.UserID, expectedVersion)
	if err != nil {
		return unavailable("update session", err)
	}
	updated, err := res.RowsAffected()
	if err != nil {
		return unavailable("update session", err)
	}
	if updated == 0 {
		return s.classifyMissedUpdate(ctx, tx, next.UserID)
	}

	if err := tx.Commit(); err != nil {
		return unavailable("commit transition", err)
	}

	return nil
}

// classifyMissedUpdate distinguishes a stale version from a missing row.
func (s *SQLStore) classifyMissedUpdate(ctx context.Context, tx *sql.Tx, userID string) error {
	var version int64
	err := tx.QueryRowContext(ctx, s.dialect.rebind("SELECT version FROM sessions WHERE user_id = ?"), userID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return unavailable("check session version", err)
	}

	return ErrVersionConflict
}

// List returns up to limit sessions with a user id greater than after, in
// user id order. Pass the last user id of a page to read the next one.
func (s *SQLStore) List(ctx context.Context, after string, limit int) ([]State, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := s.dialect.rebind(`
		SELECT user_id, state_tag, context_data, version, updated_at
		FROM sessions
		WHERE user_id > ?
		ORDER BY user_id
		LIMIT ?`)
	rows, err := s.db.QueryContext(ctx, query, after, limit)
	if err != nil {
		return nil, unavailable("list sessions", err)
	}
	defer rows.Close()

	var states []State
	for rows.Next() {
		var (
			state       State
			contextData string
		)
		if err := rows.Scan(&state.UserID, &state.Tag, &contextData, &state.Version, &state.UpdatedAt); err != nil {
			return nil, unavailable("scan sessions", err)
		}
		state.Context, err = DecodeContext(contextData)
		if err != nil {
			return nil, err
		}
		state.UpdatedAt = state.UpdatedAt.UTC()
		states = append(states, state)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate sessions", err)
	}

	return states, nil
}

// History returns the newest transitions for a user, newest first.
func (s *SQLStore) History(ctx context.Context, userID string, limit int) ([]TransitionRecord, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	query := s.dialect.rebind(`
		SELECT user_id, event_id, from_tag, to_tag, version, created_at
		FROM session_transitions
		WHERE user_id = ?
		ORDER BY version DESC
		LIMIT ?`)
	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, unavailable("load history", err)
	}
	defer rows.Close()

	var records []TransitionRecord
	for rows.Next() {
		var record TransitionRecord
		if err := rows.Scan(&record.UserID, &record.EventID, &record.FromTag, &record.ToTag, &record.Version, &record.CreatedAt); err != nil {
			return nil, unavailable("scan history", err)
		}
		record.CreatedAt = record.CreatedAt.UTC()
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate history", err)
	}

	return records, nil
}
