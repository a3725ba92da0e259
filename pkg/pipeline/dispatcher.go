package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"recurix/pkg/bus"
	"recurix/pkg/cache"
	"recurix/pkg/conversation"
	"recurix/pkg/emitter"
	"recurix/pkg/event"
	"recurix/pkg/session"

	"github.com/google/uuid"
)

const (
	DefaultMaxAttempts   = 3
	DefaultCommitTimeout = 10 * time.Second
)

// ErrRetryExhausted means every compare-and-swap attempt lost to a concurrent
// writer. The session is unchanged and the update may be redelivered.
var ErrRetryExhausted = errors.New("transition retries exhausted")

// Outcome classifies how the dispatcher finished with one update.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeMalformed Outcome = "malformed"
	OutcomeFailed    Outcome = "failed"
)

// Result describes one handled update.
type Result struct {
	Outcome    Outcome
	RequestID  string
	Event      event.InboundEvent
	State      session.State
	Attempts   int
	Reason     string
	Deliveries []event.DeliveryResult
}

// Delivered reports whether every emitted action was delivered.
func (r Result) Delivered() bool {
	for _, d := range r.Deliveries {
		if !d.Success {
			return false
		}
	}
	return true
}

// Decider computes transitions. *conversation.Machine satisfies it.
type Decider interface {
	Decide(current session.State, ev event.InboundEvent) conversation.Transition
}

// Options tunes the dispatcher.
type Options struct {
	MaxAttempts   int
	CommitTimeout time.Duration
}

// Deps are the collaborators of a Dispatcher. Bus is optional.
type Deps struct {
	Normalizer event.Normalizer
	Cache      cache.Cache
	Store      session.Store
	Machine    Decider
	Emitter    emitter.Emitter
	Bus        *bus.MessageBus
}

// Stats are running counters since the dispatcher was created.
type Stats struct {
	Processed      int64 `json:"processed"`
	Duplicates     int64 `json:"duplicates"`
	Malformed      int64 `json:"malformed"`
	Failed         int64 `json:"failed"`
	Conflicts      int64 `json:"conflicts"`
	DeliveryFailed int64 `json:"delivery_failed"`
}

// Dispatcher runs one update through normalize, dedupe, transition and emit.
// It is safe for concurrent use; updates of the same user are serialized.
type Dispatcher struct {
	normalizer event.Normalizer
	cache      cache.Cache
	store      session.Store
	machine    Decider
	emitter    emitter.Emitter
	bus        *bus.MessageBus
	locks      *userLocks
	opts       Options
	log        *slog.Logger
	now        func() time.Time
	newID      func() string

	processed      atomic.Int64
	duplicates     atomic.Int64
	malformed      atomic.Int64
	failed         atomic.Int64
	conflicts      atomic.Int64
	deliveryFailed atomic.Int64
}

func New(deps Deps, opts Options, log *slog.Logger) (*Dispatcher, error) {
	switch {
	case deps.Normalizer == nil:
		return nil, errors.New("pipeline: normalizer is required")
	case deps.Cache == nil:
		return nil, errors.New("pipeline: cache is required")
	case deps.Store == nil:
		return nil, errors.New("pipeline: session store is required")
	case deps.Machine == nil:
		return nil, errors.New("pipeline: state machine is required")
	case deps.Emitter == nil:
		return nil, errors.New("pipeline: emitter is required")
	}

	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.CommitTimeout <= 0 {
		opts.CommitTimeout = DefaultCommitTimeout
	}
	if log == nil {
		log = slog.Default()
	}

	return &Dispatcher{
		normalizer: deps.Normalizer,
		cache:      deps.Cache,
		store:      deps.Store,
		machine:    deps.Machine,
		emitter:    deps.Emitter,
		bus:        deps.Bus,
		locks:      newUserLocks(),
		opts:       opts,
		log:        log.With("component", "pipeline.dispatcher"),
		now:        time.Now,
		newID:      newRequestID,
	}, nil
}

// applied is a committed transition.
type applied struct {
	from     string
	next     session.State
	actions  []event.OutboundAction
	attempts int
}

// Handle processes one raw update. A nil error means the transport may
// acknowledge the update: it was committed, was a duplicate, or was malformed
// and dropped. A non-nil error means nothing was committed and the update
// should be redelivered.
func (d *Dispatcher) Handle(ctx context.Context, raw event.RawUpdate) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	requestID := d.newID()
	ctx = withRequestID(ctx, requestID)

	ev, err := d.normalize(raw)
	if err != nil {
		d.malformed.Add(1)
		category := event.CategoryFromError(err)
		d.log.Warn("Dropping malformed update", "request_id", requestID, "channel", raw.Channel, "category", category, "error", err)
		d.publish(ctx, bus.Event{Type: bus.EventMalformed, Channel: raw.Channel, Error: err.Error(), Payload: map[string]string{"category": category}})
		return Result{Outcome: OutcomeMalformed, RequestID: requestID, Reason: err.Error()}, nil
	}

	return d.process(ctx, ev)
}

// Apply runs an event that did not come from a channel adapter, such as a
// scheduled job, through dedupe, transition and emit.
func (d *Dispatcher) Apply(ctx context.Context, ev event.InboundEvent) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := event.Validate(ev); err != nil {
		return Result{Outcome: OutcomeMalformed, Reason: err.Error()}, err
	}

	return d.process(withRequestID(ctx, d.newID()), ev)
}

func (d *Dispatcher) process(ctx context.Context, ev event.InboundEvent) (Result, error) {
	requestID := requestIDFrom(ctx)
	log := d.log.With("request_id", requestID, "event_id", ev.ID, "user_id", ev.UserID, "channel", ev.Channel)
	d.publish(ctx, bus.Event{Type: bus.EventReceived, Channel: ev.Channel, UserID: ev.UserID, EventID: ev.ID, Payload: map[string]string{"kind": string(ev.Kind)}})

	claimed, err := d.cache.CheckAndMarkProcessed(ctx, ev.ID)
	switch {
	case err != nil:
		// The store's unique event id still rejects a second commit.
		log.Warn("Dedupe check unavailable, continuing without it", "error", err)
	case !claimed:
		return d.duplicate(ctx, ev, log, "dedupe"), nil
	}
	markHeld := err == nil

	release, err := d.locks.Acquire(ctx, ev.UserID)
	if err != nil {
		d.releaseMark(ctx, ev, markHeld, log)
		return d.fail(ctx, ev, 0, fmt.Errorf("acquire user lock: %w", err), log)
	}
	defer release()

	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.CommitTimeout)
	defer cancel()

	done, err := d.commit(commitCtx, ev, log)
	if errors.Is(err, session.ErrAlreadyApplied) {
		return d.duplicate(ctx, ev, log, "store"), nil
	}
	if err != nil {
		d.releaseMark(commitCtx, ev, markHeld, log)
		return d.fail(ctx, ev, done.attempts, err, log)
	}
	next, actions, attempts := done.next, done.actions, done.attempts

	d.processed.Add(1)
	if err := d.cache.PutSession(commitCtx, next); err != nil {
		log.Warn("Failed to refresh cached session", "version", next.Version, "error", err)
	}
	log.Info("Committed transition", "from", done.from, "to", next.Tag, "version", next.Version, "attempts", attempts, "actions", len(actions))
	d.publish(ctx, bus.Event{Type: bus.EventCommitted, Channel: ev.Channel, UserID: ev.UserID, EventID: ev.ID, FromTag: done.from, ToTag: next.Tag, Version: next.Version, Attempt: attempts})

	deliveries := make([]event.DeliveryResult, 0, len(actions))
	for _, action := range actions {
		res := d.emitter.Emit(ctx, action)
		deliveries = append(deliveries, res)
		if !res.Success {
			d.deliveryFailed.Add(1)
			log.Warn("Action delivery failed", "kind", action.Kind, "target", action.Destination(), "attempts", res.Attempts, "reason", res.Reason)
			d.publish(ctx, bus.Event{
				Type:    bus.EventDeliveryFailed,
				Channel: action.Channel,
				UserID:  ev.UserID,
				EventID: ev.ID,
				Version: next.Version,
				Attempt: res.Attempts,
				Error:   res.Reason,
				Payload: map[string]string{"kind": string(action.Kind)},
			})
		}
	}

	return Result{
		Outcome:    OutcomeProcessed,
		RequestID:  requestID,
		Event:      ev,
		State:      next,
		Attempts:   attempts,
		Deliveries: deliveries,
	}, nil
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Processed:      d.processed.Load(),
		Duplicates:     d.duplicates.Load(),
		Malformed:      d.malformed.Load(),
		Failed:         d.failed.Load(),
		Conflicts:      d.conflicts.Load(),
		DeliveryFailed: d.deliveryFailed.Load(),
	}
}

func (d *Dispatcher) normalize(raw event.RawUpdate) (event.InboundEvent, error) {
	ev, err := d.normalizer.Normalize(raw)
	if err != nil {
		if !event.IsMalformed(err) {
			err = fmt.Errorf("%w: %v", event.Malformed(event.ErrorMalformedDetail, raw.Channel), err)
		}
		return event.InboundEvent{}, err
	}
	if err := event.Validate(ev); err != nil {
		return event.InboundEvent{}, err
	}
	return ev, nil
}

// commit loads, decides and compare-and-swaps until it wins or runs out of
// attempts. Only the first attempt trusts the cache.
func (d *Dispatcher) commit(ctx context.Context, ev event.InboundEvent, log *slog.Logger) (applied, error) {
	for attempt := 1; attempt <= d.opts.MaxAttempts; attempt++ {
		current, err := d.load(ctx, ev.UserID, attempt == 1, log)
		if err != nil {
			return applied{attempts: attempt}, err
		}

		tr := d.machine.Decide(current, ev)
		next := tr.Next
		next.UserID = current.UserID
		next.Version = current.Version + 1
		next.UpdatedAt = d.now().UTC()
		if next.Context == nil {
			next.Context = map[string]any{}
		}

		record := session.TransitionRecord{
			UserID:    next.UserID,
			EventID:   ev.ID,
			FromTag:   current.Tag,
			ToTag:     next.Tag,
			Version:   next.Version,
			CreatedAt: next.UpdatedAt,
		}

		err = d.store.CompareAndSwap(ctx, current.Version, next, record)
		switch {
		case err == nil:
			return applied{from: current.Tag, next: next, actions: tr.Actions, attempts: attempt}, nil
		case errors.Is(err, session.ErrVersionConflict):
			d.conflicts.Add(1)
			log.Debug("Session version conflict, retrying", "attempt", attempt, "expected_version", current.Version)
			d.publish(ctx, bus.Event{Type: bus.EventConflict, Channel: ev.Channel, UserID: ev.UserID, EventID: ev.ID, Version: current.Version, Attempt: attempt})
		default:
			return applied{attempts: attempt}, err
		}
	}

	return applied{attempts: d.opts.MaxAttempts}, fmt.Errorf("%w: user %s after %d attempts", ErrRetryExhausted, ev.UserID, d.opts.MaxAttempts)
}

func (d *Dispatcher) load(ctx context.Context, userID string, useCache bool, log *slog.Logger) (session.State, error) {
	if useCache {
		cached, ok, err := d.cache.GetSession(ctx, userID)
		switch {
		case err != nil:
			log.Warn("Session cache unavailable, reading store", "error", err)
		case ok && cached.UserID == userID:
			return cached, nil
		}
	}

	state, err := d.store.LoadOrCreate(ctx, userID)
	if err != nil {
		return session.State{}, fmt.Errorf("load session: %w", err)
	}
	return state, nil
}

func (d *Dispatcher) duplicate(ctx context.Context, ev event.InboundEvent, log *slog.Logger, barrier string) Result {
	d.duplicates.Add(1)
	log.Info("Skipping duplicate update", "barrier", barrier)
	d.publish(ctx, bus.Event{Type: bus.EventDuplicate, Channel: ev.Channel, UserID: ev.UserID, EventID: ev.ID, Payload: map[string]string{"barrier": barrier}})
	return Result{Outcome: OutcomeDuplicate, RequestID: requestIDFrom(ctx), Event: ev, Reason: barrier}
}

func (d *Dispatcher) fail(ctx context.Context, ev event.InboundEvent, attempts int, err error, log *slog.Logger) (Result, error) {
	d.failed.Add(1)
	log.Error("Failed to process update", "attempts", attempts, "error", err)
	d.publish(ctx, bus.Event{
		Type:    bus.EventFailed,
		Channel: ev.Channel,
		UserID:  ev.UserID,
		EventID: ev.ID,
		Attempt: attempts,
		Error:   err.Error(),
		Payload: map[string]string{"retryable": strconv.FormatBool(!errors.Is(err, session.ErrInvalidInput))},
	})
	return Result{Outcome: OutcomeFailed, RequestID: requestIDFrom(ctx), Event: ev, Attempts: attempts, Reason: err.Error()}, err
}

// releaseMark forgets the dedupe marker so a redelivery is processed again.
func (d *Dispatcher) releaseMark(ctx context.Context, ev event.InboundEvent, held bool, log *slog.Logger) {
	if !held {
		return
	}
	if err := d.cache.ReleaseProcessed(context.WithoutCancel(ctx), ev.ID); err != nil {
		log.Warn("Failed to release dedupe marker", "error", err)
	}
}

func (d *Dispatcher) publish(ctx context.Context, ev bus.Event) {
	if d.bus == nil {
		return
	}
	if ev.RequestID == "" {
		ev.RequestID = requestIDFrom(ctx)
	}
	d.bus.PublishEvent(context.WithoutCancel(ctx), ev)
}

type requestIDKey struct{}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// newRequestID returns a time-ordered id that ties together the log lines
// and bus events of one Handle call.
func newRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
