package reminder

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"recurix/pkg/cache"
	"recurix/pkg/conversation"
	"recurix/pkg/event"
	"recurix/pkg/pipeline"
	"recurix/pkg/session"
)

var runAt = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

type recordingEmitter struct {
	mu      sync.Mutex
	actions []event.OutboundAction
	fail    bool
	onEmit  func()
}

func (r *recordingEmitter) Emit(_ context.Context, action event.OutboundAction) event.DeliveryResult {
	r.mu.Lock()
	r.actions = append(r.actions, action)
	fail, onEmit := r.fail, r.onEmit
	r.mu.Unlock()

	if onEmit != nil {
		onEmit()
	}
	if fail {
		return event.Failed(action, 1, errors.New("bot was blocked by the user"))
	}
	return event.Delivered(action, 1)
}

func (r *recordingEmitter) Actions() []event.OutboundAction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.OutboundAction(nil), r.actions...)
}

type brokenCache struct {
	cache.Cache
}

func (brokenCache) CheckAndMarkProcessed(context.Context, string) (bool, error) {
	return false, errors.New("connection refused")
}

type fixture struct {
	store   *session.SQLStore
	cache   cache.Cache
	emitter *recordingEmitter
	deps    Deps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := session.Open(context.Background(), "sqlite://"+filepath.Join(t.TempDir(), "reminder.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	memory := cache.NewMemory(24*time.Hour, time.Hour)
	rec := &recordingEmitter{}
	dispatcher, err := pipeline.New(pipeline.Deps{
		Normalizer: event.Router{},
		Cache:      memory,
		Store:      store,
		Machine:    conversation.New(),
		Emitter:    rec,
	}, pipeline.Options{}, nil)
	require.NoError(t, err)

	return &fixture{
		store:   store,
		cache:   memory,
		emitter: rec,
		deps:    Deps{Store: store, Dispatcher: dispatcher, Emitter: rec, Cache: memory},
	}
}

func (f *fixture) seed(t *testing.T, userID string, ctxData map[string]any) {
	t.Helper()

	ctx := context.Background()
	current, err := f.store.LoadOrCreate(ctx, userID)
	require.NoError(t, err)

	next := current
	next.Context = ctxData
	next.Version = current.Version + 1
	require.NoError(t, f.store.CompareAndSwap(ctx, current.Version, next, session.TransitionRecord{
		UserID: userID, EventID: "seed:" + userID, FromTag: current.Tag, ToTag: next.Tag, Version: next.Version,
	}))
}

func sub(id, name, date string, months string) map[string]any {
	return map[string]any{"id": id, "name": name, "price": "9.99", "payment_date": date, "renewal_months": months}
}

func contact(chatID string) map[string]any {
	return map[string]any{"channel": "telegram", "chat_id": chatID}
}

func TestNewValidatesSchedule(t *testing.T) {
	f := newFixture(t)

	_, err := New(Deps{}, Options{}, nil)
	require.Error(t, err)

	_, err = New(f.deps, Options{Schedule: "at nine"}, nil)
	require.ErrorContains(t, err, "invalid schedule")

	s, err := New(f.deps, Options{}, nil)
	require.NoError(t, err)
	require.Equal(t, DefaultSchedule, s.opts.Schedule)
	require.Equal(t, time.UTC, s.opts.Location)
}

func TestRunOnceRenewsAndReminds(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a", map[string]any{
		"subscriptions": []any{sub("1", "Netflix", "15.03.2026", "1")},
		"contact":       contact("100"),
	})
	f.seed(t, "b", map[string]any{
		"subscriptions": []any{sub("1", "Gym", "01.03.2026", "1"), sub("2", "Spotify", "16.03.2026", "12")},
		"contact":       contact("200"),
		"reminders":     map[string]any{"enabled": "true", "days_before": "2"},
	})
	f.seed(t, "c", map[string]any{
		"subscriptions": []any{sub("1", "Cloud", "15.03.2026", "1")},
		"contact":       contact("300"),
		"reminders":     map[string]any{"enabled": "false"},
	})
	f.seed(t, "d", map[string]any{
		"subscriptions": []any{sub("1", "News", "15.03.2026", "1")},
	})

	s, err := New(f.deps, Options{DaysBefore: 1, PageSize: 2}, nil)
	require.NoError(t, err)

	report, err := s.RunOnce(context.Background(), runAt)
	require.NoError(t, err)
	require.Equal(t, Report{Sessions: 4, Renewed: 1, Sent: 2, Skipped: 2}, report)

	actions := f.emitter.Actions()
	require.Len(t, actions, 2)
	require.Equal(t, "a", actions[0].TargetUserID)
	require.Equal(t, "100", actions[0].ChatID)
	require.Equal(t, "telegram", actions[0].Channel)
	require.Contains(t, actions[0].Text, "Netflix")
	require.Contains(t, actions[0].Text, "15.03.2026")
	require.Equal(t, "b", actions[1].TargetUserID)
	require.Contains(t, actions[1].Text, "Spotify")

	renewed, err := f.store.Get(context.Background(), "b")
	require.NoError(t, err)
	require.Equal(t, int64(2), renewed.Version)
	require.Equal(t, "01.04.2026", conversation.LoadSubscriptions(renewed.Context)[0].PaymentDate)

	history, err := f.store.History(context.Background(), "b", 10)
	require.NoError(t, err)
	require.Equal(t, "scheduler:renew:b:20260314", history[0].EventID)

	again, err := s.RunOnce(context.Background(), runAt.Add(6*time.Hour))
	require.NoError(t, err)
	require.Equal(t, Report{Sessions: 4, Duplicates: 2, Skipped: 2}, again)
	require.Len(t, f.emitter.Actions(), 2)
}

func TestRunOnceUsesLocalCalendarDay(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a", map[string]any{
		"subscriptions": []any{sub("1", "Netflix", "16.03.2026", "1")},
		"contact":       contact("100"),
	})

	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	s, err := New(f.deps, Options{Location: tokyo, DaysBefore: 1}, nil)
	require.NoError(t, err)

	// 20:00 UTC on the 14th is already the 15th in Tokyo.
	report, err := s.RunOnce(context.Background(), time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, 1, report.Sent)
}

func TestFailedDeliveryIsRetriedNextRun(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a", map[string]any{
		"subscriptions": []any{sub("1", "Netflix", "15.03.2026", "1")},
		"contact":       contact("100"),
	})
	s, err := New(f.deps, Options{DaysBefore: 1}, nil)
	require.NoError(t, err)

	f.emitter.fail = true
	report, err := s.RunOnce(context.Background(), runAt)
	require.NoError(t, err)
	require.Equal(t, 1, report.Failed)

	f.emitter.fail = false
	report, err = s.RunOnce(context.Background(), runAt.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, report.Sent)
	require.Len(t, f.emitter.Actions(), 2)
}

func TestUnavailableCacheStillSends(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a", map[string]any{
		"subscriptions": []any{sub("1", "Netflix", "15.03.2026", "1")},
		"contact":       contact("100"),
	})
	deps := f.deps
	deps.Cache = brokenCache{Cache: f.cache}
	s, err := New(deps, Options{DaysBefore: 1}, nil)
	require.NoError(t, err)

	report, err := s.RunOnce(context.Background(), runAt)
	require.NoError(t, err)
	require.Equal(t, 1, report.Sent)
}

func TestRunFiresOnScheduleAndStops(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a", map[string]any{
		"subscriptions": []any{sub("1", "Netflix", "15.03.2026", "1")},
		"contact":       contact("100"),
	})
	s, err := New(f.deps, Options{Schedule: "0 9 * * *", DaysBefore: 1}, nil)
	require.NoError(t, err)
	s.now = func() time.Time { return runAt.Add(-time.Minute) }

	var waits []time.Duration
	s.wait = func(d time.Duration) <-chan time.Time {
		waits = append(waits, d)
		fired := make(chan time.Time, 1)
		fired <- runAt
		return fired
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.emitter.onEmit = cancel

	require.NoError(t, s.Run(ctx))
	require.NotEmpty(t, waits)
	require.Greater(t, waits[0], time.Duration(0))
	require.LessOrEqual(t, waits[0], 2*time.Minute)
	require.Len(t, f.emitter.Actions(), 1)
}
