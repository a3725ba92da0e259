// Package reminder runs the daily job that rolls payment dates forward and
// tells users about payments coming up.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"recurix/pkg/cache"
	"recurix/pkg/conversation"
	"recurix/pkg/emitter"
	"recurix/pkg/event"
	"recurix/pkg/pipeline"
	"recurix/pkg/session"
)

// Channel is the channel name of events the job feeds into the pipeline.
const Channel = "scheduler"

const (
	DefaultSchedule   = "0 9 * * *"
	DefaultDaysBefore = 1
	defaultPageSize   = 100
)

// Store pages through every saved session.
type Store interface {
	List(ctx context.Context, after string, limit int) ([]session.State, error)
}

// Applier commits an already normalized event through the pipeline.
type Applier interface {
	Apply(ctx context.Context, ev event.InboundEvent) (pipeline.Result, error)
}

type Deps struct {
	Store      Store
	Dispatcher Applier
	Emitter    emitter.Emitter
	Cache      cache.Cache
}

// Options configure when the job runs. Schedule is a five-field cron
// expression matched against wall time in Location.
type Options struct {
	Schedule   string
	Location   *time.Location
	DaysBefore int
	PageSize   int
}

// Report counts what one run did.
type Report struct {
	Sessions   int
	Renewed    int
	Sent       int
	Duplicates int
	Skipped    int
	Failed     int
}

type Scheduler struct {
	store      Store
	dispatcher Applier
	emitter    emitter.Emitter
	cache      cache.Cache
	opts       Options
	log        *slog.Logger
	now        func() time.Time
	wait       func(time.Duration) <-chan time.Time
}

func New(deps Deps, opts Options, log *slog.Logger) (*Scheduler, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("reminder: session store is required")
	case deps.Dispatcher == nil:
		return nil, errors.New("reminder: dispatcher is required")
	case deps.Emitter == nil:
		return nil, errors.New("reminder: emitter is required")
	case deps.Cache == nil:
		return nil, errors.New("reminder: cache is required")
	}

	if opts.Schedule == "" {
		opts.Schedule = DefaultSchedule
	}
	if !gronx.New().IsValid(opts.Schedule) {
		return nil, fmt.Errorf("reminder: invalid schedule %q", opts.Schedule)
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.DaysBefore < 0 {
		opts.DaysBefore = DefaultDaysBefore
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if log == nil {
		log = slog.Default()
	}

	return &Scheduler{
		store:      deps.Store,
		dispatcher: deps.Dispatcher,
		emitter:    deps.Emitter,
		cache:      deps.Cache,
		opts:       opts,
		log:        log.With("component", "reminder"),
		now:        time.Now,
		wait:       time.After,
	}, nil
}

func (s *Scheduler) Name() string { return "reminders" }

// Run fires RunOnce at every tick of the schedule until ctx is cancelled.
// A failed run is logged and the next tick still fires.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("Reminder job scheduled", "schedule", s.opts.Schedule, "timezone", s.opts.Location.String())

	for {
		now := s.now().In(s.opts.Location)
		next, err := gronx.NextTickAfter(s.opts.Schedule, now, false)
		if err != nil {
			return fmt.Errorf("reminder: next tick of %q: %w", s.opts.Schedule, err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.wait(next.Sub(now)):
		}

		report, err := s.RunOnce(ctx, next)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			s.log.Error("Reminder run failed", "tick", next, "error", err)
			continue
		}
		s.log.Info("Reminder run finished",
			"tick", next,
			"sessions", report.Sessions,
			"renewed", report.Renewed,
			"sent", report.Sent,
			"duplicates", report.Duplicates,
			"skipped", report.Skipped,
			"failed", report.Failed,
		)
	}
}

// RunOnce renews past payment dates and sends the reminders due on the
// local calendar day of at. Per-user failures are counted, not returned; the
// error is set only when the sessions cannot be listed.
func (s *Scheduler) RunOnce(ctx context.Context, at time.Time) (Report, error) {
	local := at.In(s.opts.Location)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)

	var report Report
	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		page, err := s.store.List(ctx, after, s.opts.PageSize)
		if err != nil {
			return report, fmt.Errorf("list sessions after %q: %w", after, err)
		}
		for _, state := range page {
			report.Sessions++
			s.remind(ctx, state, today, &report)
		}
		if len(page) < s.opts.PageSize {
			return report, nil
		}
		after = page[len(page)-1].UserID
	}
}

func (s *Scheduler) remind(ctx context.Context, state session.State, today time.Time, report *Report) {
	log := s.log.With("user_id", state.UserID)

	if conversation.RenewalsDue(state.Context, today) {
		res, err := s.dispatcher.Apply(ctx, renewEvent(state.UserID, today))
		switch {
		case err != nil:
			report.Failed++
			log.Warn("Renewing payment dates failed", "request_id", res.RequestID, "error", err)
		case res.Outcome == pipeline.OutcomeProcessed:
			report.Renewed++
			state = res.State
		}
	}

	settings := conversation.RemindersOf(state.Context)
	contact, ok := conversation.ContactOf(state.Context)
	if !settings.Enabled || !ok {
		report.Skipped++
		return
	}

	days := s.opts.DaysBefore
	if settings.DaysSet {
		days = settings.DaysBefore
	}
	due := today.AddDate(0, 0, days)

	for _, sub := range conversation.LoadSubscriptions(state.Context) {
		date, ok := sub.Date()
		if !ok || !date.Equal(due) {
			continue
		}
		s.send(ctx, log, state.UserID, contact, sub, report)
	}
}

// send delivers one reminder at most once per payment date. An unreachable
// cache sends anyway.
func (s *Scheduler) send(ctx context.Context, log *slog.Logger, userID string, contact conversation.Contact, sub conversation.Subscription, report *Report) {
	key := reminderKey(userID, sub)
	claimed, err := s.cache.CheckAndMarkProcessed(ctx, key)
	switch {
	case err != nil:
		log.Warn("Reminder dedupe unavailable, sending anyway", "subscription_id", sub.ID, "error", err)
	case !claimed:
		report.Duplicates++
		return
	}

	action := event.OutboundAction{
		Channel:      contact.Channel,
		TargetUserID: userID,
		ChatID:       contact.ChatID,
		Kind:         event.ActionSendText,
		Text:         conversation.ReminderText(sub),
	}
	result := s.emitter.Emit(ctx, action)
	if !result.Success {
		report.Failed++
		log.Warn("Reminder delivery failed", "subscription_id", sub.ID, "channel", contact.Channel, "reason", result.Reason)
		if err == nil {
			if releaseErr := s.cache.ReleaseProcessed(ctx, key); releaseErr != nil {
				log.Warn("Releasing reminder marker failed", "subscription_id", sub.ID, "error", releaseErr)
			}
		}
		return
	}

	report.Sent++
	log.Debug("Reminder sent", "subscription_id", sub.ID, "payment_date", sub.PaymentDate)
}

// renewEvent is the scheduled event that rolls a user's past payment dates
// forward. Its id is stable for the day, so a second run is a duplicate.
func renewEvent(userID string, today time.Time) event.InboundEvent {
	return event.InboundEvent{
		ID:         fmt.Sprintf("%s:%s:%s:%s", Channel, conversation.ScheduledRenew, userID, today.Format("20060102")),
		Channel:    Channel,
		UserID:     userID,
		Kind:       event.KindScheduled,
		Payload:    conversation.ScheduledRenew,
		ReceivedAt: today,
	}
}

func reminderKey(userID string, sub conversation.Subscription) string {
	return fmt.Sprintf("reminder:%s:%s:%s", userID, sub.ID, sub.PaymentDate)
}
