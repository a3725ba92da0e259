package emitter

import (
	"context"
	"log/slog"
	"time"

	"recurix/pkg/event"
)

// RetryPolicy bounds how often an action is resent after a failed attempt.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
	Backoff     time.Duration `json:"backoff" yaml:"backoff"`
	MaxBackoff  time.Duration `json:"max_backoff" yaml:"max_backoff"`
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     200 * time.Millisecond,
		MaxBackoff:  2 * time.Second,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Backoff < 0 {
		p.Backoff = 0
	}
	if p.MaxBackoff <= 0 || p.MaxBackoff < p.Backoff {
		p.MaxBackoff = p.Backoff
	}
	return p
}

// delay returns the wait before attempt n+1, doubling from Backoff.
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.Backoff
	for i := 1; i < attempt && d < p.MaxBackoff; i++ {
		d *= 2
	}
	if d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

type retrying struct {
	sender Sender
	policy RetryPolicy
	log    *slog.Logger
}

// Retrying wraps sender with bounded resends. No-op actions succeed without
// touching the sender.
func Retrying(sender Sender, policy RetryPolicy) Emitter {
	return RetryingWithLogger(sender, policy, nil)
}

func RetryingWithLogger(sender Sender, policy RetryPolicy, log *slog.Logger) Emitter {
	if log == nil {
		log = slog.Default()
	}

	return &retrying{
		sender: sender,
		policy: policy.normalized(),
		log:    log.With("component", "emitter.retry"),
	}
}

func (r *retrying) Emit(ctx context.Context, action event.OutboundAction) event.DeliveryResult {
	if action.Kind == event.ActionNoOp {
		return event.Delivered(action, 0)
	}

	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		err := r.sender.Send(ctx, action)
		if err == nil {
			return event.Delivered(action, attempt)
		}
		lastErr = err

		if IsPermanent(err) || attempt == r.policy.MaxAttempts {
			return event.Failed(action, attempt, err)
		}

		wait := r.policy.delay(attempt)
		r.log.Debug("Delivery attempt failed", "target", action.Destination(), "attempt", attempt, "retry_in", wait, "error", err)
		if wait <= 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return event.Failed(action, attempt, ctx.Err())
		case <-timer.C:
		}
	}

	return event.Failed(action, r.policy.MaxAttempts, lastErr)
}
