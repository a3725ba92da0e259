package emitter

import (
	"context"
	"errors"
	"fmt"

	"recurix/pkg/event"
)

// Emitter delivers one outbound action and reports the outcome. Delivery
// failures are reported in the result, never as a panic or state rollback.
type Emitter interface {
	Emit(ctx context.Context, action event.OutboundAction) event.DeliveryResult
}

// EmitterFunc adapts a plain function to Emitter.
type EmitterFunc func(ctx context.Context, action event.OutboundAction) event.DeliveryResult

func (f EmitterFunc) Emit(ctx context.Context, action event.OutboundAction) event.DeliveryResult {
	return f(ctx, action)
}

// Sender performs a single delivery attempt against a platform.
type Sender interface {
	Send(ctx context.Context, action event.OutboundAction) error
}

// SenderFunc adapts a plain function to Sender.
type SenderFunc func(ctx context.Context, action event.OutboundAction) error

func (f SenderFunc) Send(ctx context.Context, action event.OutboundAction) error {
	return f(ctx, action)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying, for example a chat that blocked the bot.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var target *permanentError
	return errors.As(err, &target)
}

// Once sends every action exactly one time.
func Once(sender Sender) Emitter {
	return Retrying(sender, RetryPolicy{MaxAttempts: 1})
}

// Router picks an emitter by the channel the action is addressed to.
type Router map[string]Emitter

func (r Router) Emit(ctx context.Context, action event.OutboundAction) event.DeliveryResult {
	target, ok := r[action.Channel]
	if !ok || target == nil {
		return event.Failed(action, 0, Permanent(fmt.Errorf("no emitter for channel %q", action.Channel)))
	}

	return target.Emit(ctx, action)
}
