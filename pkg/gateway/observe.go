package gateway

import (
	"context"
	"log/slog"

	"recurix/pkg/bus"
)

// observeEvents logs dispatcher lifecycle events until ctx ends or the bus
// closes. The subscription is buffered so dispatching never waits on logging.
func observeEvents(ctx context.Context, messageBus *bus.MessageBus, log *slog.Logger) {
	events, unsubscribe := messageBus.SubscribeEvents(ctx, eventBufferDepth)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			logEvent(log, ev)
		}
	}
}

func logEvent(log *slog.Logger, ev bus.Event) {
	attrs := []any{
		"event_type", ev.Type,
		"event_id", ev.EventID,
		"user_id", ev.UserID,
		"channel", ev.Channel,
		"request_id", ev.RequestID,
		"timestamp", ev.At.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"),
	}
	if ev.FromTag != "" || ev.ToTag != "" {
		attrs = append(attrs, "from", ev.FromTag, "to", ev.ToTag, "version", ev.Version)
	}
	if ev.Attempt > 0 {
		attrs = append(attrs, "attempt", ev.Attempt)
	}
	if len(ev.Payload) > 0 {
		attrs = append(attrs, "payload", ev.Payload)
	}

	switch ev.Type {
	case bus.EventFailed, bus.EventDeliveryFailed:
		log.Error("Pipeline event", append(attrs, "error", ev.Error)...)
	case bus.EventConflict, bus.EventMalformed:
		log.Warn("Pipeline event", append(attrs, "error", ev.Error)...)
	case bus.EventCommitted:
		log.Info("Pipeline event", attrs...)
	default:
		log.Debug("Pipeline event", attrs...)
	}
}
