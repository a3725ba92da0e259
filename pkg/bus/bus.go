package bus

import (
	"context"
	"sync"

	"recurix/pkg/event"
)

const defaultBufferSize = 100

// MessageBus queues raw updates from polling adapters for the worker pool and
// fans out lifecycle events to observers.
type MessageBus struct {
	inbound chan event.RawUpdate

	eventSubscribers      map[uint64]chan Event
	nextEventSubscriberID uint64

	done      chan struct{}
	closeOnce sync.Once

	mu sync.RWMutex
}

func NewMessageBus() *MessageBus {
	return NewMessageBusSize(defaultBufferSize)
}

// NewMessageBusSize returns a bus whose inbound queue holds up to size updates.
func NewMessageBusSize(size int) *MessageBus {
	if size <= 0 {
		size = defaultBufferSize
	}

	return &MessageBus{
		inbound:          make(chan event.RawUpdate, size),
		eventSubscribers: make(map[uint64]chan Event),
		done:             make(chan struct{}),
	}
}

// PublishInbound blocks until the update is queued, ctx ends or the bus closes.
func (mb *MessageBus) PublishInbound(ctx context.Context, raw event.RawUpdate) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	default:
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	case mb.inbound <- raw:
		return true
	}
}

func (mb *MessageBus) ConsumeInbound(ctx context.Context) (event.RawUpdate, bool) {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return event.RawUpdate{}, false
	case <-mb.done:
		return event.RawUpdate{}, false
	case raw := <-mb.inbound:
		return raw, true
	}
}

// Pending reports the number of queued updates not yet consumed.
func (mb *MessageBus) Pending() int {
	return len(mb.inbound)
}

func (mb *MessageBus) Close() {
	mb.closeOnce.Do(func() {
		close(mb.done)

		mb.mu.Lock()
		for id, ch := range mb.eventSubscribers {
			close(ch)
			delete(mb.eventSubscribers, id)
		}
		mb.mu.Unlock()
	})
}
