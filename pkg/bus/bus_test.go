package bus

import (
	"context"
	"testing"
	"time"

	"recurix/pkg/event"
)

func TestInboundRoundTrip(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	in := event.RawUpdate{Channel: "telegram", Body: []byte(`{"update_id":1}`)}
	if ok := mb.PublishInbound(context.Background(), in); !ok {
		t.Fatal("expected inbound publish to succeed")
	}
	if mb.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", mb.Pending())
	}

	out, ok := mb.ConsumeInbound(context.Background())
	if !ok {
		t.Fatal("expected inbound consume to succeed")
	}
	if string(out.Body) != string(in.Body) || out.Channel != in.Channel {
		t.Fatalf("update = %+v, want %+v", out, in)
	}
}

func TestInboundPreservesOrder(t *testing.T) {
	mb := NewMessageBusSize(8)
	t.Cleanup(mb.Close)

	for i := 0; i < 5; i++ {
		mb.PublishInbound(context.Background(), event.RawUpdate{Channel: "c", Body: []byte{byte('a' + i)}})
	}
	for i := 0; i < 5; i++ {
		out, _ := mb.ConsumeInbound(context.Background())
		if out.Body[0] != byte('a'+i) {
			t.Fatalf("update %d = %q, want %q", i, out.Body, string(rune('a'+i)))
		}
	}
}

func TestPublishBlocksWhenFullUntilContextEnds(t *testing.T) {
	mb := NewMessageBusSize(1)
	t.Cleanup(mb.Close)

	if !mb.PublishInbound(context.Background(), event.RawUpdate{Channel: "c"}) {
		t.Fatal("expected first publish to fit the buffer")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if mb.PublishInbound(ctx, event.RawUpdate{Channel: "c"}) {
		t.Fatal("expected publish on a full queue to give up when ctx ends")
	}
}

func TestCloseStopsBusOperations(t *testing.T) {
	mb := NewMessageBus()
	mb.Close()

	if ok := mb.PublishInbound(context.Background(), event.RawUpdate{Channel: "c"}); ok {
		t.Fatal("expected inbound publish to fail after close")
	}
	if _, ok := mb.ConsumeInbound(context.Background()); ok {
		t.Fatal("expected inbound consume to stop after close")
	}
	if ok := mb.PublishEvent(context.Background(), Event{Type: EventReceived}); ok {
		t.Fatal("expected event publish to fail after close")
	}
}

func TestContextCancellation(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if ok := mb.PublishInbound(ctx, event.RawUpdate{Channel: "c"}); ok {
		t.Fatal("expected publish to fail on canceled context")
	}

	if _, ok := mb.ConsumeInbound(ctx); ok {
		t.Fatal("expected consume to fail on canceled context")
	}
}

func TestConsumeUnblocksOnClose(t *testing.T) {
	mb := NewMessageBus()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = mb.ConsumeInbound(context.Background())
	}()

	mb.Close()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("consume did not unblock after close")
	}
}

func TestEventFanout(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	ctx := context.Background()
	eventsA, unsubA := mb.SubscribeEvents(ctx, 1)
	defer unsubA()
	eventsB, unsubB := mb.SubscribeEvents(ctx, 1)
	defer unsubB()

	ev := Event{Type: EventCommitted, EventID: "telegram:1", UserID: "42", Version: 3}
	if ok := mb.PublishEvent(ctx, ev); !ok {
		t.Fatal("expected event publish to succeed")
	}

	for name, ch := range map[string]<-chan Event{"A": eventsA, "B": eventsB} {
		select {
		case got := <-ch:
			if got.Type != EventCommitted || got.Version != 3 {
				t.Fatalf("subscriber %s got %+v", name, got)
			}
			if got.At.IsZero() {
				t.Fatalf("subscriber %s got event without timestamp", name)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("subscriber %s did not receive event", name)
		}
	}
}

func TestSlowSubscriberDoesNotBlockPublishEvent(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	ctx := context.Background()
	events, unsubscribe := mb.SubscribeEvents(ctx, 1)
	defer unsubscribe()

	if ok := mb.PublishEvent(ctx, Event{Type: EventReceived}); !ok {
		t.Fatal("expected first event publish to succeed")
	}

	start := time.Now()
	if ok := mb.PublishEvent(ctx, Event{Type: EventCommitted}); !ok {
		t.Fatal("expected second event publish to succeed")
	}

	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("publish event blocked on slow subscriber")
	}

	select {
	case <-events:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected at least one event")
	}
}

func TestUnsubscribeStopsEvents(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	ctx := context.Background()
	events, unsubscribe := mb.SubscribeEvents(ctx, 1)
	unsubscribe()

	if ok := mb.PublishEvent(ctx, Event{Type: EventReceived}); !ok {
		t.Fatal("expected event publish to succeed")
	}

	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("expected closed event channel")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected event channel close after unsubscribe")
	}
}

func TestSubscribeEventsUnblocksOnClose(t *testing.T) {
	mb := NewMessageBus()

	events, _ := mb.SubscribeEvents(context.Background(), 1)
	mb.Close()

	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("expected event channel to be closed")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("event subscription did not unblock after close")
	}
}

func TestPublishEventRacesUnsubscribe(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	ctx := context.Background()
	stop := make(chan struct{})
	publisherDone := make(chan struct{})
	go func() {
		defer close(publisherDone)
		for {
			select {
			case <-stop:
				return
			default:
				mb.PublishEvent(ctx, Event{Type: EventReceived})
			}
		}
	}()

	// A send on a channel closed by unsubscribe would panic the publisher.
	for i := 0; i < 500; i++ {
		events, unsubscribe := mb.SubscribeEvents(ctx, 1)
		unsubscribe()
		for range events {
		}
	}

	close(stop)
	select {
	case <-publisherDone:
	case <-time.After(time.Second):
		t.Fatal("publisher did not stop")
	}
}
