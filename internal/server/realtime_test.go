package server

import (
	"context"
	"testing"
	"time"
)

func TestRealtimeDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "owner-1")
	defer cleanup()

	message := RealtimeMessage{
		OwnerID:   "owner-1",
		EventType: RealtimeEventCollectionChanged,
		ItemKeys:  []string{"pkm-001|normal", "pkm-002|holo"},
		Timestamp: time.Now().UTC(),
	}
	dispatcher.Publish(message)

	select {
	case received := <-stream:
		if received.EventType != RealtimeEventCollectionChanged {
			t.Fatalf("expected event type %s, got %s", RealtimeEventCollectionChanged, received.EventType)
		}
		if len(received.ItemKeys) != 2 {
			t.Fatalf("expected 2 item keys, got %d", len(received.ItemKeys))
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message within deadline")
	}
}

func TestRealtimeDispatcherIsolatedByOwner(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otherCtx, otherCancel := context.WithCancel(context.Background())
	defer otherCancel()

	ownerStream, cleanup := dispatcher.Subscribe(ctx, "owner-2")
	defer cleanup()

	otherStream, otherCleanup := dispatcher.Subscribe(otherCtx, "owner-3")
	defer otherCleanup()

	dispatcher.Publish(RealtimeMessage{
		OwnerID:   "owner-3",
		EventType: RealtimeEventCollectionChanged,
		ItemKeys:  []string{"pkm-003|normal"},
		Timestamp: time.Now().UTC(),
	})

	select {
	case <-ownerStream:
		t.Fatal("did not expect realtime message for unrelated owner")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case msg := <-otherStream:
		if msg.OwnerID != "owner-3" {
			t.Fatalf("expected owner-3, received %s", msg.OwnerID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message for subscribed owner")
	}
}

func TestRealtimeDispatcherDropsWhenSubscriberLags(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "owner-4")
	defer cleanup()

	// Overflow the buffer without reading; publishes must not block.
	for i := 0; i < 64; i++ {
		dispatcher.Publish(RealtimeMessage{
			OwnerID:   "owner-4",
			EventType: RealtimeEventCollectionChanged,
			Timestamp: time.Now().UTC(),
		})
	}

	received := 0
	for {
		select {
		case <-stream:
			received++
		default:
			if received == 0 || received > 16 {
				t.Fatalf("expected between 1 and 16 buffered messages, got %d", received)
			}
			return
		}
	}
}
