package eventbus

import (
	"context"
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New(nil)
	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()

	b.Publish(context.Background(), JobCreated, map[string]string{"job_id": "j1"})

	select {
	case evt := <-ch:
		if evt.Type != JobCreated {
			t.Fatalf("got type %s, want %s", evt.Type, JobCreated)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSlowSubscriberEvicted(t *testing.T) {
	b := New(nil)
	ch, _ := b.Subscribe()

	// Fill the subscriber's queue past its depth without draining.
	for i := 0; i < subscriberQueueDepth+10; i++ {
		b.Publish(context.Background(), JobCreated, i)
	}

	if got := b.SubscriberCount(); got != 0 {
		t.Fatalf("expected slow subscriber to be evicted, got %d subscribers", got)
	}

	// Channel should be closed now.
	_, ok := <-ch
	for ok {
		_, ok = <-ch
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New(nil)
	_, unsubscribe := b.Subscribe()
	if got := b.SubscriberCount(); got != 1 {
		t.Fatalf("expected 1 subscriber, got %d", got)
	}
	unsubscribe()
	if got := b.SubscriberCount(); got != 0 {
		t.Fatalf("expected 0 subscribers after unsubscribe, got %d", got)
	}
}
