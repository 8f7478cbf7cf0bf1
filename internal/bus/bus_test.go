package bus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicStoreUpdated)
	defer b.Unsubscribe(sub)

	b.Publish(TopicStoreUpdated, StoreUpdatedEvent{Kind: "meeting", ID: "m1", Reason: "save"})

	select {
	case event := <-sub.Ch():
		if event.Topic != TopicStoreUpdated {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicStoreUpdated)
		}
		payload, ok := event.Payload.(StoreUpdatedEvent)
		if !ok {
			t.Fatalf("payload type = %T, want StoreUpdatedEvent", event.Payload)
		}
		if payload.ID != "m1" {
			t.Fatalf("payload id = %q, want m1", payload.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()

	syncSub := b.Subscribe("sync.")
	defer b.Unsubscribe(syncSub)

	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicSyncPushed, SyncResultEvent{Outcome: "success"})
	b.Publish(TopicGovernorEvicted, EvictionEvent{Evicted: 3})

	// syncSub should receive sync.pushed but not governor.evicted.
	select {
	case event := <-syncSub.Ch():
		if event.Topic != TopicSyncPushed {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicSyncPushed)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for sync event")
	}

	select {
	case event := <-syncSub.Ch():
		t.Fatalf("unexpected event on syncSub: %v", event)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}

	// allSub should receive both.
	received := 0
	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
			received++
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for all event")
		}
	}
	if received != 2 {
		t.Fatalf("allSub received %d events, want 2", received)
	}
}

func TestBus_NonBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicStoreUpdated)
	defer b.Unsubscribe(sub)

	// Fill the buffer past capacity.
	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish(TopicStoreUpdated, i)
	}

	// Should not deadlock. Drain what we can.
	count := 0
	for {
		select {
		case <-sub.Ch():
			count++
		default:
			goto done
		}
	}
done:
	if count != defaultBufferSize {
		t.Fatalf("received %d events, expected %d (buffer size)", count, defaultBufferSize)
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Publish(TopicStoreUpdated, StoreUpdatedEvent{Reason: "save"})
		}()
	}
	wg.Wait()

	count := 0
	for {
		select {
		case <-sub.Ch():
			count++
		default:
			if count != 10 {
				t.Fatalf("received %d events, want 10", count)
			}
			return
		}
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)

	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel after unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("subscriber count = %d, want 0", b.SubscriberCount())
	}

	// Double unsubscribe is a no-op.
	b.Unsubscribe(sub)
}
