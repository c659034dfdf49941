package bus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("run")
	defer b.Unsubscribe(sub)

	b.Publish(TopicRunCompleted, RunStateChangedEvent{RunID: "r1", TaskID: "t1", NewStatus: "completed"})

	select {
	case event := <-sub.Ch():
		if event.Topic != TopicRunCompleted {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicRunCompleted)
		}
		payload, ok := event.Payload.(RunStateChangedEvent)
		if !ok {
			t.Fatalf("payload type = %T, want RunStateChangedEvent", event.Payload)
		}
		if payload.RunID != "r1" || payload.TaskID != "t1" {
			t.Fatalf("payload = %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()

	crownSub := b.Subscribe("crown.")
	defer b.Unsubscribe(crownSub)

	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicCrownAwarded, CrownAwardedEvent{TaskID: "t1", WinnerRunID: "r1"})
	b.Publish(TopicSandboxStopped, SandboxStoppedEvent{RunID: "r2"})

	// crownSub should receive only the crown event.
	select {
	case event := <-crownSub.Ch():
		if event.Topic != TopicCrownAwarded {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicCrownAwarded)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for crown event")
	}
	select {
	case event := <-crownSub.Ch():
		t.Fatalf("unexpected event on crownSub: %v", event)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}

	// allSub should receive both.
	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for all event")
		}
	}
}

func TestBus_NonBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe("run")
	defer b.Unsubscribe(sub)

	// Overflow the buffer; Publish must never block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < defaultBufferSize*2; i++ {
			b.Publish(TopicRunStateChanged, i)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber buffer")
	}
}

func TestBus_CountsDropsForSlowSubscribers(t *testing.T) {
	b := New()
	slow := b.Subscribe("run")
	defer b.Unsubscribe(slow)

	for i := 0; i < defaultBufferSize+5; i++ {
		b.Publish(TopicRunStateChanged, i)
	}

	if got := slow.Dropped(); got != 5 {
		t.Fatalf("Dropped = %d, want 5", got)
	}
	// The buffered events are still there; a drop never corrupts the queue.
	for i := 0; i < defaultBufferSize; i++ {
		select {
		case event := <-slow.Ch():
			if event.Payload.(int) != i {
				t.Fatalf("event %d payload = %v", i, event.Payload)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout draining event %d", i)
		}
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				b.Publish(TopicRunStateChanged, j)
			}
		}()
	}
	wg.Wait()

	if got := b.SubscriberCount(); got != 1 {
		t.Fatalf("SubscriberCount = %d, want 1", got)
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)
	// Double unsubscribe must be safe.
	b.Unsubscribe(sub)

	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel after Unsubscribe")
	}
}
