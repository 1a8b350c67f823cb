package events

import (
	"testing"
	"time"
)

func TestSubscribeReceivesEvents(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(4)
	defer cancel()

	bus.Emit(Event{Type: EventTaskStateChanged, TaskID: 7, From: "pending", To: "ready"})

	select {
	case e := <-ch:
		if e.Type != EventTaskStateChanged || e.TaskID != 7 {
			t.Errorf("unexpected event: %+v", e)
		}
		if e.Timestamp.IsZero() {
			t.Error("expected timestamp to be filled in")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestEmitNeverBlocks(t *testing.T) {
	bus := NewBus()
	_, cancel := bus.Subscribe(1)
	defer cancel()

	// Second emit overflows the buffer; it must drop, not block.
	done := make(chan struct{})
	go func() {
		bus.Emit(Event{Type: EventIterationRecorded})
		bus.Emit(Event{Type: EventIterationRecorded})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emit blocked on a full subscriber")
	}
}

func TestCancelClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	cancel()

	if _, ok := <-ch; ok {
		t.Error("expected closed channel after cancel")
	}
	if bus.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers, got %d", bus.SubscriberCount())
	}

	// Double cancel is safe.
	cancel()
}

func TestEmitOnNilBus(t *testing.T) {
	var bus *Bus
	// Must not panic.
	bus.Emit(Event{Type: EventEpicCompleted})
}
