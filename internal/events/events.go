// Package events provides the in-process event bus the core emits on.
// Consumers (documentation automation, telemetry sinks, CLIs) subscribe
// with buffered channels; slow subscribers drop events rather than
// stalling the scheduler.
package events

import (
	"sync"
	"time"
)

// Type represents the kind of event emitted by the core.
type Type string

const (
	// EventTaskStateChanged fires on every work-item transition.
	EventTaskStateChanged Type = "task_state_changed"
	// EventEpicCompleted fires when an epic reaches completed.
	EventEpicCompleted Type = "epic_completed"
	// EventMilestoneAchieved fires when all required epics complete.
	EventMilestoneAchieved Type = "milestone_achieved"
	// EventSessionRefreshed fires when a session is replaced by a successor.
	EventSessionRefreshed Type = "session_refreshed"
	// EventBreakpointRaised fires when execution pauses for review.
	EventBreakpointRaised Type = "breakpoint_raised"
	// EventIterationRecorded fires after each iteration row is written.
	EventIterationRecorded Type = "iteration_recorded"
)

// Event is a single occurrence published on the bus.
type Event struct {
	// Type is the kind of event.
	Type Type
	// ProjectID is the related project, if applicable.
	ProjectID int64
	// TaskID is the related work item, if applicable.
	TaskID int64
	// SessionID is the related session, if applicable.
	SessionID string
	// From and To carry the states for transition events.
	From string
	To   string
	// Reason provides context for transitions and breakpoints.
	Reason string
	// Timestamp is when the event occurred.
	Timestamp time.Time
	// Payload carries event-specific extras (summary digests, indexes).
	Payload map[string]any
}

// Bus fans events out to subscribers. Emit never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber with the given buffer size and
// returns its channel plus a cancel function. The channel is closed
// on cancel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}

	b.mu.Lock()
	id := b.next
	b.next++
	ch := make(chan Event, buffer)
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Emit publishes an event to all subscribers without blocking.
// A zero Timestamp is filled in with the current time.
func (b *Bus) Emit(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber buffer full; drop rather than stall.
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
