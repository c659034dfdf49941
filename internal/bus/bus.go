package bus

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Run event topics.
const (
	TopicRunStateChanged = "run.state_changed"
	TopicRunCompleted    = "run.completed"
	TopicRunFailed       = "run.failed"
)

// Crown event topics.
const (
	TopicCrownAwarded = "crown.awarded"
	TopicCrownFailed  = "crown.failed"
)

// Sandbox event topics.
const (
	TopicSandboxScheduled = "sandbox.stop_scheduled"
	TopicSandboxStopped   = "sandbox.stopped"
)

// RunStateChangedEvent is published when a run's status changes.
type RunStateChangedEvent struct {
	RunID     string // Run ID
	TaskID    string // Owning task ID
	AgentName string // Agent executing the run
	OldStatus string // Previous status (e.g. running)
	NewStatus string // New status (e.g. completed)
}

// CrownAwardedEvent is published when a winner is crowned for a task.
type CrownAwardedEvent struct {
	TaskID      string // Task ID
	WinnerRunID string // Crowned run ID
	Reason      string // Judge reason (or the single-run shortcut reason)
}

// CrownFailedEvent is published when crown evaluation fails.
type CrownFailedEvent struct {
	TaskID string // Task ID
	Error  string // Human-readable failure recorded on the task
}

// SandboxScheduledEvent is published when a sandbox is given a stop deadline.
type SandboxScheduledEvent struct {
	RunID     string    // Run whose sandbox was scheduled
	SandboxID string    // External sandbox resource ID
	StopAt    time.Time // Deadline after which the sweeper may stop it
}

// SandboxStoppedEvent is published when the sweeper stops a sandbox.
type SandboxStoppedEvent struct {
	RunID     string    // Run whose sandbox was stopped
	SandboxID string    // External sandbox resource ID
	StoppedAt time.Time // Stop time
}

// Subscription represents an active subscription.
type Subscription struct {
	id      int
	prefix  string
	ch      chan Event
	dropped atomic.Uint64
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Dropped returns how many events were discarded because this subscription's
// buffer was full at publish time.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics.
// The returned channel has a buffer of 100 events; slow consumers will miss events
// (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers.
// Delivery is non-blocking: if a subscriber's buffer is full, the event is dropped.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			// Non-blocking send.
			select {
			case sub.ch <- event:
			default:
				// Buffer full, drop event for this subscriber.
				sub.dropped.Add(1)
				slog.Debug("bus: event dropped for slow subscriber",
					"topic", topic,
					"subscription_prefix", sub.prefix,
					"dropped_total", sub.dropped.Load(),
				)
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
