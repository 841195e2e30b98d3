// Package bus provides a small in-process pub/sub event bus. Task queue
// producers publish wake-up events on it and the pipeline runner subscribes,
// so queued work is picked up without waiting for the next poll tick.
package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Topics published by the task queue and the pipeline runner.
const (
	TopicTaskQueued         = "task.queued"
	TopicTaskCompleted      = "task.completed"
	TopicTaskFailed         = "task.failed"
	TopicIterationStarted   = "iteration.started"
	TopicIterationCompleted = "iteration.completed"
	TopicIterationFailed    = "iteration.failed"
	TopicAdviceCreated      = "advice.created"
)

// TaskQueuedEvent is published whenever a task is queued for an agent.
// The runner uses it as a wake-up signal for the assigned agent.
type TaskQueuedEvent struct {
	TaskID     string
	AgentID    string
	Source     string
	AssignedBy string
}

// IterationEvent is published at iteration lifecycle transitions.
type IterationEvent struct {
	IterationID string
	AgentID     string
	Status      string
	Error       string
}

// AdviceCreatedEvent is published when an advice phase records at least one
// advice node.
type AdviceCreatedEvent struct {
	AgentID     string
	IterationID string
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
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
// The returned channel has a buffer of 100 events; slow consumers will miss
// events (non-blocking send). Wake-ups are best-effort: the runner's
// timer-based poll alone is sufficient for correctness.
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
	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.ch)
}

// Publish sends an event to all subscriptions whose prefix matches the topic.
// Sends are non-blocking; full subscriber channels drop the event.
func (b *Bus) Publish(topic string, payload interface{}) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.prefix != "" && !strings.HasPrefix(topic, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- Event{Topic: topic, Payload: payload}:
		default:
		}
	}
}
