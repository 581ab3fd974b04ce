// Package bus is the in-process pub/sub fabric connecting the agent runner,
// the cron scheduler, the channel adapters, and the gateway broadcast layer.
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

// Agent run topics. Published by the runner host, consumed by the gateway
// chat-run tracker.
const (
	TopicAgentEvent     = "agent.event"
	TopicAgentRequested = "agent.requested"
)

// System topics.
const (
	TopicSystemEvent    = "system.event"
	TopicSystemPresence = "system.presence"
	TopicHeartbeat      = "system.heartbeat"
	TopicConfigChanged  = "config.changed"
	TopicVoiceWake      = "voicewake.changed"
	TopicWake           = "system.wake"
)

// AgentEvent is one streamed event from an agent run. Seq is the per-run
// sequence assigned by the runner; the chat-run tracker verifies it is
// consecutive.
type AgentEvent struct {
	RunSessionID string         // Runner-side session id for the run
	Seq          int64          // Per-run sequence, starts at 1
	Stream       string         // "delta", "tool", "lifecycle", "error"
	Text         string         // Delta text, when Stream is "delta"
	State        string         // Lifecycle state: "started", "final", "error"
	Error        string         // Error detail, when State is "error"
	Data         map[string]any // Stream-specific extras
}

// WakeEvent asks the runner host to start a heartbeat-style run.
type WakeEvent struct {
	Mode   string // "now" or "next-heartbeat"
	Reason string
	Text   string // Optional transcript text (voice wake)
}

// HeartbeatEvent is published after each heartbeat run completes.
type HeartbeatEvent struct {
	TS     int64
	Status string
}

// ConfigChangedEvent is published by the config watcher after a reload.
type ConfigChangedEvent struct {
	Fingerprint string
}

// VoiceWakeEvent mirrors voicewake.set mutations to interested parties.
type VoiceWakeEvent struct {
	Enabled bool
	Phrase  string
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
// events (non-blocking send).
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
// Delivery is non-blocking: if a subscriber's buffer is full, the event is
// dropped.
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
