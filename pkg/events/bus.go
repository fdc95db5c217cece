// Package events provides the in-process event bus behind the SSE stream.
// Publishers fire and forget; each subscriber gets its own buffered channel
// and slow subscribers lose events rather than block publishers.
package events

import (
	"sync"

	"github.com/paul-nallet/newsletter-mining/pkg/credits"
)

// Type names an application event.
type Type string

const (
	TypeNewsletterUploaded Type = "newsletter:uploaded"
	TypeNewsletterAnalyzed Type = "newsletter:analyzed"
	TypeClustersUpdated    Type = "clusters:updated"
	TypeAnalyzeAllProgress Type = "analyze-all:progress"
	TypeAnalyzeAllDone     Type = "analyze-all:done"
	TypeCreditsUpdated     Type = "credits:updated"
)

// Event is a typed payload delivered to subscribers.
type Event struct {
	Type    Type `json:"type"`
	Payload any  `json:"payload,omitempty"`
}

const defaultBuffer = 16

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[int]chan Event),
	}
}

// Publish delivers the event to every subscriber. Never blocks: subscribers
// whose buffer is full miss the event.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel function must be
// called when the subscriber goes away; it closes the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++

	ch := make(chan Event, defaultBuffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}

	return ch, cancel
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// CreditsNotifier adapts the bus to the credit engine's Notifier seam, so
// every ledger change reaches SSE clients as a credits:updated event.
type CreditsNotifier struct {
	Bus *Bus
}

// CreditsUpdated publishes the quota snapshot.
func (n *CreditsNotifier) CreditsUpdated(status *credits.Status) {
	n.Bus.Publish(Event{Type: TypeCreditsUpdated, Payload: status})
}

var _ credits.Notifier = (*CreditsNotifier)(nil)
