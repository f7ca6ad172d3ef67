package configstore

import (
	"sync"
	"time"
)

// ChangeEvent announces that a config was created, updated, recovered
// or deleted.
type ChangeEvent struct {
	NamespaceID string
	ConfigID    string
	Timestamp   time.Time
}

// Subscriber is a channel that receives change events
type Subscriber chan *ChangeEvent

// Broadcaster fans config change events out to long-poll watchers.
type Broadcaster struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
}

// NewBroadcaster creates a new change broadcaster
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[Subscriber]bool),
	}
}

// Subscribe creates a new subscription and returns a channel
func (b *Broadcaster) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 16) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broadcaster) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish delivers an event to all subscribers, skipping any whose
// buffer is full.
func (b *Broadcaster) Publish(event *ChangeEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}
