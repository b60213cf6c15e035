// Package events fans incident activity out to dashboard subscribers.
package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// Kind identifies the payload carried by an Event.
type Kind string

const (
	KindAgentActivity Kind = "agent_activity"
	KindSystemMetrics Kind = "system_metrics"
	KindBanner        Kind = "banner"
	KindBannerRemoved Kind = "banner_removed"
	KindStatus        Kind = "status"
	KindIncident      Kind = "incident"
)

// ErrBusClosed is returned by Publish after Close.
var ErrBusClosed = errors.New("event bus is closed")

// Event is one notification for subscribers.
type Event struct {
	ID      string      `json:"id"`
	Kind    Kind        `json:"type"`
	Time    time.Time   `json:"timestamp"`
	Payload interface{} `json:"data"`
}

// New creates an event with a fresh ULID.
func New(kind Kind, payload interface{}) Event {
	return Event{
		ID:      ulid.Make().String(),
		Kind:    kind,
		Time:    time.Now().UTC(),
		Payload: payload,
	}
}

// Publisher accepts events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Bus delivers published events to every subscriber.
type Bus interface {
	Publisher
	// Subscribe returns a channel of events and a function that ends the
	// subscription and closes the channel.
	Subscribe(buffer int) (<-chan Event, func())
	Close() error
}

// LocalBus is an in-process fan-out. A subscriber whose buffer is full
// misses the event; publishers never block on slow dashboards.
type LocalBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	next    uint64
	closed  bool
	dropped atomic.Uint64
}

// NewLocalBus creates an empty bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[uint64]chan Event)}
}

// Publish delivers ev to all current subscribers.
func (b *LocalBus) Publish(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

// Dropped returns how many deliveries were skipped for full subscribers.
func (b *LocalBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribe registers a subscriber.
func (b *LocalBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Subscribers returns the number of active subscribers.
func (b *LocalBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close ends every subscription.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	return nil
}
