// Package notify delivers message events to interested observers, both
// in-process subscribers and external ones through Redis.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/shineum/smtp-sink-lite/internal/message"
)

// subscriberBuffer is the number of events queued per subscriber before
// further events are dropped for it.
const subscriberBuffer = 16

// Publisher is implemented by event sinks.
type Publisher interface {
	Publish(ctx context.Context, ev message.MessageEvent) error
}

// Broker fans events out to in-process subscribers. A subscriber that does
// not keep up misses events rather than blocking publishers.
type Broker struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan message.MessageEvent
}

// NewBroker creates an empty Broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[int]chan message.MessageEvent)}
}

// Subscribe registers a new subscriber. The returned cancel function
// unregisters it and closes the channel.
func (b *Broker) Subscribe() (<-chan message.MessageEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan message.MessageEvent, subscriberBuffer)
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}

// Subscribers returns the number of registered subscribers.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish implements Publisher. It never blocks and never fails.
func (b *Broker) Publish(_ context.Context, ev message.MessageEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("event subscriber is slow, dropping event",
				"subscriber", id,
				"event_type", ev.Type,
			)
		}
	}
	return nil
}

// Multi publishes to every wrapped publisher and joins their errors.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(ctx context.Context, ev message.MessageEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
