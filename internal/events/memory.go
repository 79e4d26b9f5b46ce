package events

import (
	"context"
	"sync"

	"github.com/halcyonlabs/specforge/internal/domain"
)

// MemoryBus keeps events in process. Used when Redis is not configured
// and as the recording sink in tests.
type MemoryBus struct {
	mu     sync.Mutex
	events []domain.Event
	subs   []chan domain.Event
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

// Publish records the event and fans it out to subscribers. A slow
// subscriber drops events rather than blocking the publisher.
func (b *MemoryBus) Publish(_ context.Context, ev domain.Event) {
	b.mu.Lock()
	b.events = append(b.events, ev)
	subs := make([]chan domain.Event, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a channel fed by future publishes.
func (b *MemoryBus) Subscribe(ctx context.Context) <-chan domain.Event {
	ch := make(chan domain.Event, 64)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		for i, sub := range b.subs {
			if sub == ch {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		close(ch)
	}()
	return ch
}

// Events returns a copy of everything published so far.
func (b *MemoryBus) Events() []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Event, len(b.events))
	copy(out, b.events)
	return out
}

// OfType filters the recorded events by type.
func (b *MemoryBus) OfType(t domain.EventType) []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.Event
	for _, ev := range b.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
