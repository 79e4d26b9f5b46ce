package events

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/halcyonlabs/specforge/internal/domain"
)

func TestMemoryBusFansOutToSubscribers(t *testing.T) {
	bus := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := bus.Subscribe(ctx)
	b := bus.Subscribe(ctx)

	specID := uuid.New()
	bus.Publish(ctx, domain.NewEvent(domain.EventTaskCreated, specID, "task", uuid.NewString(), nil))

	for _, ch := range []<-chan domain.Event{a, b} {
		select {
		case ev := <-ch:
			if ev.Type != domain.EventTaskCreated || ev.SpecID != specID {
				t.Errorf("unexpected event: %+v", ev)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber never received the event")
		}
	}
}

func TestMemoryBusRecordsByType(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()
	specID := uuid.New()

	bus.Publish(ctx, domain.NewEvent(domain.EventTaskCreated, specID, "task", "t1", nil))
	bus.Publish(ctx, domain.NewEvent(domain.EventTaskDone, specID, "task", "t1", nil))
	bus.Publish(ctx, domain.NewEvent(domain.EventTaskDone, specID, "task", "t2", nil))

	if got := len(bus.Events()); got != 3 {
		t.Fatalf("events = %d, want 3", got)
	}
	if got := len(bus.OfType(domain.EventTaskDone)); got != 2 {
		t.Fatalf("done events = %d, want 2", got)
	}
}
