package events

import (
	"context"
	"sync"

	"tenauth.org/internal/authz"
	"tenauth.org/internal/obs"
)

// Bus fans out domain events to all active subscribers (SSE clients,
// audit writers). It satisfies the engine's sink interface: Publish never
// blocks and never reports failure back to the caller.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan authz.Event
	next int
}

// New initialises an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]chan authz.Event)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (b *Bus) Subscribe(ctx context.Context) <-chan authz.Event {
	ch := make(chan authz.Event, 16)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

// Publish delivers the event to every subscriber without blocking.
func (b *Bus) Publish(evt authz.Event) {
	obs.EventPublished(evt.Action)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
