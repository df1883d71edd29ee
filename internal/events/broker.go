package events

import (
	"sync"

	"github.com/openride/taxi-dispatch/internal/models"
)

// Sink receives every ride status transition.
type Sink interface {
	Publish(ev models.RideEvent)
}

// Broker fans ride events out to subscribers: the WebSocket hub for
// admin views and the conversational layer's customer messaging.
// Publish never blocks the coordinator; a slow subscriber loses events
// rather than stalling dispatch.
type Broker struct {
	mu   sync.RWMutex
	subs map[int]chan models.RideEvent
	next int
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[int]chan models.RideEvent)}
}

// Subscribe returns a buffered event channel and a cancel func.
func (b *Broker) Subscribe() (<-chan models.RideEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan models.RideEvent, 64)
	b.subs[id] = ch
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

func (b *Broker) Publish(ev models.RideEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
