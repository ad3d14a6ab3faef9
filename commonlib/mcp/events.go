package mcp

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const subscriberBuffer = 32

// StatusEvent reports a connection status change. IDs are time-ordered and
// encoded as strings so JavaScript consumers keep every digit.
type StatusEvent struct {
	ID     int64            `json:"id,string,omitempty"`
	Name   string           `json:"name"`
	Status ConnectionStatus `json:"status"`
	Error  string           `json:"error,omitempty"`
	At     time.Time        `json:"at"`
}

// eventBus fans status events out to subscribers. Publishing never blocks:
// a subscriber whose buffer is full misses the event.
type eventBus struct {
	mu   sync.RWMutex
	subs map[string]chan StatusEvent
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[string]chan StatusEvent)}
}

func (b *eventBus) subscribe() (<-chan StatusEvent, func()) {
	id := uuid.New().String()
	ch := make(chan StatusEvent, subscriberBuffer)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *eventBus) publish(ev StatusEvent) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	dropped := 0
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			dropped++
		}
	}
	return dropped
}

func (b *eventBus) len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
