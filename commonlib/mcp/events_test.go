package mcp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEventBusFanOut(t *testing.T) {
	bus := newEventBus()
	a, unsubA := bus.subscribe()
	b, unsubB := bus.subscribe()
	defer unsubB()

	ev := StatusEvent{Name: "files", Status: StatusConnected, At: time.Now()}
	assert.Zero(t, bus.publish(ev))
	assert.Equal(t, ev, <-a)
	assert.Equal(t, ev, <-b)

	unsubA()
	unsubA()
	_, ok := <-a
	assert.False(t, ok)
	assert.Equal(t, 1, bus.len())
}

func TestEventBusDropsForSlowSubscriber(t *testing.T) {
	bus := newEventBus()
	_, unsub := bus.subscribe()
	defer unsub()

	for i := 0; i < subscriberBuffer; i++ {
		assert.Zero(t, bus.publish(StatusEvent{Name: "x"}))
	}
	assert.Equal(t, 1, bus.publish(StatusEvent{Name: "overflow"}))
}
