package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	assert.Equal(t, 1, broker.SubscriberCount())

	broker.Publish(&Event{
		Type:      EventStepCompleted,
		ProcessID: "proc-1",
		StepID:    "step-1",
	})

	select {
	case ev := <-sub:
		assert.Equal(t, EventStepCompleted, ev.Type)
		assert.Equal(t, "proc-1", ev.ProcessID)
		assert.False(t, ev.Timestamp.IsZero(), "timestamp is stamped on publish")
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBrokerUnsubscribe(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	broker.Unsubscribe(sub)
	assert.Equal(t, 0, broker.SubscriberCount())

	// Channel is closed after unsubscribe.
	_, open := <-sub
	assert.False(t, open)

	// Double unsubscribe must not panic.
	broker.Unsubscribe(sub)
}

func TestBrokerSlowSubscriberDoesNotBlock(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	// Never drained; its buffer fills and further events are dropped for it.
	slow := broker.Subscribe()
	_ = slow

	fast := broker.Subscribe()

	for i := 0; i < 200; i++ {
		broker.Publish(&Event{Type: EventStepDispatched})
	}

	received := 0
	deadline := time.After(2 * time.Second)
	for received < 50 {
		select {
		case <-fast:
			received++
		case <-deadline:
			t.Fatalf("fast subscriber starved, got %d events", received)
		}
	}
	require.GreaterOrEqual(t, received, 50)
}
