package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corrflow/corrflow/pkg/models"
)

func TestPublishFanOut(t *testing.T) {
	b := New()
	defer b.Close()

	s1 := b.Subscribe()
	s2 := b.Subscribe()

	b.Publish(models.TriggerEvent{EventID: "e1", DriverID: "sensor"})

	for _, sub := range []*Subscription{s1, s2} {
		select {
		case ev := <-sub.Events():
			assert.Equal(t, "e1", ev.EventID)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe()
	b.Unsubscribe(sub)

	_, open := <-sub.Events()
	assert.False(t, open)

	// Publishing after unsubscribe must not panic.
	b.Publish(models.TriggerEvent{EventID: "e2"})
}

func TestOverflowDropsOldest(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe()
	for i := 0; i < DefaultBufferSize+10; i++ {
		b.Publish(models.TriggerEvent{EventID: "e"})
	}

	// The channel stays at capacity; the newest events survived.
	assert.Equal(t, DefaultBufferSize, len(sub.ch))
}

func TestCloseTerminatesSubscribers(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	b.Close()

	_, open := <-sub.Events()
	require.False(t, open)

	// Subscribe after close yields an already-closed channel.
	late := b.Subscribe()
	_, open = <-late.Events()
	assert.False(t, open)
}
