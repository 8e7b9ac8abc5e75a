package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe(4)
	defer b.Unsubscribe(sub)

	b.Publish(Event{Type: EventRoute, ModelID: "m1", CostUSD: 0.01})

	select {
	case e := <-sub.C:
		require.Equal(t, EventRoute, e.Type)
		require.Equal(t, "m1", e.ModelID)
		require.False(t, e.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe(1)
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: EventPackageDone})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
}

func TestUnsubscribeRemoves(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe(1)
	require.Equal(t, 1, b.SubscriberCount())
	b.Unsubscribe(sub)
	require.Equal(t, 0, b.SubscriberCount())
}

func TestEventJSON(t *testing.T) {
	e := Event{Type: EventEscalation, PackageID: "p1", ToModelID: "pro"}
	require.Contains(t, string(e.JSON()), `"ESCALATION"`)
	require.Contains(t, string(e.JSON()), `"to_model_id":"pro"`)
}
