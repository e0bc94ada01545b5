package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.C:
		return ev
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
		return Event{}
	}
}

func TestPublishDeliversToSubscribers(t *testing.T) {
	hub := NewHub(4)
	sub := hub.Subscribe()
	defer sub.Close()

	published := hub.Publish(RunnerStarted, map[string]string{"runner": "ping-worker"})

	ev := receive(t, sub)
	assert.Equal(t, published, ev)
	assert.Equal(t, RunnerStarted, ev.Type)
	assert.Equal(t, int64(1), ev.ID)
	assert.JSONEq(t, `{"runner":"ping-worker"}`, string(ev.Data))
}

func TestSubscribeFiltersByType(t *testing.T) {
	hub := NewHub(4)
	sub := hub.Subscribe(RunnerStopped)
	defer sub.Close()

	hub.Publish(RunnerStarted, nil)
	hub.Publish(RunnerStopped, map[string]string{"runner": "a"})

	ev := receive(t, sub)
	assert.Equal(t, RunnerStopped, ev.Type)
	assert.Equal(t, int64(2), ev.ID)
	assert.Empty(t, sub.C)
}

func TestEventDataEncodesAsJSON(t *testing.T) {
	hub := NewHub(4)
	hub.Publish(PoolResized, map[string]int{"from": 1, "to": 4})
	hub.Publish(RuntimeStopped, nil)

	events := hub.Since(0)
	require.Len(t, events, 2)
	b, err := json.Marshal(events[0])
	require.NoError(t, err)
	assert.Contains(t, string(b), `"data":{"from":1,"to":4}`)
	assert.Equal(t, "{}", string(events[1].Data))
}

func TestBacklogKeepsNewest(t *testing.T) {
	hub := NewHub(2)
	for i := 0; i < 5; i++ {
		hub.Publish(RunnerStopped, nil)
	}

	all := hub.Since(0)
	require.Len(t, all, 2)
	assert.Equal(t, int64(4), all[0].ID)
	assert.Equal(t, int64(5), all[1].ID)

	since := hub.Since(4)
	require.Len(t, since, 1)
	assert.Equal(t, int64(5), since[0].ID)

	assert.Empty(t, hub.Since(0, RunnerStarted))
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	hub := NewHub(1)
	sub := hub.Subscribe()
	defer sub.Close()

	for i := 0; i < subscriberBuffer+10; i++ {
		hub.Publish(RunnerStarted, nil)
	}
	assert.Len(t, sub.C, subscriberBuffer)
}

func TestCloseClosesChannel(t *testing.T) {
	hub := NewHub(0)
	sub := hub.Subscribe()
	sub.Close()
	sub.Close()

	_, open := <-sub.C
	assert.False(t, open)
	hub.Publish(RunnerStarted, nil)
}
