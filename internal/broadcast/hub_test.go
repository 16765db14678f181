package broadcast

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubRegisterUnregister(t *testing.T) {
	hub := NewHub(context.Background(), clockwork.NewFakeClock(), zerolog.Nop())
	go hub.Run()
	defer hub.Stop()

	assert.Equal(t, 0, hub.ClientCount())

	client := &Client{id: "c1", hub: hub, send: make(chan []byte, 8), topics: make(map[string]bool)}
	hub.register <- client
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, hub.ClientCount())

	hub.unregister <- client
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, hub.ClientCount())
}

func TestHubDeliversToSubscriber(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	hub := NewHub(context.Background(), clock, zerolog.Nop())
	go hub.Run()
	defer hub.Stop()

	client := &Client{id: "c1", hub: hub, send: make(chan []byte, 8), topics: make(map[string]bool)}
	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	hub.Publish("status.changed", map[string]string{"hostId": "web-01"})

	select {
	case data := <-client.send:
		var env Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		assert.Equal(t, "status.changed", env.Topic)
		assert.True(t, env.Timestamp.Equal(clock.Now()), "envelope stamped from the injected clock")
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestHubTopicFilter(t *testing.T) {
	hub := NewHub(context.Background(), clockwork.NewFakeClock(), zerolog.Nop())
	go hub.Run()
	defer hub.Stop()

	client := &Client{id: "c1", hub: hub, send: make(chan []byte, 8), topics: make(map[string]bool)}
	client.setTopics([]string{"alert.created"})
	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	hub.Publish("status.changed", nil)
	hub.Publish("alert.created", nil)

	select {
	case data := <-client.send:
		var env Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		assert.Equal(t, "alert.created", env.Topic, "filtered topic must not arrive first")
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
	select {
	case data := <-client.send:
		t.Fatalf("unexpected second delivery: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubDropsSlowSubscriber(t *testing.T) {
	hub := NewHub(context.Background(), clockwork.NewFakeClock(), zerolog.Nop())
	go hub.Run()
	defer hub.Stop()

	// Unbuffered send channel with no reader: first delivery drops it.
	client := &Client{id: "slow", hub: hub, send: make(chan []byte), topics: make(map[string]bool)}
	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	hub.Publish("status.changed", nil)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 0, hub.ClientCount())
}

func TestHubPublishAfterStop(t *testing.T) {
	hub := NewHub(context.Background(), clockwork.NewFakeClock(), zerolog.Nop())
	go hub.Run()
	hub.Stop()

	// Must not block or panic.
	hub.Publish("status.changed", nil)
}

func TestCaptureRecordsOrder(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	c := Capture{Clock: clock}
	c.Publish("a", 1)
	clock.Advance(time.Minute)
	c.Publish("b", 2)

	assert.Equal(t, []string{"a", "b"}, c.Topics())
	events := c.Events()
	require.Len(t, events, 2)
	assert.Equal(t, 1, events[0].Payload)
	assert.Equal(t, time.Minute, events[1].Timestamp.Sub(events[0].Timestamp))
}
