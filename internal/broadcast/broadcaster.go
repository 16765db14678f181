// Package broadcast fans engine events out to subscribers. Delivery is
// best effort: the engine publishes and moves on, state transitions never
// wait on or roll back for a failed notification.
package broadcast

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Broadcaster is the fan-out sink the engine publishes to.
type Broadcaster interface {
	Publish(topic string, payload interface{})
}

// Envelope is the wire format delivered to subscribers.
type Envelope struct {
	Topic     string      `json:"topic"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// Noop discards every event. Used when no fan-out is configured.
type Noop struct{}

func (Noop) Publish(string, interface{}) {}

// Capture records published events for assertions in tests. Set Clock to
// stamp envelopes from a fake clock; the zero value leaves timestamps
// zero.
type Capture struct {
	Clock clockwork.Clock

	mu     sync.Mutex
	events []Envelope
}

func (c *Capture) Publish(topic string, payload interface{}) {
	var now time.Time
	if c.Clock != nil {
		now = c.Clock.Now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, Envelope{Topic: topic, Payload: payload, Timestamp: now})
}

// Events returns everything published so far.
func (c *Capture) Events() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Envelope(nil), c.events...)
}

// Topics returns the published topics in order.
func (c *Capture) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.Topic
	}
	return out
}
