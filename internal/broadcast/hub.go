package broadcast

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/hostpulse/hostpulse/internal/metrics"
)

// Hub delivers published events to connected websocket subscribers. Each
// subscriber can narrow delivery to a set of topics; by default it
// receives everything.
type Hub struct {
	log   zerolog.Logger
	clock clockwork.Clock

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan Envelope

	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

func NewHub(ctx context.Context, clock clockwork.Clock, log zerolog.Logger) *Hub {
	hubCtx, cancel := context.WithCancel(ctx)
	return &Hub{
		log:        log.With().Str("component", "broadcast").Logger(),
		clock:      clock,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan Envelope, 256),
		ctx:        hubCtx,
		cancel:     cancel,
	}
}

// Run owns the client set until the context is cancelled.
func (h *Hub) Run() {
	for {
		select {
		case <-h.ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			metrics.ConnectedClients.Inc()
			h.log.Debug().Str("client", client.id).Msg("subscriber connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				metrics.ConnectedClients.Dec()
			}
			h.mu.Unlock()

		case env := <-h.broadcast:
			h.deliver(env)
		}
	}
}

func (h *Hub) deliver(env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		metrics.PublishFailures.Inc()
		h.log.Error().Err(err).Str("topic", env.Topic).Msg("marshal event")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if !client.wants(env.Topic) {
			continue
		}
		select {
		case client.send <- data:
		default:
			// Subscriber can't keep up; drop it rather than block the
			// rest of the fan-out.
			metrics.PublishFailures.Inc()
			h.log.Warn().Str("client", client.id).Str("topic", env.Topic).Msg("subscriber buffer full, dropping")
			delete(h.clients, client)
			close(client.send)
			metrics.ConnectedClients.Dec()
		}
	}
}

// Publish queues an event for fan-out. Never blocks the caller: when the
// hub is saturated or stopped the event is counted as a failed publish
// and dropped.
func (h *Hub) Publish(topic string, payload interface{}) {
	env := Envelope{Topic: topic, Payload: payload, Timestamp: h.clock.Now()}
	select {
	case h.broadcast <- env:
	case <-h.ctx.Done():
		metrics.PublishFailures.Inc()
	default:
		metrics.PublishFailures.Inc()
		h.log.Warn().Str("topic", topic).Msg("broadcast queue full, event dropped")
	}
}

// Stop disconnects every subscriber and halts the hub loop.
func (h *Hub) Stop() {
	h.cancel()
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
		metrics.ConnectedClients.Dec()
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
