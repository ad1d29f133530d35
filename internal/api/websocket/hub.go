// Package websocket streams coordination events to connected observers.
// The hub subscribes to the watch topics on the message bus and fans every
// delivery out to its clients; clients may narrow the stream with a filter.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	gws "github.com/gorilla/websocket"

	"corral/internal/bus"
	"corral/internal/model"
)

// watchTopics are the bus topics mirrored to websocket clients.
var watchTopics = []string{
	model.TopicAgentStatus,
	model.TopicAgentCommand,
	model.TopicEmergencyRaised,
	model.TopicEmergencyResolved,
	model.TopicConflictResolved,
	model.TopicBridgeHealth,
	model.TopicDeployment,
}

type Hub struct {
	bus      *bus.Bus
	upgrader gws.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
	subIDs  []string
}

type client struct {
	conn    *gws.Conn
	writeMu sync.Mutex

	filterMu sync.RWMutex
	topics   map[string]struct{} // empty means all watch topics
}

func NewHub(b *bus.Bus) *Hub {
	return &Hub{
		bus: b,
		upgrader: gws.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: map[*client]struct{}{},
	}
}

// Start subscribes the hub to every watch topic. Call once before serving.
func (h *Hub) Start() error {
	for _, topic := range watchTopics {
		id, err := h.bus.Subscribe(topic, "websocket-hub", h.relay)
		if err != nil {
			return err
		}
		h.mu.Lock()
		h.subIDs = append(h.subIDs, id)
		h.mu.Unlock()
	}
	return nil
}

// Stop detaches the hub from the bus.
func (h *Hub) Stop() {
	h.mu.Lock()
	ids := h.subIDs
	h.subIDs = nil
	h.mu.Unlock()
	for _, id := range ids {
		h.bus.Unsubscribe(id)
	}
}

func (h *Hub) relay(_ context.Context, msg model.Message) error {
	event := map[string]any{
		"type":       "event",
		"topic":      msg.Topic,
		"message_id": msg.ID,
		"priority":   string(msg.Priority),
		"payload":    msg.Payload,
		"created_at": msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if !c.wants(msg.Topic) {
			continue
		}
		_ = c.write(event)
	}
	return nil
}

func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{conn: conn, topics: map[string]struct{}{}}
	h.register(c)
	defer h.unregister(c)
	defer conn.Close()

	_ = c.write(map[string]any{"type": "ack", "topics": watchTopics})
	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req map[string]any
		if err := json.Unmarshal(b, &req); err != nil {
			_ = c.write(map[string]any{"type": "error", "code": "BAD_PAYLOAD", "message": "invalid JSON"})
			continue
		}
		msgType, _ := req["type"].(string)
		switch msgType {
		case "ping":
			_ = c.write(map[string]any{"type": "pong"})
		case "filter":
			c.setFilter(req["topics"])
			_ = c.write(map[string]any{"type": "ack", "filtered": true})
		default:
			_ = c.write(map[string]any{"type": "error", "code": "UNKNOWN_TYPE", "message": msgType})
		}
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *client) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(v)
}

func (c *client) wants(topic string) bool {
	c.filterMu.RLock()
	defer c.filterMu.RUnlock()
	if len(c.topics) == 0 {
		return true
	}
	_, ok := c.topics[topic]
	return ok
}

func (c *client) setFilter(raw any) {
	topics := map[string]struct{}{}
	if list, ok := raw.([]any); ok {
		for _, item := range list {
			if t, ok := item.(string); ok && t != "" {
				topics[t] = struct{}{}
			}
		}
	}
	c.filterMu.Lock()
	c.topics = topics
	c.filterMu.Unlock()
}
