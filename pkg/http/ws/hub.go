package ws

import (
	"sync"

	"github.com/rs/zerolog"
)

// Hub manages WebSocket connections and fans topic events out to subscribers.
type Hub struct {
	mu            sync.RWMutex
	connections   map[string]*Connection         // conn_id -> connection
	topics        map[string]map[string]struct{} // topic -> conn_ids
	subscriptions map[string]map[string]struct{} // conn_id -> topics
	logger        zerolog.Logger
}

// NewHub creates a new WebSocket hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		connections:   make(map[string]*Connection),
		topics:        make(map[string]map[string]struct{}),
		subscriptions: make(map[string]map[string]struct{}),
		logger:        logger.With().Str("component", "ws_hub").Logger(),
	}
}

// RegisterConnection adds a connection under its id.
func (h *Hub) RegisterConnection(connID string, conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if old, exists := h.connections[connID]; exists {
		old.Close()
	}

	h.connections[connID] = conn
	h.logger.Debug().Str("conn_id", connID).Msg("connection registered")
}

// UnregisterConnection closes a connection and drops all of its subscriptions.
func (h *Hub) UnregisterConnection(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conn, exists := h.connections[connID]; exists {
		conn.Close()
		delete(h.connections, connID)
		h.logger.Debug().Str("conn_id", connID).Msg("connection unregistered")
	}

	for topic := range h.subscriptions[connID] {
		h.removeLocked(topic, connID)
	}
	delete(h.subscriptions, connID)
}

// Subscribe adds a connection to a topic. Repeated calls are no-ops.
func (h *Hub) Subscribe(connID, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.connections[connID]; !ok {
		return
	}
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[string]struct{})
		h.topics[topic] = subs
	}
	subs[connID] = struct{}{}

	mine, ok := h.subscriptions[connID]
	if !ok {
		mine = make(map[string]struct{})
		h.subscriptions[connID] = mine
	}
	mine[topic] = struct{}{}
}

// Unsubscribe removes a connection from a topic.
func (h *Hub) Unsubscribe(connID, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.removeLocked(topic, connID)
	delete(h.subscriptions[connID], topic)
}

func (h *Hub) removeLocked(topic, connID string) {
	subs := h.topics[topic]
	delete(subs, connID)
	if len(subs) == 0 {
		delete(h.topics, topic)
	}
}

// Broadcast sends a message to every subscriber of the topic and returns
// how many connections accepted it.
func (h *Hub) Broadcast(topic string, msg Message) (int, error) {
	h.mu.RLock()
	targets := make([]*Connection, 0, len(h.topics[topic]))
	ids := make([]string, 0, len(h.topics[topic]))
	for id := range h.topics[topic] {
		if conn, ok := h.connections[id]; ok {
			targets = append(targets, conn)
			ids = append(ids, id)
		}
	}
	h.mu.RUnlock()

	var firstErr error
	delivered := 0
	for i, conn := range targets {
		if err := conn.Send(msg); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			h.logger.Warn().Err(err).Str("conn_id", ids[i]).Str("topic", topic).Msg("broadcast send failed")
			continue
		}
		delivered++
	}
	return delivered, firstErr
}

// SendTo delivers a message to a specific connection.
func (h *Hub) SendTo(connID string, msg Message) error {
	h.mu.RLock()
	conn, exists := h.connections[connID]
	h.mu.RUnlock()

	if !exists {
		return ErrConnectionNotFound
	}

	return conn.Send(msg)
}

// CloseAll closes and drops every registered connection.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, conn := range h.connections {
		conn.Close()
		delete(h.connections, id)
	}
	h.topics = make(map[string]map[string]struct{})
	h.subscriptions = make(map[string]map[string]struct{})
}

// SubscriberCount returns the number of connections subscribed to topic.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// ConnectionCount returns the number of registered connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}
