// Package websocket tracks live connections per identity and delivers
// real-time events to them. The Hub doubles as the presence tracker: an
// identity is online while it has at least one attached connection.
package websocket

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ehr/chat/internal/platform/metrics"
)

// EventUserStatus carries the online set to every connection.
const EventUserStatus = "userStatus"

// Event is the server-to-client envelope.
type Event struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ClientMessage is the client-to-server envelope.
type ClientMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode marshals data into a server-to-client envelope.
func Encode(event string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Event{Event: event, Data: raw, Timestamp: time.Now().UTC()})
}

// Client represents a single WebSocket connection of an authenticated identity.
type Client struct {
	ID     string
	UserID string
	Role   string
	Send   chan []byte

	limiter *rate.Limiter
}

// NewClient builds a client with a send buffer of size buf. A nil limiter
// disables inbound throttling.
func NewClient(id, userID, role string, buf int, limiter *rate.Limiter) *Client {
	return &Client{ID: id, UserID: userID, Role: role, Send: make(chan []byte, buf), limiter: limiter}
}

// Allow reports whether the client may submit another inbound event.
func (c *Client) Allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}

// Hub is the central connection manager. All operations are thread-safe via
// sync.RWMutex; sends happen under the read lock and never block.
type Hub struct {
	mu      sync.RWMutex
	users   map[string]map[*Client]struct{} // user id -> connections
	all     map[*Client]struct{}
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func NewHub(logger zerolog.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		users:   make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger.With().Str("component", "hub").Logger(),
		metrics: m,
	}
}

// Attach registers a connection. It returns true when this is the identity's
// first connection, in which case the new online set is broadcast to everyone.
// An extra device of an identity already online receives the current set.
func (h *Hub) Attach(client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; ok {
		return false
	}
	h.all[client] = struct{}{}
	h.metrics.ConnectionOpened()

	conns, ok := h.users[client.UserID]
	if !ok {
		conns = make(map[*Client]struct{})
		h.users[client.UserID] = conns
	}
	conns[client] = struct{}{}

	cameOnline := len(conns) == 1
	if cameOnline {
		h.broadcastStatusLocked()
	} else {
		h.sendStatusLocked(client)
	}
	return cameOnline
}

// Detach removes a connection and closes its Send channel. It returns true
// when the identity has no connections left; the new online set is then
// broadcast to the remaining connections.
func (h *Hub) Detach(client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return false
	}
	delete(h.all, client)
	close(client.Send)
	h.metrics.ConnectionClosed()

	conns := h.users[client.UserID]
	delete(conns, client)
	if len(conns) > 0 {
		return false
	}
	delete(h.users, client.UserID)
	h.broadcastStatusLocked()
	return true
}

func (h *Hub) broadcastStatusLocked() {
	online := h.onlineLocked()
	h.metrics.SetOnline(len(online))

	payload, err := Encode(EventUserStatus, online)
	if err != nil {
		h.logger.Error().Err(err).Msg("encode userStatus")
		return
	}
	for client := range h.all {
		h.trySend(client, EventUserStatus, payload)
	}
}

func (h *Hub) sendStatusLocked(client *Client) {
	payload, err := Encode(EventUserStatus, h.onlineLocked())
	if err != nil {
		h.logger.Error().Err(err).Msg("encode userStatus")
		return
	}
	h.trySend(client, EventUserStatus, payload)
}

func (h *Hub) onlineLocked() []string {
	online := make([]string, 0, len(h.users))
	for uid := range h.users {
		online = append(online, uid)
	}
	sort.Strings(online)
	return online
}

func (h *Hub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID]) > 0
}

// ListOnline returns the online identities in ascending order.
func (h *Hub) ListOnline() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.onlineLocked()
}

// Deliver queues an encoded event to every connection of userID and returns
// how many connections accepted it.
func (h *Hub) Deliver(userID, event string, payload []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for client := range h.users[userID] {
		if h.trySend(client, event, payload) {
			n++
		}
	}
	return n
}

// EmitToUser encodes and delivers an event to every connection of userID.
// An offline identity is not an error.
func (h *Hub) EmitToUser(_ context.Context, userID, event string, data interface{}) error {
	payload, err := Encode(event, data)
	if err != nil {
		return err
	}
	h.Deliver(userID, event, payload)
	return nil
}

// SendToClient delivers an event to one connection only.
func (h *Hub) SendToClient(client *Client, event string, data interface{}) error {
	payload, err := Encode(event, data)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.all[client]; ok {
		h.trySend(client, event, payload)
	}
	return nil
}

// trySend must be called with h.mu held.
func (h *Hub) trySend(client *Client, event string, payload []byte) bool {
	select {
	case client.Send <- payload:
		h.metrics.Emitted(event)
		return true
	default:
		// Client buffer full; skip to avoid blocking.
		h.metrics.Dropped(event)
		h.logger.Warn().Str("user_id", client.UserID).Str("client_id", client.ID).
			Str("event", event).Msg("send buffer full, event dropped")
		return false
	}
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// ConnectionCount returns the number of connections held by userID.
func (h *Hub) ConnectionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}
