package gateway

import (
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/harun/sandesh/pkg/bridge"
	"github.com/harun/sandesh/pkg/transport/loopback"
)

// Stream event names.
const (
	EventSessionCreated   = "session.created"
	EventSessionState     = "session.state"
	EventSessionQR        = "session.qr"
	EventSessionReply     = "session.reply"
	EventDeliveryFailed   = "session.delivery_failed"
	EventSessionPurged    = "session.purged"
	EventLoopbackOutbound = "loopback.outbound"
	EventServerShutdown   = "server.shutdown"
)

// idleAfter flags clients that have sent nothing, not even a pong, for a while.
const idleAfter = 5 * time.Minute

var notificationEvents = map[bridge.NotificationKind]string{
	bridge.NotifyCreated:        EventSessionCreated,
	bridge.NotifyStateChanged:   EventSessionState,
	bridge.NotifyChallenge:      EventSessionQR,
	bridge.NotifyReply:          EventSessionReply,
	bridge.NotifyDeliveryFailed: EventDeliveryFailed,
	bridge.NotifyPurged:         EventSessionPurged,
}

// Hub fans registry events out to websocket clients. A client whose write
// fails is dropped and its connection closed, which ends its read loop.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	seq     atomic.Int64
	logger  zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{clients: make(map[string]*Client), logger: logger}
}

// Join starts streaming to c.
func (h *Hub) Join(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
}

// Leave stops streaming to the client and reports whether it was joined.
func (h *Hub) Leave(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.clients[id]
	delete(h.clients, id)
	return ok
}

// Touch records activity from the client.
func (h *Hub) Touch(id string) {
	h.mu.Lock()
	if c, ok := h.clients[id]; ok {
		c.LastActivity = time.Now()
	}
	h.mu.Unlock()
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Clients describes every connected client, oldest first.
func (h *Hub) Clients() []ClientInfo {
	h.mu.RLock()
	now := time.Now()
	infos := make([]ClientInfo, 0, len(h.clients))
	for _, c := range h.clients {
		infos = append(infos, ClientInfo{
			ID:           c.ID,
			ConnectedAt:  c.ConnectedAt,
			LastActivity: c.LastActivity,
			IPAddress:    c.IPAddress,
			Session:      c.SessionFilter,
			Idle:         now.Sub(c.LastActivity) > idleAfter,
		})
	}
	h.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ConnectedAt.Before(infos[j].ConnectedAt) })
	return infos
}

// following returns the clients that see events of sessionID. Unfiltered
// clients see every session; an empty sessionID reaches everyone.
func (h *Hub) following(sessionID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		if sessionID == "" || c.SessionFilter == "" || c.SessionFilter == sessionID {
			out = append(out, c)
		}
	}
	return out
}

// Publish stamps and sends one event and returns how many clients got it.
func (h *Hub) Publish(event, sessionID string, data interface{}) int {
	msg := EventMessage{
		Type:      "event",
		Event:     event,
		Seq:       h.seq.Add(1),
		SessionID: sessionID,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("Failed to encode stream event")
		return 0
	}

	delivered := 0
	for _, c := range h.following(sessionID) {
		if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.logger.Warn().Err(err).Str("clientId", c.ID).Str("event", event).Msg("Dropping stream client")
			h.Leave(c.ID)
			_ = c.Conn.Close()
			continue
		}
		delivered++
	}

	h.logger.Debug().
		Str("event", event).
		Str("session_id", sessionID).
		Int64("seq", msg.Seq).
		Int("delivered", delivered).
		Msg("Stream event published")
	return delivered
}

// Notify forwards a registry notification. Kinds without a stream event are
// ignored.
func (h *Hub) Notify(n bridge.Notification) {
	if event, ok := notificationEvents[n.Kind]; ok {
		h.Publish(event, n.SessionID, n)
	}
}

// Outbound forwards a loopback reply.
func (h *Hub) Outbound(o loopback.Outbound) {
	h.Publish(EventLoopbackOutbound, o.SessionID, o)
}

// CloseAll says goodbye to every client and closes its connection.
func (h *Hub) CloseAll(reason string) int {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for id, c := range h.clients {
		clients = append(clients, c)
		delete(h.clients, id)
	}
	h.mu.Unlock()

	frame := websocket.FormatCloseMessage(websocket.CloseGoingAway, reason)
	for _, c := range clients {
		_ = c.WriteControl(websocket.CloseMessage, frame)
		_ = c.Conn.Close()
	}
	return len(clients)
}
