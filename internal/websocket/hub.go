package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/dukerupert/nudge/internal/model"
	"github.com/dukerupert/nudge/internal/reminder"
)

// Message types sent to clients.
const (
	TypeEventCreated = "event_created"
	TypeEventUpdated = "event_updated"
	TypeEventDeleted = "event_deleted"
	typeReminder     = "reminder_"
)

// Message is a change notification pushed to every connected client.
type Message struct {
	Type    string       `json:"type"`
	EventID int64        `json:"event_id"`
	Event   *model.Event `json:"event,omitempty"`
	Attempt int          `json:"attempt,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// EventMessage announces a stored change to ev.
func EventMessage(typ string, ev *model.Event) Message {
	return Message{Type: typ, EventID: ev.ID, Event: ev}
}

// DeletedMessage announces that the event with id is gone.
func DeletedMessage(id int64) Message {
	return Message{Type: TypeEventDeleted, EventID: id}
}

// StatusMessage turns a delivery status into a message, e.g.
// "reminder_delivered" or "reminder_abandoned".
func StatusMessage(st reminder.Status) Message {
	msg := Message{
		Type:    typeReminder + string(st.Outcome),
		EventID: st.EventID,
		Attempt: st.Attempt,
	}
	if st.Err != nil {
		msg.Error = st.Err.Error()
	}
	return msg
}

// Hub tracks connected clients and fans messages out to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug("client connected", "clients", n)
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Broadcast queues msg for every client. Slow clients drop messages rather
// than block the caller.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal broadcast", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("client buffer full, dropping message", "type", msg.Type)
		}
	}
}

// PublishStatus broadcasts a delivery status. It matches the reminder
// service's status callback.
func (h *Hub) PublishStatus(st reminder.Status) {
	h.Broadcast(StatusMessage(st))
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
