package delivery

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/relaydesk/handoff/internal/domain"
)

// Hub tracks live WebSocket attachments per conversation and implements
// Sender over them. A conversation has at most one live connection; a new
// attach replaces the old one.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*websocket.Conn
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[string]*websocket.Conn)}
}

// Register attaches a connection for a conversation, closing any previous
// connection for the same conversation.
func (h *Hub) Register(conversation string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.conns[conversation]; ok && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "conversation reattached")
	}
	h.conns[conversation] = conn
	slog.Info("Conversation attached", "conversation", conversation)
}

// Unregister detaches a connection if it is still the active one.
func (h *Hub) Unregister(conversation string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if current, ok := h.conns[conversation]; ok && current == conn {
		delete(h.conns, conversation)
		slog.Info("Conversation detached", "conversation", conversation)
	}
}

// Attached reports whether a conversation has a live connection.
func (h *Hub) Attached(conversation string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[conversation]
	return ok
}

// outboundFrame is the wire shape of a proactive send.
type outboundFrame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Send delivers text to the conversation's live connection. Returns
// ErrUnreachable when the conversation has no attachment.
func (h *Hub) Send(ctx context.Context, to domain.Address, text string) error {
	h.mu.RLock()
	conn, ok := h.conns[to.Conversation]
	h.mu.RUnlock()

	if !ok {
		return ErrUnreachable
	}

	data, err := json.Marshal(outboundFrame{Type: "message", Text: text})
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Debug("WebSocket write error", "conversation", to.Conversation, "error", err)
		return err
	}
	return nil
}
