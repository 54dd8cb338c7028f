package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/relaydesk/handoff/internal/delivery"
	"github.com/relaydesk/handoff/internal/domain"
	"github.com/relaydesk/handoff/internal/handoff"
)

// ChatHandler upgrades a conversation to a WebSocket: the connection is
// registered with the delivery hub for proactive sends, and inbound frames
// are fed through the message router.
type ChatHandler struct {
	router         *handoff.Service
	next           handoff.NextFunc
	hub            *delivery.Hub
	allowedOrigins []string
	isDev          bool
}

// NewChatHandler creates a new WebSocket chat handler.
func NewChatHandler(router *handoff.Service, next handoff.NextFunc, hub *delivery.Hub, allowedOrigins []string, isDev bool) *ChatHandler {
	return &ChatHandler{
		router:         router,
		next:           next,
		hub:            hub,
		allowedOrigins: allowedOrigins,
		isDev:          isDev,
	}
}

// inboundFrame is the wire shape of a client message.
type inboundFrame struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ServeHTTP implements http.Handler for the WebSocket upgrade.
func (h *ChatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity := r.URL.Query().Get("identity")
	if identity == "" {
		http.Error(w, "identity is required", http.StatusBadRequest)
		return
	}
	displayName := r.URL.Query().Get("name")
	conversation := r.URL.Query().Get("conversation")
	if conversation == "" {
		conversation = identity
	}

	slog.Info("Chat connection request",
		"identity", identity, "conversation", conversation, "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "identity", identity)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "conversation ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "identity", identity)
		}
	}()

	h.hub.Register(conversation, ws)
	defer h.hub.Unregister(conversation, ws)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	h.readLoop(ctx, ws, identity, displayName, conversation)
	slog.Info("Chat connection closed", "identity", identity, "conversation", conversation)
}

func (h *ChatHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	slog.Warn("WebSocket origin rejected", "origin", origin)
	return false
}

func (h *ChatHandler) readLoop(ctx context.Context, ws *websocket.Conn, identity, displayName, conversation string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "identity", identity)
			} else {
				slog.Warn("WebSocket read error", "error", err, "identity", identity)
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			// Fallback: treat the raw payload as message text.
			frame = inboundFrame{Type: "message", Text: string(data)}
		}

		switch frame.Type {
		case "ping":
			if err := h.writeJSON(ws, map[string]string{"type": "pong"}); err != nil {
				slog.Debug("Failed to send pong", "error", err)
			}
		case "message", "":
			msg := domain.InboundMessage{
				SenderIdentity:    identity,
				SenderDisplayName: displayName,
				Text:              frame.Text,
				Conversation:      conversation,
			}
			if err := h.router.Handle(ctx, msg, h.next); err != nil {
				slog.Error("Failed to route message", "error", err, "identity", identity)
			}
		default:
			slog.Debug("Ignoring unknown frame type", "type", frame.Type, "identity", identity)
		}
	}
}

func (h *ChatHandler) writeJSON(ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(context.Background(), websocket.MessageText, data)
}
