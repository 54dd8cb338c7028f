// Package api provides HTTP handlers for the handoff service.
package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/relaydesk/handoff/internal/directory"
	"github.com/relaydesk/handoff/internal/domain"
	"github.com/relaydesk/handoff/internal/handoff"
)

// maxRequestBodySize caps inbound message bodies (1MB).
const maxRequestBodySize = 1 << 20

// Handler serves the inbound-message and queue endpoints.
type Handler struct {
	router  *handoff.Service
	next    handoff.NextFunc
	dir     directory.Directory
	limiter *RateLimiter
}

// NewHandler creates a new Handler.
func NewHandler(router *handoff.Service, next handoff.NextFunc, dir directory.Directory, limiter *RateLimiter) *Handler {
	return &Handler{
		router:  router,
		next:    next,
		dir:     dir,
		limiter: limiter,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// RegisterRoutes registers the API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/messages", h.HandleMessage)
		r.Get("/queue", h.HandleQueue)
	})
}

// HandleMessage handles POST /api/messages: one inbound turn.
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var msg domain.InboundMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if msg.SenderIdentity == "" {
		Error(w, http.StatusBadRequest, "sender_identity is required")
		return
	}

	if h.limiter != nil && !h.limiter.Allow(msg.SenderIdentity) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	if err := h.router.Handle(r.Context(), msg, h.next); err != nil {
		Error(w, http.StatusInternalServerError, "failed to process message")
		return
	}

	JSON(w, http.StatusAccepted, map[string]string{
		"status":     "accepted",
		"message_id": uuid.New().String(),
	})
}

// queuedUserView is one row of the queue report.
type queuedUserView struct {
	Identity       string    `json:"identity"`
	DisplayName    string    `json:"display_name"`
	QueuedAt       time.Time `json:"queued_at"`
	WaitingSeconds float64   `json:"waiting_seconds"`
}

// HandleQueue handles GET /api/queue: the ops-facing queue report.
func (h *Handler) HandleQueue(w http.ResponseWriter, r *http.Request) {
	queued, err := h.dir.ListQueued(r.Context())
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to list queued users")
		return
	}

	now := time.Now()
	views := make([]queuedUserView, 0, len(queued))
	for _, user := range queued {
		if user.QueuedAt == nil {
			continue
		}
		views = append(views, queuedUserView{
			Identity:       user.Identity,
			DisplayName:    user.DisplayName,
			QueuedAt:       *user.QueuedAt,
			WaitingSeconds: user.WaitTime(now).Seconds(),
		})
	}
	sort.Slice(views, func(i, j int) bool {
		return views[i].QueuedAt.Before(views[j].QueuedAt)
	})

	JSON(w, http.StatusOK, map[string]interface{}{
		"count": len(views),
		"users": views,
	})
}
