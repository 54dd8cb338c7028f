package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/relaydesk/handoff/internal/delivery"
	"github.com/relaydesk/handoff/internal/directory"
	"github.com/relaydesk/handoff/internal/domain"
	"github.com/relaydesk/handoff/internal/handoff"
	"github.com/relaydesk/handoff/internal/identity"
)

func newChatHandler(t *testing.T, isDev bool, origins []string) *ChatHandler {
	t.Helper()
	dir := directory.NewMemory()
	hub := delivery.NewHub()
	router := handoff.NewService(dir, hub, identity.NewClassifier("agent"), "#", nil)
	next := func(ctx context.Context, msg domain.InboundMessage) error { return nil }
	return NewChatHandler(router, next, hub, origins, isDev)
}

func TestChatHandlerRequiresIdentity(t *testing.T) {
	h := newChatHandler(t, true, []string{"*"})

	req := httptest.NewRequest(http.MethodGet, "/ws/chat", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestChatHandlerRejectsOriginInProduction(t *testing.T) {
	h := newChatHandler(t, false, []string{"https://app.example"})

	req := httptest.NewRequest(http.MethodGet, "/ws/chat?identity=user1", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}
}

func TestChatHandlerAllowsAnyOriginInDev(t *testing.T) {
	h := newChatHandler(t, true, nil)

	req := httptest.NewRequest(http.MethodGet, "/ws/chat?identity=user1", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	// The origin check passes; the upgrade itself fails because this is
	// not a real WebSocket handshake.
	if rec.Code == http.StatusForbidden {
		t.Error("dev mode must not reject origins")
	}
}
