// Package bot is the terminal stage of the message pipeline: whatever the
// handoff router does not consume ends up here and gets an automated reply.
package bot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/relaydesk/handoff/internal/delivery"
	"github.com/relaydesk/handoff/internal/domain"
	"github.com/relaydesk/handoff/internal/handoff"
)

// Responder produces the automated reply for one turn. An empty reply with
// a nil error means the bot chose to stay silent.
type Responder interface {
	Respond(ctx context.Context, msg domain.InboundMessage) (string, error)
}

// Stage adapts a Responder into the pipeline's terminal stage, relaying the
// reply back to the sender's conversation.
func Stage(responder Responder, sender delivery.Sender) handoff.NextFunc {
	return func(ctx context.Context, msg domain.InboundMessage) error {
		reply, err := responder.Respond(ctx, msg)
		if err != nil {
			return fmt.Errorf("bot respond: %w", err)
		}
		if reply == "" {
			return nil
		}
		if err := sender.Send(ctx, msg.SenderAddress(), reply); err != nil {
			slog.Warn("Bot reply delivery failed",
				"conversation", msg.Conversation, "error", err)
		}
		return nil
	}
}

// EchoBot replies with the inbound text. The development default when no
// bot backend is configured.
type EchoBot struct{}

// Respond echoes the message text.
func (EchoBot) Respond(_ context.Context, msg domain.InboundMessage) (string, error) {
	return "Echo: " + msg.Text, nil
}

// HTTPBot forwards turns to an external bot backend as JSON over HTTP and
// returns its reply.
type HTTPBot struct {
	url    string
	client *http.Client
}

// NewHTTPBot creates a webhook-backed bot.
func NewHTTPBot(url string) *HTTPBot {
	return &HTTPBot{
		url: url,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type webhookReply struct {
	Reply string `json:"reply"`
}

// Respond posts the turn to the backend and decodes its reply.
func (b *HTTPBot) Respond(ctx context.Context, msg domain.InboundMessage) (string, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal bot request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build bot request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call bot backend: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Debug("Failed to close bot response body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("bot backend returned %d: %s", resp.StatusCode, body)
	}

	var reply webhookReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return "", fmt.Errorf("decode bot reply: %w", err)
	}
	return reply.Reply, nil
}
