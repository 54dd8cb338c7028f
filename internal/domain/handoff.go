// Package domain contains core domain types for the handoff service.
package domain

import (
	"time"
)

// State identifies who currently owns a user's conversation.
type State string

const (
	// ConnectedToBot is the initial state: messages go to the bot stage.
	ConnectedToBot State = "connected_to_bot"
	// QueuedForAgent means the user is waiting for a human agent.
	QueuedForAgent State = "queued_for_agent"
	// ConnectedToAgent means messages are relayed to the linked agent.
	ConnectedToAgent State = "connected_to_agent"
)

// Address is an opaque, serializable handle sufficient for the delivery
// layer to route a proactive send back to one exact conversation.
type Address struct {
	Identity    string `json:"identity"`
	DisplayName string `json:"display_name,omitempty"`
	// Conversation is the delivery-layer routing key. It defaults to the
	// sender identity when the transport has no separate conversation ID.
	Conversation string `json:"conversation"`
}

// Message is a single transcript entry.
type Message struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// HandoffUser is the per-conversation routing record. One exists per
// distinct user identity; it is created on first contact and never deleted.
type HandoffUser struct {
	Identity    string     `json:"identity"`
	DisplayName string     `json:"display_name"`
	Address     Address    `json:"address"`
	State       State      `json:"state"`
	AgentLink   *Address   `json:"agent_link,omitempty"`
	QueuedAt    *time.Time `json:"queued_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// IsQueued returns true if the user is waiting for an agent.
func (u *HandoffUser) IsQueued() bool {
	return u.State == QueuedForAgent
}

// WaitTime returns how long the user has been queued as of now.
// Returns 0 if the user is not queued.
func (u *HandoffUser) WaitTime(now time.Time) time.Duration {
	if u.QueuedAt == nil {
		return 0
	}
	wait := now.Sub(*u.QueuedAt)
	if wait < 0 {
		return 0
	}
	return wait
}

// InboundMessage is one inbound turn as handed to the router.
type InboundMessage struct {
	SenderIdentity    string `json:"sender_identity"`
	SenderDisplayName string `json:"sender_display_name"`
	Text              string `json:"text"`
	Conversation      string `json:"conversation"`
}

// SenderAddress returns the deliverable address of the message sender.
func (m InboundMessage) SenderAddress() Address {
	conversation := m.Conversation
	if conversation == "" {
		conversation = m.SenderIdentity
	}
	return Address{
		Identity:     m.SenderIdentity,
		DisplayName:  m.SenderDisplayName,
		Conversation: conversation,
	}
}
