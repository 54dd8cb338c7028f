// Package identity classifies message senders as users or agents.
//
// Classification is a naming convention, not authentication: any sender
// whose identity starts with the reserved prefix is trusted as an agent.
// It lives behind a single type so a real identity system can replace it
// without touching routing logic.
package identity

import (
	"strings"
)

// DefaultAgentPrefix is the reserved identity prefix for human agents.
const DefaultAgentPrefix = "agent"

// Role is the routing classification of a message sender.
type Role string

const (
	// RoleUser marks an end-user conversation.
	RoleUser Role = "user"
	// RoleAgent marks a human agent.
	RoleAgent Role = "agent"
)

// Classifier decides the role of a sender identity.
type Classifier struct {
	prefix string
}

// NewClassifier creates a classifier for the given reserved prefix.
// An empty prefix falls back to DefaultAgentPrefix.
func NewClassifier(prefix string) *Classifier {
	if prefix == "" {
		prefix = DefaultAgentPrefix
	}
	return &Classifier{prefix: strings.ToLower(prefix)}
}

// Classify returns the role for a sender identity. The match is a
// case-insensitive prefix test against the reserved token.
func (c *Classifier) Classify(senderIdentity string) Role {
	if strings.HasPrefix(strings.ToLower(senderIdentity), c.prefix) {
		return RoleAgent
	}
	return RoleUser
}
