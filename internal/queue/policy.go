// Package queue selects which waiting user an agent should be handed.
package queue

import (
	"github.com/relaydesk/handoff/internal/domain"
)

// LongestWaiting returns the queued user with the earliest QueuedAt, or nil
// if the input is empty. Ties break by input order, first occurrence wins,
// so selection is deterministic for identical timestamps. The function is
// pure: it never mutates its input.
func LongestWaiting(queued []*domain.HandoffUser) *domain.HandoffUser {
	var best *domain.HandoffUser
	for _, user := range queued {
		if user == nil || user.QueuedAt == nil {
			continue
		}
		if best == nil || user.QueuedAt.Before(*best.QueuedAt) {
			best = user
		}
	}
	return best
}
