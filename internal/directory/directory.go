// Package directory provides the handoff user directory interface and
// implementations.
package directory

import (
	"context"
	"errors"
	"time"

	"github.com/relaydesk/handoff/internal/domain"
)

var (
	// ErrNotFound indicates no record exists for the given identity.
	ErrNotFound = errors.New("handoff user not found")
	// ErrNotQueued indicates a queued-state operation hit a record that is
	// no longer queued. Callers treat this as "retry selection or report".
	ErrNotQueued = errors.New("user is not queued")
	// ErrAgentBusy indicates the agent is already linked to another user.
	ErrAgentBusy = errors.New("agent is already connected to a user")
	// ErrWrongState indicates a transition was attempted from a state it is
	// not defined for. The turn is aborted and the record left unchanged.
	ErrWrongState = errors.New("record is not in the required state")
)

// Directory defines the capability contract for the shared user directory.
// Every state-mutating operation is atomic with respect to the record it
// touches; ConnectAgent additionally re-checks the queued state so two
// agents cannot claim the same user.
type Directory interface {
	// FindOrCreate returns the record for addr.Identity, creating it in
	// ConnectedToBot with an empty transcript if missing. Creation is
	// idempotent per identity, safe under concurrent calls.
	FindOrCreate(ctx context.Context, addr domain.Address) (*domain.HandoffUser, error)

	// AppendMessage appends one entry to the user's transcript.
	AppendMessage(ctx context.Context, identity, speaker, text string) error

	// Transcript returns the user's transcript, oldest first.
	Transcript(ctx context.Context, identity string) ([]domain.Message, error)

	// FindByAgentLink returns the at-most-one record linked to the given
	// agent identity, or ErrNotFound.
	FindByAgentLink(ctx context.Context, agentIdentity string) (*domain.HandoffUser, error)

	// ListQueued returns all records in QueuedForAgent state, in arbitrary
	// order. Ordering is the queue policy's job.
	ListQueued(ctx context.Context) ([]*domain.HandoffUser, error)

	// Enqueue moves a record from ConnectedToBot to QueuedForAgent and
	// stamps QueuedAt. Returns ErrWrongState if the record is not
	// connected to the bot.
	Enqueue(ctx context.Context, identity string, at time.Time) error

	// Dequeue moves a record from QueuedForAgent back to ConnectedToBot
	// and clears QueuedAt. Returns ErrNotQueued if the record is not queued.
	Dequeue(ctx context.Context, identity string) error

	// ConnectAgent moves a record from QueuedForAgent to ConnectedToAgent,
	// sets the agent link and clears QueuedAt. Returns ErrNotQueued if the
	// record left the queue since selection, ErrAgentBusy if the agent is
	// already linked elsewhere.
	ConnectAgent(ctx context.Context, identity string, agent domain.Address) error

	// ConnectBot moves a record from ConnectedToAgent back to
	// ConnectedToBot and clears the agent link. Returns ErrWrongState if
	// the record is not connected to an agent.
	ConnectBot(ctx context.Context, identity string) error

	// Ping verifies backing-store connectivity.
	Ping(ctx context.Context) error

	// Close releases backing-store resources.
	Close() error
}
