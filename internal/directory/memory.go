package directory

import (
	"context"
	"sync"
	"time"

	"github.com/relaydesk/handoff/internal/domain"
)

// MemoryDirectory implements Directory with an in-process map. All
// operations serialize on a single mutex; returned records are copies so
// callers never share mutable state with the directory.
type MemoryDirectory struct {
	mu      sync.Mutex
	users   map[string]*memoryRecord
	nowFunc func() time.Time
}

type memoryRecord struct {
	user       domain.HandoffUser
	transcript []domain.Message
}

// NewMemory creates an empty in-memory directory.
func NewMemory() *MemoryDirectory {
	return &MemoryDirectory{
		users:   make(map[string]*memoryRecord),
		nowFunc: time.Now,
	}
}

func (d *MemoryDirectory) snapshot(rec *memoryRecord) *domain.HandoffUser {
	u := rec.user
	if rec.user.AgentLink != nil {
		link := *rec.user.AgentLink
		u.AgentLink = &link
	}
	if rec.user.QueuedAt != nil {
		at := *rec.user.QueuedAt
		u.QueuedAt = &at
	}
	return &u
}

// FindOrCreate returns the record for addr.Identity, creating it if missing.
func (d *MemoryDirectory) FindOrCreate(_ context.Context, addr domain.Address) (*domain.HandoffUser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if rec, ok := d.users[addr.Identity]; ok {
		return d.snapshot(rec), nil
	}

	now := d.nowFunc()
	rec := &memoryRecord{
		user: domain.HandoffUser{
			Identity:    addr.Identity,
			DisplayName: addr.DisplayName,
			Address:     addr,
			State:       domain.ConnectedToBot,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
	}
	d.users[addr.Identity] = rec
	return d.snapshot(rec), nil
}

// AppendMessage appends one transcript entry.
func (d *MemoryDirectory) AppendMessage(_ context.Context, identity, speaker, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.users[identity]
	if !ok {
		return ErrNotFound
	}
	rec.transcript = append(rec.transcript, domain.Message{Speaker: speaker, Text: text})
	return nil
}

// Transcript returns a copy of the user's transcript, oldest first.
func (d *MemoryDirectory) Transcript(_ context.Context, identity string) ([]domain.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.users[identity]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]domain.Message, len(rec.transcript))
	copy(out, rec.transcript)
	return out, nil
}

// FindByAgentLink returns the record linked to the given agent identity.
func (d *MemoryDirectory) FindByAgentLink(_ context.Context, agentIdentity string) (*domain.HandoffUser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, rec := range d.users {
		if rec.user.AgentLink != nil && rec.user.AgentLink.Identity == agentIdentity {
			return d.snapshot(rec), nil
		}
	}
	return nil, ErrNotFound
}

// ListQueued returns all queued records in arbitrary order.
func (d *MemoryDirectory) ListQueued(_ context.Context) ([]*domain.HandoffUser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var queued []*domain.HandoffUser
	for _, rec := range d.users {
		if rec.user.State == domain.QueuedForAgent {
			queued = append(queued, d.snapshot(rec))
		}
	}
	return queued, nil
}

// Enqueue moves a record into QueuedForAgent.
func (d *MemoryDirectory) Enqueue(_ context.Context, identity string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.users[identity]
	if !ok {
		return ErrNotFound
	}
	if rec.user.State != domain.ConnectedToBot {
		return ErrWrongState
	}
	rec.user.State = domain.QueuedForAgent
	rec.user.QueuedAt = &at
	rec.user.UpdatedAt = d.nowFunc()
	return nil
}

// Dequeue moves a queued record back to ConnectedToBot.
func (d *MemoryDirectory) Dequeue(_ context.Context, identity string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.users[identity]
	if !ok {
		return ErrNotFound
	}
	if rec.user.State != domain.QueuedForAgent {
		return ErrNotQueued
	}
	rec.user.State = domain.ConnectedToBot
	rec.user.QueuedAt = nil
	rec.user.UpdatedAt = d.nowFunc()
	return nil
}

// ConnectAgent links a queued record to an agent. The queued-state check
// runs under the directory lock, closing the two-agents-one-user race.
func (d *MemoryDirectory) ConnectAgent(_ context.Context, identity string, agent domain.Address) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, rec := range d.users {
		if rec.user.AgentLink != nil && rec.user.AgentLink.Identity == agent.Identity {
			return ErrAgentBusy
		}
	}

	rec, ok := d.users[identity]
	if !ok {
		return ErrNotFound
	}
	if rec.user.State != domain.QueuedForAgent {
		return ErrNotQueued
	}
	link := agent
	rec.user.State = domain.ConnectedToAgent
	rec.user.AgentLink = &link
	rec.user.QueuedAt = nil
	rec.user.UpdatedAt = d.nowFunc()
	return nil
}

// ConnectBot returns an agent-connected record to the bot.
func (d *MemoryDirectory) ConnectBot(_ context.Context, identity string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.users[identity]
	if !ok {
		return ErrNotFound
	}
	if rec.user.State != domain.ConnectedToAgent {
		return ErrWrongState
	}
	rec.user.State = domain.ConnectedToBot
	rec.user.AgentLink = nil
	rec.user.QueuedAt = nil
	rec.user.UpdatedAt = d.nowFunc()
	return nil
}

// Ping always succeeds for the in-memory directory.
func (d *MemoryDirectory) Ping(_ context.Context) error { return nil }

// Close is a no-op for the in-memory directory.
func (d *MemoryDirectory) Close() error { return nil }
