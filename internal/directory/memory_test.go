package directory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/relaydesk/handoff/internal/domain"
)

func addr(identity, name string) domain.Address {
	return domain.Address{Identity: identity, DisplayName: name, Conversation: identity}
}

func TestMemoryFindOrCreate(t *testing.T) {
	dir := NewMemory()
	ctx := context.Background()

	user, err := dir.FindOrCreate(ctx, addr("user1", "Alice"))
	if err != nil {
		t.Fatalf("FindOrCreate failed: %v", err)
	}
	if user.State != domain.ConnectedToBot {
		t.Errorf("new user state = %v, want %v", user.State, domain.ConnectedToBot)
	}
	if user.AgentLink != nil || user.QueuedAt != nil {
		t.Error("new user should have no agent link and no queued timestamp")
	}

	// Second call returns the existing record, state intact.
	if err := dir.Enqueue(ctx, "user1", time.Now()); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	again, err := dir.FindOrCreate(ctx, addr("user1", "Alice"))
	if err != nil {
		t.Fatalf("second FindOrCreate failed: %v", err)
	}
	if again.State != domain.QueuedForAgent {
		t.Errorf("existing user state = %v, want %v", again.State, domain.QueuedForAgent)
	}
}

func TestMemoryReturnsCopies(t *testing.T) {
	dir := NewMemory()
	ctx := context.Background()

	user, _ := dir.FindOrCreate(ctx, addr("user1", "Alice"))
	user.State = domain.ConnectedToAgent
	user.DisplayName = "Mallory"

	fresh, _ := dir.FindOrCreate(ctx, addr("user1", "Alice"))
	if fresh.State != domain.ConnectedToBot || fresh.DisplayName != "Alice" {
		t.Error("mutating a returned record must not affect the stored one")
	}
}

func TestMemoryTranscript(t *testing.T) {
	dir := NewMemory()
	ctx := context.Background()

	if err := dir.AppendMessage(ctx, "ghost", "Ghost", "boo"); !errors.Is(err, ErrNotFound) {
		t.Errorf("AppendMessage for unknown user = %v, want ErrNotFound", err)
	}
	if _, err := dir.Transcript(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Transcript for unknown user = %v, want ErrNotFound", err)
	}

	dir.FindOrCreate(ctx, addr("user1", "Alice"))
	for _, text := range []string{"first", "second", "third"} {
		if err := dir.AppendMessage(ctx, "user1", "Alice", text); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
	}

	transcript, err := dir.Transcript(ctx, "user1")
	if err != nil {
		t.Fatalf("Transcript failed: %v", err)
	}
	if len(transcript) != 3 {
		t.Fatalf("transcript length = %d, want 3", len(transcript))
	}
	for i, want := range []string{"first", "second", "third"} {
		if transcript[i].Text != want {
			t.Errorf("transcript[%d].Text = %q, want %q", i, transcript[i].Text, want)
		}
	}
}

func TestMemoryQueueLifecycle(t *testing.T) {
	dir := NewMemory()
	ctx := context.Background()
	queuedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	dir.FindOrCreate(ctx, addr("user1", "Alice"))

	if err := dir.Dequeue(ctx, "user1"); !errors.Is(err, ErrNotQueued) {
		t.Errorf("Dequeue before Enqueue = %v, want ErrNotQueued", err)
	}

	if err := dir.Enqueue(ctx, "user1", queuedAt); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	user, _ := dir.FindOrCreate(ctx, addr("user1", "Alice"))
	if user.State != domain.QueuedForAgent {
		t.Errorf("state = %v, want %v", user.State, domain.QueuedForAgent)
	}
	if user.QueuedAt == nil || !user.QueuedAt.Equal(queuedAt) {
		t.Errorf("QueuedAt = %v, want %v", user.QueuedAt, queuedAt)
	}

	if err := dir.Enqueue(ctx, "user1", queuedAt); !errors.Is(err, ErrWrongState) {
		t.Errorf("double Enqueue = %v, want ErrWrongState", err)
	}

	queued, err := dir.ListQueued(ctx)
	if err != nil {
		t.Fatalf("ListQueued failed: %v", err)
	}
	if len(queued) != 1 || queued[0].Identity != "user1" {
		t.Errorf("ListQueued = %v, want [user1]", queued)
	}

	if err := dir.Dequeue(ctx, "user1"); err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	user, _ = dir.FindOrCreate(ctx, addr("user1", "Alice"))
	if user.State != domain.ConnectedToBot || user.QueuedAt != nil {
		t.Errorf("after Dequeue: state = %v, QueuedAt = %v", user.State, user.QueuedAt)
	}
}

func TestMemoryConnectAgent(t *testing.T) {
	dir := NewMemory()
	ctx := context.Background()
	agent := addr("agent1", "Pat")

	dir.FindOrCreate(ctx, addr("user1", "Alice"))

	if err := dir.ConnectAgent(ctx, "user1", agent); !errors.Is(err, ErrNotQueued) {
		t.Errorf("ConnectAgent on bot-connected user = %v, want ErrNotQueued", err)
	}
	if err := dir.ConnectAgent(ctx, "ghost", agent); !errors.Is(err, ErrNotFound) {
		t.Errorf("ConnectAgent on unknown user = %v, want ErrNotFound", err)
	}

	dir.Enqueue(ctx, "user1", time.Now())
	if err := dir.ConnectAgent(ctx, "user1", agent); err != nil {
		t.Fatalf("ConnectAgent failed: %v", err)
	}

	user, _ := dir.FindOrCreate(ctx, addr("user1", "Alice"))
	if user.State != domain.ConnectedToAgent {
		t.Errorf("state = %v, want %v", user.State, domain.ConnectedToAgent)
	}
	if user.AgentLink == nil || user.AgentLink.Identity != "agent1" {
		t.Errorf("AgentLink = %v, want agent1", user.AgentLink)
	}
	if user.QueuedAt != nil {
		t.Error("QueuedAt should be cleared after connect")
	}

	linked, err := dir.FindByAgentLink(ctx, "agent1")
	if err != nil {
		t.Fatalf("FindByAgentLink failed: %v", err)
	}
	if linked.Identity != "user1" {
		t.Errorf("FindByAgentLink = %v, want user1", linked.Identity)
	}

	// An agent holds at most one user at a time.
	dir.FindOrCreate(ctx, addr("user2", "Bob"))
	dir.Enqueue(ctx, "user2", time.Now())
	if err := dir.ConnectAgent(ctx, "user2", agent); !errors.Is(err, ErrAgentBusy) {
		t.Errorf("second ConnectAgent for same agent = %v, want ErrAgentBusy", err)
	}
}

func TestMemoryConnectBot(t *testing.T) {
	dir := NewMemory()
	ctx := context.Background()

	dir.FindOrCreate(ctx, addr("user1", "Alice"))

	if err := dir.ConnectBot(ctx, "user1"); !errors.Is(err, ErrWrongState) {
		t.Errorf("ConnectBot on bot-connected user = %v, want ErrWrongState", err)
	}

	dir.Enqueue(ctx, "user1", time.Now())
	dir.ConnectAgent(ctx, "user1", addr("agent1", "Pat"))

	if err := dir.ConnectBot(ctx, "user1"); err != nil {
		t.Fatalf("ConnectBot failed: %v", err)
	}
	user, _ := dir.FindOrCreate(ctx, addr("user1", "Alice"))
	if user.State != domain.ConnectedToBot || user.AgentLink != nil {
		t.Errorf("after ConnectBot: state = %v, AgentLink = %v", user.State, user.AgentLink)
	}
	if _, err := dir.FindByAgentLink(ctx, "agent1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindByAgentLink after disconnect = %v, want ErrNotFound", err)
	}
}

func TestMemoryConnectAgentRace(t *testing.T) {
	dir := NewMemory()
	ctx := context.Background()

	dir.FindOrCreate(ctx, addr("user1", "Alice"))
	dir.Enqueue(ctx, "user1", time.Now())

	const agents = 8
	results := make([]error, agents)
	var wg sync.WaitGroup
	for i := 0; i < agents; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			agent := addr("agent"+string(rune('a'+i)), "")
			results[i] = dir.ConnectAgent(ctx, "user1", agent)
		}(i)
	}
	wg.Wait()

	var wins int
	for _, err := range results {
		if err == nil {
			wins++
		} else if !errors.Is(err, ErrNotQueued) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("exactly one agent must win the queued user, got %d", wins)
	}
}
