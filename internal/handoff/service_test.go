package handoff

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydesk/handoff/internal/delivery"
	"github.com/relaydesk/handoff/internal/directory"
	"github.com/relaydesk/handoff/internal/domain"
	"github.com/relaydesk/handoff/internal/identity"
)

// nextRecorder captures pipeline fallthroughs.
type nextRecorder struct {
	mu    sync.Mutex
	calls []domain.InboundMessage
}

func (n *nextRecorder) next(_ context.Context, msg domain.InboundMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, msg)
	return nil
}

func (n *nextRecorder) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

type fixture struct {
	svc  *Service
	dir  *directory.MemoryDirectory
	out  *delivery.Recorder
	next *nextRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := directory.NewMemory()
	out := delivery.NewRecorder()
	svc := NewService(dir, out, identity.NewClassifier("agent"), "#", nil)
	return &fixture{svc: svc, dir: dir, out: out, next: &nextRecorder{}}
}

func (f *fixture) handle(t *testing.T, sender, name, text string) {
	t.Helper()
	msg := domain.InboundMessage{SenderIdentity: sender, SenderDisplayName: name, Text: text}
	require.NoError(t, f.svc.Handle(context.Background(), msg, f.next.next))
}

func (f *fixture) userState(t *testing.T, identity string) domain.State {
	t.Helper()
	user, err := f.dir.FindOrCreate(context.Background(), domain.Address{Identity: identity, Conversation: identity})
	require.NoError(t, err)
	return user.State
}

func TestPlainUserMessageReachesBot(t *testing.T) {
	f := newFixture(t)

	f.handle(t, "user1", "Alice", "hello there")

	assert.Equal(t, 1, f.next.count())
	assert.Equal(t, domain.ConnectedToBot, f.userState(t, "user1"))

	transcript, err := f.dir.Transcript(context.Background(), "user1")
	require.NoError(t, err)
	require.Len(t, transcript, 1)
	assert.Equal(t, "hello there", transcript[0].Text)
	assert.Equal(t, "Alice", transcript[0].Speaker)
}

func TestEmptyTextPassesThrough(t *testing.T) {
	f := newFixture(t)

	f.handle(t, "user1", "Alice", "   ")

	assert.Equal(t, 1, f.next.count())
	// Blank turns are not recorded: no user record is created.
	_, err := f.dir.Transcript(context.Background(), "user1")
	assert.ErrorIs(t, err, directory.ErrNotFound)
}

func TestAgentKeywordQueuesUser(t *testing.T) {
	f := newFixture(t)

	f.handle(t, "user1", "Alice", "Agent")

	assert.Equal(t, domain.QueuedForAgent, f.userState(t, "user1"))
	assert.Zero(t, f.next.count(), "keyword turn must not reach the bot")
	assert.Equal(t, []string{"Putting you in queue for agent"}, f.out.SendsTo("user1"))
}

func TestKeywordRequiresWholeMessage(t *testing.T) {
	f := newFixture(t)

	f.handle(t, "user1", "Alice", "I want an agent please")

	assert.Equal(t, domain.ConnectedToBot, f.userState(t, "user1"))
	assert.Equal(t, 1, f.next.count(), "non-keyword turn goes to the bot")
}

func TestQueuedUserMessagesAreHeld(t *testing.T) {
	f := newFixture(t)

	f.handle(t, "user1", "Alice", "agent")
	f.handle(t, "user1", "Alice", "anyone there?")

	assert.Equal(t, domain.QueuedForAgent, f.userState(t, "user1"))
	assert.Zero(t, f.next.count(), "held turns must not reach the bot")

	// The held message still lands in the transcript.
	transcript, err := f.dir.Transcript(context.Background(), "user1")
	require.NoError(t, err)
	require.Len(t, transcript, 2)
	assert.Equal(t, "anyone there?", transcript[1].Text)
}

func TestQueuedUserCanDisconnect(t *testing.T) {
	f := newFixture(t)

	f.handle(t, "user1", "Alice", "agent")
	f.handle(t, "user1", "Alice", "DISCONNECT")

	assert.Equal(t, domain.ConnectedToBot, f.userState(t, "user1"))
	assert.Equal(t, []string{
		"Putting you in queue for agent",
		"You are reconnected to the bot",
	}, f.out.SendsTo("user1"))
}

func TestConnectedUserMessagesRelayToAgent(t *testing.T) {
	f := newFixture(t)

	f.handle(t, "user1", "Alice", "agent")
	f.handle(t, "agent1", "Pat", "#connect")
	f.handle(t, "user1", "Alice", "my order is missing")

	assert.Zero(t, f.next.count(), "relayed turns must not reach the bot")
	sends := f.out.SendsTo("agent1")
	require.NotEmpty(t, sends)
	assert.Equal(t, "my order is missing", sends[len(sends)-1])
}

func TestConnectedUserDisconnectNotifiesBothSides(t *testing.T) {
	f := newFixture(t)

	f.handle(t, "user1", "Alice", "agent")
	f.handle(t, "agent1", "Pat", "#connect")
	f.handle(t, "user1", "Alice", "disconnect")

	assert.Equal(t, domain.ConnectedToBot, f.userState(t, "user1"))

	userSends := f.out.SendsTo("user1")
	require.NotEmpty(t, userSends)
	assert.Equal(t, "You are reconnected to the bot", userSends[len(userSends)-1])

	agentSends := f.out.SendsTo("agent1")
	require.NotEmpty(t, agentSends)
	assert.Equal(t, "You are reconnected to the bot", agentSends[len(agentSends)-1])

	// The link is gone: the agent can take the next user.
	_, err := f.dir.FindByAgentLink(context.Background(), "agent1")
	assert.ErrorIs(t, err, directory.ErrNotFound)
}

func TestDeliveryFailureDoesNotRollBackTransition(t *testing.T) {
	f := newFixture(t)
	f.out.FailFor["user1"] = true

	f.handle(t, "user1", "Alice", "agent")

	assert.Equal(t, domain.QueuedForAgent, f.userState(t, "user1"),
		"transition commits even when the confirmation cannot be delivered")
	assert.Empty(t, f.out.SendsTo("user1"))
}

func TestTranscriptSpansAllStates(t *testing.T) {
	f := newFixture(t)

	f.handle(t, "user1", "Alice", "hello bot")
	f.handle(t, "user1", "Alice", "agent")
	f.handle(t, "user1", "Alice", "waiting...")
	f.handle(t, "agent1", "Pat", "#connect")
	f.handle(t, "user1", "Alice", "hi agent")

	transcript, err := f.dir.Transcript(context.Background(), "user1")
	require.NoError(t, err)
	texts := make([]string, len(transcript))
	for i, m := range transcript {
		texts[i] = m.Text
	}
	assert.Equal(t, []string{"hello bot", "agent", "waiting...", "hi agent"}, texts)
}

func TestConcurrentTurnsForDistinctUsers(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	users := []string{"user1", "user2", "user3", "user4"}
	for _, u := range users {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			msg := domain.InboundMessage{SenderIdentity: u, Text: "agent"}
			assert.NoError(t, f.svc.Handle(context.Background(), msg, f.next.next))
		}(u)
	}
	wg.Wait()

	queued, err := f.dir.ListQueued(context.Background())
	require.NoError(t, err)
	assert.Len(t, queued, len(users))
}

func TestKeywordMatchTrimsAndIgnoresCase(t *testing.T) {
	tests := []struct {
		text    string
		keyword string
		want    bool
	}{
		{"agent", "agent", true},
		{"  AGENT  ", "agent", true},
		{"Agent", "agent", true},
		{"agents", "agent", false},
		{"call an agent", "agent", false},
		{"", "agent", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, keywordIs(tt.text, tt.keyword), "keywordIs(%q, %q)", tt.text, tt.keyword)
	}
}

func TestStaleQueueStateIsTolerated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.handle(t, "user1", "Alice", "agent")

	// The record moved out of the queue behind the router's back.
	require.NoError(t, f.dir.ConnectAgent(ctx, "user1", domain.Address{Identity: "agent9", Conversation: "agent9"}))

	// A racing disconnect of the now-connected record is a logged no-op
	// when the directory reports it already moved.
	user := &domain.HandoffUser{
		Identity: "user1",
		State:    domain.QueuedForAgent,
		Address:  domain.Address{Identity: "user1", Conversation: "user1"},
	}
	require.NoError(t, f.svc.leaveQueue(ctx, user))
	assert.Equal(t, domain.ConnectedToAgent, f.userState(t, "user1"))
}

func TestQueuedTimestampUsesServiceClock(t *testing.T) {
	f := newFixture(t)
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f.svc.nowFunc = func() time.Time { return at }

	f.handle(t, "user1", "Alice", "agent")

	queued, err := f.dir.ListQueued(context.Background())
	require.NoError(t, err)
	require.Len(t, queued, 1)
	require.NotNil(t, queued[0].QueuedAt)
	assert.True(t, queued[0].QueuedAt.Equal(at))
}
