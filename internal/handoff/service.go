// Package handoff implements the conversation routing core: the per-user
// state machine, the agent command interpreter, and the queue handoff flow,
// all over a shared user directory.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/relaydesk/handoff/internal/delivery"
	"github.com/relaydesk/handoff/internal/directory"
	"github.com/relaydesk/handoff/internal/domain"
	"github.com/relaydesk/handoff/internal/identity"
	"github.com/relaydesk/handoff/internal/metrics"
	"github.com/relaydesk/handoff/internal/queue"
)

// DefaultCommandMarker prefixes agent control commands.
const DefaultCommandMarker = "#"

// Reserved user keywords, matched case-insensitively against the entire
// trimmed message text.
const (
	keywordAgent      = "agent"
	keywordDisconnect = "disconnect"
)

// User-visible notification texts.
const (
	msgQueued           = "Putting you in queue for agent"
	msgReconnected      = "You are reconnected to the bot"
	msgNoQueuedUsers    = "No queued users"
	msgAlreadyConnected = "You are currently connected to a user. You must disconnect first."
	msgHistoryOnly      = "This command is only valid when connected to a user"
	msgHistoryBegin     = "Beginning message history"
	msgHistoryEnd       = "End of messages"
)

// ErrMissingAgentLink reports a connected record without an agent link.
// The turn is aborted and the record left unchanged.
var ErrMissingAgentLink = errors.New("no agent link registered for connected user")

// NextFunc is the next stage of the message pipeline. The router invokes it
// for every turn it does not consume.
type NextFunc func(ctx context.Context, msg domain.InboundMessage) error

// Service is the message router. Each inbound message is one turn; turns
// for the same user or agent identity serialize on a keyed lock, turns for
// unrelated identities run concurrently.
//
// Delivery policy: state transitions commit to the directory first; a
// failed outbound send is logged and counted but never rolls a transition
// back.
type Service struct {
	dir        directory.Directory
	sender     delivery.Sender
	classifier *identity.Classifier
	marker     string
	locks      *keyedMutex
	metrics    *metrics.Metrics
	nowFunc    func() time.Time
}

// NewService creates the routing core. Metrics may be nil.
func NewService(dir directory.Directory, sender delivery.Sender, classifier *identity.Classifier, marker string, m *metrics.Metrics) *Service {
	if classifier == nil {
		classifier = identity.NewClassifier(identity.DefaultAgentPrefix)
	}
	if marker == "" {
		marker = DefaultCommandMarker
	}
	return &Service{
		dir:        dir,
		sender:     sender,
		classifier: classifier,
		marker:     marker,
		locks:      newKeyedMutex(),
		metrics:    m,
		nowFunc:    time.Now,
	}
}

// Handle processes one inbound turn. Turns the router does not consume are
// forwarded to next; the router never silently drops a message it does not
// recognize.
func (s *Service) Handle(ctx context.Context, msg domain.InboundMessage, next NextFunc) error {
	if next == nil {
		next = func(context.Context, domain.InboundMessage) error { return nil }
	}

	if strings.TrimSpace(msg.Text) == "" {
		slog.Debug("Turn carries no text, passing through", "sender", msg.SenderIdentity)
		return next(ctx, msg)
	}

	if s.classifier.Classify(msg.SenderIdentity) == identity.RoleAgent {
		return s.handleAgentTurn(ctx, msg, next)
	}
	return s.handleUserTurn(ctx, msg, next)
}

// handleUserTurn looks up or creates the user record, appends the message
// to the transcript, then applies at most one state transition.
func (s *Service) handleUserTurn(ctx context.Context, msg domain.InboundMessage, next NextFunc) error {
	unlock := s.locks.lock("user:" + msg.SenderIdentity)
	defer unlock()

	user, err := s.dir.FindOrCreate(ctx, msg.SenderAddress())
	if err != nil {
		return fmt.Errorf("find or create user: %w", err)
	}

	speaker := msg.SenderDisplayName
	if speaker == "" {
		speaker = user.DisplayName
	}
	if err := s.dir.AppendMessage(ctx, user.Identity, speaker, msg.Text); err != nil {
		return fmt.Errorf("append transcript: %w", err)
	}

	switch user.State {
	case domain.ConnectedToAgent:
		if user.AgentLink == nil {
			return fmt.Errorf("%w: %s", ErrMissingAgentLink, user.Identity)
		}
		if keywordIs(msg.Text, keywordDisconnect) {
			s.countTurn("user", "disconnected")
			return s.disconnectFromAgent(ctx, user)
		}
		// Relay verbatim to the linked agent; the bot never sees it.
		s.deliver(ctx, *user.AgentLink, msg.Text)
		s.countTurn("user", "forwarded")
		return nil

	case domain.QueuedForAgent:
		if keywordIs(msg.Text, keywordDisconnect) {
			return s.leaveQueue(ctx, user)
		}
		// User is on hold: recorded in the transcript, forwarded nowhere.
		s.countTurn("user", "held")
		return nil

	default: // ConnectedToBot
		if keywordIs(msg.Text, keywordAgent) {
			return s.enterQueue(ctx, user)
		}
		s.countTurn("user", "bot")
		return next(ctx, msg)
	}
}

// enterQueue moves a bot-connected user into the waiting queue.
func (s *Service) enterQueue(ctx context.Context, user *domain.HandoffUser) error {
	if err := s.dir.Enqueue(ctx, user.Identity, s.nowFunc()); err != nil {
		if errors.Is(err, directory.ErrWrongState) {
			slog.Info("Enqueue skipped, record already moved", "user_id", user.Identity)
			return nil
		}
		return fmt.Errorf("enqueue user: %w", err)
	}

	slog.Info("User queued for agent", "user_id", user.Identity)
	s.queueDepth(1)
	s.countTurn("user", "queued")
	s.deliver(ctx, user.Address, msgQueued)
	return nil
}

// leaveQueue returns a queued user to the bot on their own request.
func (s *Service) leaveQueue(ctx context.Context, user *domain.HandoffUser) error {
	if err := s.dir.Dequeue(ctx, user.Identity); err != nil {
		if errors.Is(err, directory.ErrNotQueued) {
			// An agent connected between our read and this write; the
			// connect notification already told the user.
			slog.Info("Dequeue skipped, record already moved", "user_id", user.Identity)
			return nil
		}
		return fmt.Errorf("dequeue user: %w", err)
	}

	slog.Info("User left queue", "user_id", user.Identity)
	s.queueDepth(-1)
	s.countTurn("user", "disconnected")
	s.deliver(ctx, user.Address, msgReconnected)
	return nil
}

// disconnectFromAgent returns an agent-connected user to the bot and
// notifies both parties. Used for the user "disconnect" keyword and the
// agent disconnect command.
func (s *Service) disconnectFromAgent(ctx context.Context, user *domain.HandoffUser) error {
	agentLink := *user.AgentLink
	if err := s.dir.ConnectBot(ctx, user.Identity); err != nil {
		if errors.Is(err, directory.ErrWrongState) {
			slog.Info("Disconnect skipped, record already moved", "user_id", user.Identity)
			return nil
		}
		return fmt.Errorf("connect user to bot: %w", err)
	}

	slog.Info("User reconnected to bot", "user_id", user.Identity, "agent_id", agentLink.Identity)
	s.deliver(ctx, agentLink, msgReconnected)
	s.deliver(ctx, user.Address, msgReconnected)
	return nil
}

// deliver performs a fire-and-forget outbound send. Failures are logged
// and counted; the already-committed transition stands.
func (s *Service) deliver(ctx context.Context, to domain.Address, text string) {
	if err := s.sender.Send(ctx, to, text); err != nil {
		slog.Warn("Outbound delivery failed",
			"conversation", to.Conversation, "target", to.Identity, "error", err)
		if s.metrics != nil {
			s.metrics.DeliveryFailures.Inc()
		}
	}
}

func (s *Service) countTurn(role, outcome string) {
	if s.metrics != nil {
		s.metrics.TurnsTotal.WithLabelValues(role, outcome).Inc()
	}
}

func (s *Service) queueDepth(delta float64) {
	if s.metrics != nil {
		s.metrics.QueueDepth.Add(delta)
	}
}

// keywordIs matches a reserved keyword against the entire trimmed message
// text, case-insensitively. Substring occurrences do not count.
func keywordIs(text, keyword string) bool {
	return strings.EqualFold(strings.TrimSpace(text), keyword)
}

// selectLongestWaiting is a convenience wrapper used by the connect command.
func (s *Service) selectLongestWaiting(ctx context.Context) (*domain.HandoffUser, error) {
	queued, err := s.dir.ListQueued(ctx)
	if err != nil {
		return nil, fmt.Errorf("list queued users: %w", err)
	}
	return queue.LongestWaiting(queued), nil
}
