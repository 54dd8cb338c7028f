package handoff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/relaydesk/handoff/internal/directory"
	"github.com/relaydesk/handoff/internal/domain"
)

// Agent control commands, matched case-insensitively after the marker.
const (
	cmdConnect    = "connect"
	cmdDisconnect = "disconnect"
	cmdHistory    = "history"
	cmdList       = "list"
)

// handleAgentTurn interprets an agent-originated message: a marker command,
// a relay to the linked user, or a fallthrough to the next stage.
func (s *Service) handleAgentTurn(ctx context.Context, msg domain.InboundMessage, next NextFunc) error {
	unlock := s.locks.lock("agent:" + strings.ToLower(msg.SenderIdentity))
	defer unlock()

	agent := msg.SenderAddress()

	linked, err := s.dir.FindByAgentLink(ctx, msg.SenderIdentity)
	if err != nil && !errors.Is(err, directory.ErrNotFound) {
		return fmt.Errorf("lookup linked user: %w", err)
	}

	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, s.marker) {
		if linked != nil {
			// Connected agents talk straight to their user.
			s.deliver(ctx, linked.Address, msg.Text)
			s.countTurn("agent", "forwarded")
			return nil
		}
		s.countTurn("agent", "fallthrough")
		return next(ctx, msg)
	}

	command := strings.ToLower(strings.TrimSpace(text[len(s.marker):]))
	switch command {
	case cmdConnect:
		s.countTurn("agent", "command")
		return s.connectCommand(ctx, agent, linked)
	case cmdDisconnect:
		if linked == nil {
			s.countTurn("agent", "fallthrough")
			return next(ctx, msg)
		}
		s.countTurn("agent", "command")
		return s.disconnectFromAgent(ctx, linked)
	case cmdHistory:
		s.countTurn("agent", "command")
		return s.historyCommand(ctx, agent, linked)
	case cmdList:
		s.countTurn("agent", "command")
		return s.listCommand(ctx, agent)
	default:
		// Unrecognized marker command is not consumed.
		s.countTurn("agent", "fallthrough")
		return next(ctx, msg)
	}
}

// connectCommand hands the agent the longest-waiting queued user. Selection
// and the queued-to-agent transition form one atomic pop: the directory
// re-checks the queued state at connect time and selection retries if the
// record moved in between.
func (s *Service) connectCommand(ctx context.Context, agent domain.Address, linked *domain.HandoffUser) error {
	if linked != nil {
		s.deliver(ctx, agent, msgAlreadyConnected)
		return nil
	}

	for {
		user, err := s.selectLongestWaiting(ctx)
		if err != nil {
			return err
		}
		if user == nil {
			s.deliver(ctx, agent, msgNoQueuedUsers)
			return nil
		}

		err = s.dir.ConnectAgent(ctx, user.Identity, agent)
		switch {
		case err == nil:
			slog.Info("Agent connected to user",
				"agent_id", agent.Identity, "user_id", user.Identity)
			s.queueDepth(-1)
			if s.metrics != nil {
				s.metrics.HandoffsTotal.Inc()
			}
			s.deliver(ctx, agent, fmt.Sprintf("You are now connected to %s", user.DisplayName))
			s.deliver(ctx, user.Address, fmt.Sprintf("You are now connected to %s", agentName(agent)))
			return nil
		case errors.Is(err, directory.ErrNotQueued), errors.Is(err, directory.ErrNotFound):
			// Someone else claimed or dequeued this user; pick again.
			slog.Debug("Connect lost selection race, retrying", "user_id", user.Identity)
			continue
		case errors.Is(err, directory.ErrAgentBusy):
			s.deliver(ctx, agent, msgAlreadyConnected)
			return nil
		default:
			return fmt.Errorf("connect agent: %w", err)
		}
	}
}

// historyCommand replays the linked user's transcript to the agent,
// bracketed by begin and end markers, one send per entry.
func (s *Service) historyCommand(ctx context.Context, agent domain.Address, linked *domain.HandoffUser) error {
	if linked == nil {
		s.deliver(ctx, agent, msgHistoryOnly)
		return nil
	}

	transcript, err := s.dir.Transcript(ctx, linked.Identity)
	if err != nil {
		return fmt.Errorf("load transcript: %w", err)
	}

	s.deliver(ctx, agent, msgHistoryBegin)
	for _, m := range transcript {
		s.deliver(ctx, agent, m.Text)
	}
	s.deliver(ctx, agent, msgHistoryEnd)
	return nil
}

// listCommand reports the queued users regardless of the agent's own
// connection state.
func (s *Service) listCommand(ctx context.Context, agent domain.Address) error {
	queued, err := s.dir.ListQueued(ctx)
	if err != nil {
		return fmt.Errorf("list queued users: %w", err)
	}

	sort.Slice(queued, func(i, j int) bool {
		a, b := queued[i].QueuedAt, queued[j].QueuedAt
		if a == nil || b == nil {
			return b == nil
		}
		return a.Before(*b)
	})

	var report strings.Builder
	fmt.Fprintf(&report, "There are currently %d users\n\n", len(queued))
	for _, user := range queued {
		fmt.Fprintf(&report, "- %s\n\n", user.DisplayName)
	}
	s.deliver(ctx, agent, report.String())
	return nil
}

func agentName(agent domain.Address) string {
	if agent.DisplayName != "" {
		return agent.DisplayName
	}
	return agent.Identity
}
