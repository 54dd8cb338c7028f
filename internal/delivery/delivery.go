// Package delivery moves outbound text to a conversation, wherever it is
// attached.
package delivery

import (
	"context"
	"errors"
	"sync"

	"github.com/relaydesk/handoff/internal/domain"
)

// ErrUnreachable indicates no live attachment exists for the target
// conversation. Callers treat this as a delivery failure, never as a
// reason to undo a state transition.
var ErrUnreachable = errors.New("conversation is not reachable")

// Sender delivers one text to one conversation. Implementations report
// success or failure and nothing more; the routing core never inspects
// delivery results beyond that.
type Sender interface {
	Send(ctx context.Context, to domain.Address, text string) error
}

// Sent is one recorded outbound send.
type Sent struct {
	To   domain.Address
	Text string
}

// Recorder is a Sender that records every send. Used by tests and by the
// dry-run mode of the server.
type Recorder struct {
	mu    sync.Mutex
	sends []Sent
	// FailFor marks conversations whose sends should fail.
	FailFor map[string]bool
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{FailFor: make(map[string]bool)}
}

// Send records the send, failing if the conversation is marked.
func (r *Recorder) Send(_ context.Context, to domain.Address, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailFor[to.Conversation] {
		return ErrUnreachable
	}
	r.sends = append(r.sends, Sent{To: to, Text: text})
	return nil
}

// Sends returns a copy of everything recorded so far.
func (r *Recorder) Sends() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Sent, len(r.sends))
	copy(out, r.sends)
	return out
}

// SendsTo returns the texts recorded for one conversation, in order.
func (r *Recorder) SendsTo(conversation string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, s := range r.sends {
		if s.To.Conversation == conversation {
			out = append(out, s.Text)
		}
	}
	return out
}
