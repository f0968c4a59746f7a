package session

import (
	"strings"
	"time"

	"github.com/nidhogg/vault-term/internal/protocol"
)

// FailureMessage is the fixed content shown when a turn fails. The server's
// own error text stays out of the rendered conversation; it is kept on the
// state for diagnostics only.
const FailureMessage = "Something went wrong while answering. Please try again."

// Status is the lifecycle phase of one assistant turn.
type Status string

const (
	StatusStreaming Status = "streaming"
	StatusFinalized Status = "finalized"
	StatusFailed    Status = "failed"
)

// ThinkingStep is one intermediate progress record.
type ThinkingStep struct {
	Step   string               `json:"step"`
	Detail string               `json:"detail,omitempty"`
	Tokens *protocol.TokenCount `json:"tokens,omitempty"`
}

// TurnState is the accumulated state of one in-flight assistant turn.
// Reduce treats it as a value: every event yields a new state and the
// previous one stays valid, which keeps the fold independently testable.
type TurnState struct {
	Status     Status
	Thinking   []ThinkingStep
	Results    []protocol.AgentResult
	Moderation *protocol.Moderation
	Total      *protocol.CostTotal
	FailReason string
	StartedAt  time.Time
}

// NewTurnState returns the state of a freshly started turn.
func NewTurnState() TurnState {
	return TurnState{Status: StatusStreaming, StartedAt: time.Now()}
}

// Reduce folds one protocol event into the turn state. Terminal states
// absorb: once Finalized or Failed, further events change nothing.
func Reduce(s TurnState, ev *protocol.Event) TurnState {
	if s.Status != StatusStreaming {
		return s
	}

	switch ev.Type {
	case protocol.EventThinking:
		steps := make([]ThinkingStep, len(s.Thinking), len(s.Thinking)+1)
		copy(steps, s.Thinking)
		s.Thinking = append(steps, ThinkingStep{
			Step:   ev.Step,
			Detail: ev.Detail,
			Tokens: ev.Tokens,
		})
	case protocol.EventAnswer:
		results := make([]protocol.AgentResult, len(s.Results), len(s.Results)+1)
		copy(results, s.Results)
		s.Results = append(results, *ev.Result)
	case protocol.EventDone:
		s.Status = StatusFinalized
		s.Moderation = ev.Moderation
		s.Total = ev.Total
	case protocol.EventError:
		return Fail(s, ev.Message)
	}
	return s
}

// Fail transitions a streaming turn to Failed, keeping the thinking log and
// any results gathered so far. Reason is diagnostic, not user-facing.
func Fail(s TurnState, reason string) TurnState {
	if s.Status != StatusStreaming {
		return s
	}
	s.Status = StatusFailed
	s.FailReason = reason
	return s
}

// Content derives the rendered answer text: the agent answers for each
// intent in arrival order, one paragraph each, or the fixed failure message
// on a failed turn.
func (s TurnState) Content() string {
	if s.Status == StatusFailed {
		return FailureMessage
	}
	texts := make([]string, 0, len(s.Results))
	for _, r := range s.Results {
		texts = append(texts, r.Text)
	}
	return strings.Join(texts, "\n\n")
}

// Streaming reports whether the turn is still accepting events.
func (s TurnState) Streaming() bool { return s.Status == StatusStreaming }
