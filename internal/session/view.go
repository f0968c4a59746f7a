package session

import (
	"github.com/nidhogg/vault-term/internal/protocol"
)

// TurnView is the complete renderable snapshot of one conversation turn.
// It is always recomputed whole from a TurnState and published whole, so a
// reader can never observe a half-updated turn.
type TurnView struct {
	Role       string                 `json:"role"` // "user" or "assistant"
	Content    string                 `json:"content"`
	Thinking   []ThinkingStep         `json:"thinking,omitempty"`
	Results    []protocol.AgentResult `json:"results,omitempty"`
	Moderation *protocol.Moderation   `json:"moderation,omitempty"`
	Total      *protocol.CostTotal    `json:"total,omitempty"`
	Streaming  bool                   `json:"streaming"`
	Failed     bool                   `json:"failed,omitempty"`
}

// UserView builds the immutable view of a user turn.
func UserView(content string) TurnView {
	return TurnView{Role: "user", Content: content}
}

// View derives the assistant turn view from accumulated state.
func (s TurnState) View() TurnView {
	return TurnView{
		Role:       "assistant",
		Content:    s.Content(),
		Thinking:   s.Thinking,
		Results:    s.Results,
		Moderation: s.Moderation,
		Total:      s.Total,
		Streaming:  s.Status == StatusStreaming,
		Failed:     s.Status == StatusFailed,
	}
}
