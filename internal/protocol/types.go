package protocol

// EventType discriminates the wire event variants.
type EventType string

const (
	EventThinking EventType = "thinking"
	EventAnswer   EventType = "answer"
	EventDone     EventType = "done"
	EventError    EventType = "error"
)

// TokenCount is a raw token tally attached to a thinking step.
type TokenCount struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Reflection is an optional self-critique pass attached to an agent result.
type Reflection struct {
	Action   string   `json:"action"`
	Score    *float64 `json:"score"`
	Feedback string   `json:"feedback"`
}

// AgentResult is one agent's finished answer for a single intent.
type AgentResult struct {
	Intent     string      `json:"intent"`
	Model      string      `json:"model"`
	Text       string      `json:"text"`
	Reflection *Reflection `json:"reflection,omitempty"`
	ToolsUsed  []string    `json:"tools_used"`
}

// Moderation is the safety classification of the overall exchange.
type Moderation struct {
	Verdict string `json:"verdict"` // "allow", "warn", "block"
	Reason  string `json:"reason,omitempty"`
}

// CostTotal is the aggregate usage for a completed turn.
type CostTotal struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// Event is one decoded protocol event. Exactly the fields for the
// variant named by Type are populated.
type Event struct {
	Type EventType

	// thinking
	Step   string
	Detail string
	Tokens *TokenCount

	// answer
	Result *AgentResult

	// done
	Moderation *Moderation
	Total      *CostTotal

	// error
	Message string
}

// ChatRequest is the body posted to start a turn.
type ChatRequest struct {
	Messages      []Message    `json:"messages"`
	Model         string       `json:"model"`
	UseReflection bool         `json:"use_reflection"`
	UserContext   *UserContext `json:"user_context,omitempty"`
}

// Message is one prior conversation message sent with a request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UserContext carries optional locale hints for context-aware agents.
type UserContext struct {
	City      string `json:"city"`
	Timezone  string `json:"timezone"`
	LocalTime string `json:"local_time"`
}

// ChatResponse is the buffered (non-streaming) variant of the backend's
// answer: everything the stream would have delivered, in one JSON body.
type ChatResponse struct {
	Results    []AgentResult `json:"results"`
	Moderation Moderation    `json:"moderation"`
	Total      *CostTotal    `json:"total,omitempty"`
}
