package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/vault-term/internal/protocol"
)

// Entry is the usage record of one completed turn.
type Entry struct {
	RequestID    string    `json:"request_id"`
	Timestamp    time.Time `json:"timestamp"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Cost         float64   `json:"cost"`
	LatencyMs    float64   `json:"latency_ms"`
	Operation    string    `json:"operation"` // "stream" or "chat"
}

// Summary aggregates all recorded usage.
type Summary struct {
	TotalRequests     int     `json:"total_requests"`
	TotalInputTokens  int     `json:"total_input_tokens"`
	TotalOutputTokens int     `json:"total_output_tokens"`
	TotalTokens       int     `json:"total_tokens"`
	TotalCostUSD      float64 `json:"total_cost_usd"`
}

// Sink receives entries as they are recorded, e.g. for persistence.
type Sink interface {
	Save(ctx context.Context, e Entry) error
}

// Tracker records per-turn usage in memory, optionally mirroring each entry
// to a sink. Failed turns carry no cost total and are recorded with zero
// tokens so request counts stay honest.
type Tracker struct {
	mu      sync.Mutex
	entries []Entry
	sink    Sink
	logger  *zap.Logger
}

// NewTracker creates an in-memory usage tracker.
func NewTracker(logger *zap.Logger) *Tracker {
	return &Tracker{logger: logger}
}

// SetSink attaches a persistence sink. Sink failures are logged, never
// propagated; usage tracking must not break a conversation.
func (t *Tracker) SetSink(s Sink) { t.sink = s }

// Record stores the usage of one finished turn.
func (t *Tracker) Record(model string, total *protocol.CostTotal, latency time.Duration, operation string) Entry {
	e := Entry{
		RequestID: uuid.New().String(),
		Timestamp: time.Now(),
		Model:     model,
		LatencyMs: float64(latency.Milliseconds()),
		Operation: operation,
	}
	if total != nil {
		e.InputTokens = total.InputTokens
		e.OutputTokens = total.OutputTokens
		e.Cost = total.Cost
	}

	t.mu.Lock()
	t.entries = append(t.entries, e)
	t.mu.Unlock()

	if t.sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := t.sink.Save(ctx, e); err != nil {
			t.logger.Warn("usage sink save failed", zap.Error(err))
		}
	}
	return e
}

// Summary returns the aggregate of everything recorded so far.
func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	var s Summary
	for _, e := range t.entries {
		s.TotalInputTokens += e.InputTokens
		s.TotalOutputTokens += e.OutputTokens
		s.TotalCostUSD += e.Cost
	}
	s.TotalRequests = len(t.entries)
	s.TotalTokens = s.TotalInputTokens + s.TotalOutputTokens
	return s
}

// Recent returns up to limit of the most recent entries, oldest first.
func (t *Tracker) Recent(limit int) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	if limit <= 0 || limit > len(t.entries) {
		limit = len(t.entries)
	}
	out := make([]Entry, limit)
	copy(out, t.entries[len(t.entries)-limit:])
	return out
}
