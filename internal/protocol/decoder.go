package protocol

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"
)

const (
	dataPrefix   = "data: "
	doneSentinel = "[DONE]"
)

// Decoder turns raw stream lines into protocol events. Lines without the
// data prefix (keepalives, comments, blanks) and frames that fail to parse
// are skipped; an unknown event type is skipped too, so newer backends can
// add variants without breaking older clients.
type Decoder struct {
	logger *zap.Logger
}

// NewDecoder creates a line decoder.
func NewDecoder(logger *zap.Logger) *Decoder {
	return &Decoder{logger: logger}
}

// wireEvent mirrors the JSON payload of one data frame.
type wireEvent struct {
	Type   string       `json:"type"`
	Step   string       `json:"step"`
	Detail string       `json:"detail"`
	Tokens *TokenCount  `json:"tokens"`
	Result *AgentResult `json:"result"`

	Moderation *Moderation `json:"moderation"`
	Total      *CostTotal  `json:"total"`

	Message string `json:"message"`
}

// Decode parses a single line. The second return is false when the line
// carries no event and decoding should simply move on to the next line.
func (d *Decoder) Decode(line string) (*Event, bool) {
	if !strings.HasPrefix(line, dataPrefix) {
		return nil, false
	}
	payload := strings.TrimSpace(line[len(dataPrefix):])
	if payload == "" || payload == doneSentinel {
		// Transmission end is detected by stream closure, not the sentinel.
		return nil, false
	}

	var we wireEvent
	if err := json.Unmarshal([]byte(payload), &we); err != nil {
		// A corrupt frame must never abort the stream.
		d.logger.Debug("dropping malformed frame", zap.Error(err))
		return nil, false
	}

	switch EventType(we.Type) {
	case EventThinking:
		return &Event{
			Type:   EventThinking,
			Step:   we.Step,
			Detail: we.Detail,
			Tokens: we.Tokens,
		}, true
	case EventAnswer:
		if we.Result == nil {
			d.logger.Debug("dropping answer frame without result")
			return nil, false
		}
		return &Event{Type: EventAnswer, Result: we.Result}, true
	case EventDone:
		ev := &Event{Type: EventDone, Moderation: we.Moderation, Total: we.Total}
		if ev.Moderation == nil {
			ev.Moderation = &Moderation{Verdict: "allow"}
		}
		return ev, true
	case EventError:
		return &Event{Type: EventError, Message: we.Message}, true
	default:
		d.logger.Debug("dropping unknown event type", zap.String("type", we.Type))
		return nil, false
	}
}
