package client

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/vault-term/internal/history"
	"github.com/nidhogg/vault-term/internal/metrics"
	"github.com/nidhogg/vault-term/internal/protocol"
	"github.com/nidhogg/vault-term/internal/session"
	"github.com/nidhogg/vault-term/internal/stream"
)

// ErrTurnInFlight is returned when a submission arrives while a previous
// assistant turn is still streaming.
var ErrTurnInFlight = history.ErrTurnInFlight

// Options configure how turns are requested from the backend.
type Options struct {
	Model         string
	UseReflection bool
	UserContext   *protocol.UserContext
	HistoryLimit  int // prior turns sent with each request; 0 means all
}

// Client drives conversation turns: it opens the event stream, decodes it,
// folds events into the turn state and republishes the derived view to the
// history store and the update hub after every event. Decoding and folding
// are synchronous; the only suspension point is the transport read, so the
// network can never outrun the fold.
type Client struct {
	transport *stream.Transport
	decoder   *protocol.Decoder
	store     *history.Store
	hub       *Hub
	tracker   *metrics.Tracker
	opts      Options
	logger    *zap.Logger

	mu       sync.Mutex
	inFlight bool
}

// New wires a client. tracker may be nil to disable usage recording.
func New(t *stream.Transport, store *history.Store, hub *Hub, tracker *metrics.Tracker, opts Options, logger *zap.Logger) *Client {
	return &Client{
		transport: t,
		decoder:   protocol.NewDecoder(logger),
		store:     store,
		hub:       hub,
		tracker:   tracker,
		opts:      opts,
		logger:    logger,
	}
}

// Store exposes the conversation history for rendering.
func (c *Client) Store() *history.Store { return c.store }

// Hub exposes the update hub for subscribers.
func (c *Client) Hub() *Hub { return c.hub }

// Model returns the configured model name.
func (c *Client) Model() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts.Model
}

// SetModel switches the model used for subsequent turns.
func (c *Client) SetModel(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts.Model = model
}

// Models lists the backend's available chat models.
func (c *Client) Models(ctx context.Context) ([]string, error) {
	return c.transport.Models(ctx)
}

// Submit runs one streamed conversation turn to completion and returns the
// final turn view. A failed turn is not an error to the caller: the failure
// is folded into the returned view. The returned error is reserved for
// rejected submissions. Cancelling ctx aborts the stream and fails the turn
// exactly like any other transport failure, keeping accumulated thinking.
func (c *Client) Submit(ctx context.Context, content string) (session.TurnView, error) {
	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return session.TurnView{}, ErrTurnInFlight
	}
	c.inFlight = true
	req := c.buildRequest(content)
	model := c.opts.Model
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.inFlight = false
		c.mu.Unlock()
	}()

	c.store.AppendUser(content)
	handle, err := c.store.AppendPlaceholderAssistant()
	if err != nil {
		return session.TurnView{}, err
	}

	start := time.Now()
	st := session.NewTurnState()
	c.publish(handle, st, 0)

	s, err := c.transport.Open(ctx, req)
	if err != nil {
		c.logger.Warn("turn transport failed", zap.Error(err))
		st = session.Fail(st, err.Error())
		c.record(model, st, start, "stream")
		return c.publish(handle, st, 1), nil
	}
	defer s.Close()

	updateID := 1
	view := st.View()
	for st.Streaming() {
		line, err := s.Lines.Next()
		if err != nil {
			if err == io.EOF {
				// Server closed without Done; the turn cannot finalize.
				err = errors.New("stream ended before done event")
			}
			c.logger.Warn("turn stream failed", zap.Error(err))
			st = session.Fail(st, err.Error())
			view = c.publish(handle, st, updateID)
			break
		}

		ev, ok := c.decoder.Decode(line)
		if !ok {
			continue
		}
		st = session.Reduce(st, ev)
		view = c.publish(handle, st, updateID)
		updateID++
	}

	c.record(model, st, start, "stream")
	return view, nil
}

// SubmitBuffered runs one turn against the backend's non-streaming
// endpoint. The single JSON response is replayed through the same reducer
// as synthetic answer and done events, so both paths share one fold.
func (c *Client) SubmitBuffered(ctx context.Context, content string) (session.TurnView, error) {
	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return session.TurnView{}, ErrTurnInFlight
	}
	c.inFlight = true
	req := c.buildRequest(content)
	model := c.opts.Model
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.inFlight = false
		c.mu.Unlock()
	}()

	c.store.AppendUser(content)
	handle, err := c.store.AppendPlaceholderAssistant()
	if err != nil {
		return session.TurnView{}, err
	}

	start := time.Now()
	st := session.NewTurnState()
	c.publish(handle, st, 0)

	resp, err := c.transport.Chat(ctx, req)
	if err != nil {
		c.logger.Warn("buffered turn failed", zap.Error(err))
		st = session.Fail(st, err.Error())
		c.record(model, st, start, "chat")
		return c.publish(handle, st, 1), nil
	}

	for i := range resp.Results {
		st = session.Reduce(st, &protocol.Event{Type: protocol.EventAnswer, Result: &resp.Results[i]})
	}
	moderation := resp.Moderation
	st = session.Reduce(st, &protocol.Event{
		Type:       protocol.EventDone,
		Moderation: &moderation,
		Total:      resp.Total,
	})

	c.record(model, st, start, "chat")
	return c.publish(handle, st, 1), nil
}

// publish recomputes the derived view, writes it to the history slot and
// fans it out. Always whole-view, never a patch.
func (c *Client) publish(h history.Handle, st session.TurnState, updateID int) session.TurnView {
	view := st.View()
	if err := c.store.Replace(h, view); err != nil {
		c.logger.Error("history replace failed", zap.Error(err))
	}
	c.hub.Publish(Update{
		View:     view,
		UpdateID: updateID,
		Terminal: !view.Streaming,
	})
	return view
}

// record uses the model snapshotted at submission so a concurrent SetModel
// cannot race the read.
func (c *Client) record(model string, st session.TurnState, start time.Time, operation string) {
	if c.tracker == nil {
		return
	}
	c.tracker.Record(model, st.Total, time.Since(start), operation)
}

// buildRequest assembles the wire request from prior finished turns plus
// the new user message.
func (c *Client) buildRequest(content string) *protocol.ChatRequest {
	turns := c.store.Turns()

	msgs := make([]protocol.Message, 0, len(turns)+1)
	for _, t := range turns {
		if t.Streaming || t.Failed || t.Content == "" {
			continue
		}
		msgs = append(msgs, protocol.Message{Role: t.Role, Content: t.Content})
	}
	if limit := c.opts.HistoryLimit; limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	msgs = append(msgs, protocol.Message{Role: "user", Content: content})

	var uc *protocol.UserContext
	if c.opts.UserContext != nil {
		cp := *c.opts.UserContext
		cp.LocalTime = time.Now().Format(time.RFC3339)
		uc = &cp
	}

	return &protocol.ChatRequest{
		Messages:      msgs,
		Model:         c.opts.Model,
		UseReflection: c.opts.UseReflection,
		UserContext:   uc,
	}
}
