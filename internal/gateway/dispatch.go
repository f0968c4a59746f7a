package gateway

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/vault-term/internal/client"
	"github.com/nidhogg/vault-term/internal/command"
	"github.com/nidhogg/vault-term/internal/metrics"
)

// Dispatcher connects gateway adapters to the conversation core: inbound
// user messages either run a slash command or run one full turn, and the
// finished turn view is sent back to the originating channel. Turns run one
// at a time; a message arriving mid-turn gets a busy reply instead of
// queueing silently.
type Dispatcher struct {
	client   *client.Client
	gw       *Gateway
	commands *command.Registry
	tracker  *metrics.Tracker
	timeout  time.Duration
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(c *client.Client, gw *Gateway, reg *command.Registry, tracker *metrics.Tracker, timeout time.Duration, logger *zap.Logger) *Dispatcher {
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &Dispatcher{
		client:   c,
		gw:       gw,
		commands: reg,
		tracker:  tracker,
		timeout:  timeout,
		logger:   logger,
	}
}

// Handle processes one inbound message. Runs on the adapter's goroutine;
// the turn itself executes synchronously.
func (d *Dispatcher) Handle(msg *InboundMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	reply := &OutboundMessage{
		Platform:  msg.Platform,
		ChannelID: msg.ChannelID,
		ReplyTo:   msg.ReplyTo,
	}

	if command.IsCommand(msg.Content) {
		result, err := d.commands.Dispatch(ctx, msg.Content, &command.Context{
			Platform: msg.Platform,
			UserID:   msg.UserID,
			UserName: msg.UserName,
			Client:   d.client,
			Tracker:  d.tracker,
		})
		if err != nil {
			d.logger.Error("command failed",
				zap.String("input", msg.Content), zap.Error(err))
			reply.Content = "Command failed: " + err.Error()
		} else {
			reply.Content = result.Content
		}
		d.send(ctx, reply)
		return
	}

	view, err := d.client.Submit(ctx, msg.Content)
	if err != nil {
		// Submission rejected (a turn is already streaming).
		reply.Content = "Still answering the previous message — try again in a moment."
		d.send(ctx, reply)
		return
	}

	reply.Content = view.Content
	if view.Moderation != nil {
		reply.Verdict = view.Moderation.Verdict
	}
	d.send(ctx, reply)
}

func (d *Dispatcher) send(ctx context.Context, msg *OutboundMessage) {
	if err := d.gw.Send(ctx, msg); err != nil {
		d.logger.Error("reply send failed",
			zap.String("platform", msg.Platform),
			zap.String("channel", msg.ChannelID),
			zap.Error(err))
	}
}
