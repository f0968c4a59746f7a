package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/vault-term/internal/client"
	"github.com/nidhogg/vault-term/internal/session"
)

const streamKey = "vault:transcript"

// Archive mirrors finished turn views to a Redis stream. It is an external
// collaborator of the conversation core: the in-memory history remains the
// source of truth, the archive only observes terminal updates.
type Archive struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// New connects a Redis-backed transcript archive.
func New(redisURL string, logger *zap.Logger) (*Archive, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Archive{rdb: rdb, logger: logger}, nil
}

// Record appends one finished turn view to the transcript stream.
func (a *Archive) Record(ctx context.Context, view session.TurnView) error {
	data, err := json.Marshal(view)
	if err != nil {
		return err
	}
	_, err = a.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]interface{}{
			"data":        string(data),
			"recorded_at": time.Now().Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("archive turn: %w", err)
	}
	return nil
}

// Recent reads up to limit archived turn views, oldest first.
func (a *Archive) Recent(ctx context.Context, limit int) ([]session.TurnView, error) {
	if limit <= 0 {
		limit = 50
	}
	msgs, err := a.rdb.XRevRangeN(ctx, streamKey, "+", "-", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}

	out := make([]session.TurnView, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		data, ok := msgs[i].Values["data"].(string)
		if !ok {
			continue
		}
		var view session.TurnView
		if json.Unmarshal([]byte(data), &view) == nil {
			out = append(out, view)
		}
	}
	return out, nil
}

// Follow subscribes to the hub and archives every terminal update until ctx
// is cancelled. Archive failures are logged and skipped.
func (a *Archive) Follow(ctx context.Context, hub *client.Hub) {
	updates, cancel := hub.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			if !u.Terminal {
				continue
			}
			if err := a.Record(ctx, u.View); err != nil {
				a.logger.Warn("transcript archive failed", zap.Error(err))
			}
		}
	}
}

// Close shuts down the Redis connection.
func (a *Archive) Close() error {
	return a.rdb.Close()
}
