package client

import (
	"sync"

	"go.uber.org/zap"

	"github.com/nidhogg/vault-term/internal/session"
)

// Update is one published turn view. UpdateID counts updates within a turn
// so renderers can detect drops; Terminal marks the last update of a turn.
type Update struct {
	View     session.TurnView
	UpdateID int
	Terminal bool
}

// Hub fans turn updates out to subscribers. The decode loop is the only
// writer; sends never block it, so a slow renderer drops intermediate views
// rather than stalling the stream. The terminal update of a turn is the
// only one a subscriber must not miss, and those are sent with a buffer
// reserved for them.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]chan Update
	nextID int
	logger *zap.Logger
}

// NewHub creates an update hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{subs: make(map[int]chan Update), logger: logger}
}

// Subscribe registers a reader. The returned cancel func unregisters it and
// closes the channel.
func (h *Hub) Subscribe() (<-chan Update, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan Update, 64)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Publish delivers an update to every subscriber without blocking. When a
// subscriber's buffer is full, a non-terminal update is dropped; a terminal
// update evicts the oldest buffered one to make room.
func (h *Hub) Publish(u Update) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, ch := range h.subs {
		select {
		case ch <- u:
			continue
		default:
		}
		if !u.Terminal {
			h.logger.Debug("dropping update for slow subscriber", zap.Int("subscriber", id))
			continue
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- u:
		default:
			h.logger.Warn("terminal update lost for subscriber", zap.Int("subscriber", id))
		}
	}
}
