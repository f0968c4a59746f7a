package history

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/nidhogg/vault-term/internal/session"
)

var (
	// ErrTurnInFlight is returned when a placeholder is requested while a
	// previous assistant turn is still streaming.
	ErrTurnInFlight = errors.New("an assistant turn is already streaming")

	// ErrStaleHandle is returned when a replace targets a handle that no
	// longer refers to a live slot (e.g. after ClearAll).
	ErrStaleHandle = errors.New("stale turn handle")
)

// Handle addresses one assistant turn slot for the single permitted replace
// operation. It stays valid for the slot's lifetime regardless of how many
// turns are appended after it.
type Handle struct {
	id uint64
}

type slot struct {
	id   uint64
	view session.TurnView
}

// Store is the ordered conversation history. Turns are appended, one slot
// may be replaced through its handle, and the whole history can be cleared;
// nothing is ever reordered.
type Store struct {
	mu     sync.RWMutex
	slots  []slot
	nextID uint64
	logger *zap.Logger
}

// NewStore creates an empty history.
func NewStore(logger *zap.Logger) *Store {
	return &Store{nextID: 1, logger: logger}
}

// AppendUser appends an immutable user turn.
func (s *Store) AppendUser(content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots = append(s.slots, slot{id: s.append(), view: session.UserView(content)})
}

// AppendPlaceholderAssistant appends an empty streaming assistant turn and
// returns its handle. Only one assistant turn may stream at a time.
func (s *Store) AppendPlaceholderAssistant() (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sl := range s.slots {
		if sl.view.Streaming {
			return Handle{}, ErrTurnInFlight
		}
	}

	id := s.append()
	s.slots = append(s.slots, slot{id: id, view: session.TurnView{Role: "assistant", Streaming: true}})
	return Handle{id: id}, nil
}

func (s *Store) append() uint64 {
	id := s.nextID
	s.nextID++
	return id
}

// Replace atomically overwrites the turn the handle refers to. A stale
// handle is a logic error under the single-in-flight-turn discipline; it is
// reported but leaves the history untouched.
func (s *Store) Replace(h Handle, view session.TurnView) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.slots {
		if s.slots[i].id == h.id {
			s.slots[i].view = view
			return nil
		}
	}
	s.logger.Error("replace on stale turn handle", zap.Uint64("id", h.id))
	return ErrStaleHandle
}

// ClearAll resets the history. Handles minted before the clear go stale.
func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots = nil
}

// Turns returns a snapshot of the full ordered history.
func (s *Store) Turns() []session.TurnView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]session.TurnView, len(s.slots))
	for i, sl := range s.slots {
		out[i] = sl.view
	}
	return out
}

// Len returns the number of turns.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.slots)
}
