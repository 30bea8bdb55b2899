package assembler

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Role identifies who authored a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a conversation role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// ErrInvalidTurn is returned when a turn has no conversation or role.
var ErrInvalidTurn = errors.New("invalid turn")

// Turn is one raw message in a conversation's history.
type Turn struct {
	ConversationID string
	Seq            int64
	Role           Role
	Text           string
	Tokens         int
	CreatedAt      time.Time
}

// Summary is the rolling summary of a conversation prefix. CoveredTurns is
// the number of oldest turns it replaces.
type Summary struct {
	ConversationID string
	Text           string
	CoveredTurns   int
	UpdatedAt      time.Time
}

// History persists raw turns and the rolling summary.
type History interface {
	// Append stores a turn and returns it with Seq assigned.
	Append(ctx context.Context, turn Turn) (Turn, error)
	// Turns returns all turns of a conversation, oldest first.
	Turns(ctx context.Context, conversationID string) ([]Turn, error)
	// Summary returns the stored summary or nil when there is none.
	Summary(ctx context.Context, conversationID string) (*Summary, error)
	// SaveSummary replaces the stored summary.
	SaveSummary(ctx context.Context, s Summary) error
	// Delete removes the turns and summary of a conversation.
	Delete(ctx context.Context, conversationID string) error
}

// MemoryHistory is an in-process History.
type MemoryHistory struct {
	mu        sync.RWMutex
	turns     map[string][]Turn
	summaries map[string]Summary
	now       func() time.Time
}

// NewMemoryHistory creates an empty in-process history.
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{
		turns:     make(map[string][]Turn),
		summaries: make(map[string]Summary),
		now:       time.Now,
	}
}

func (h *MemoryHistory) Append(_ context.Context, turn Turn) (Turn, error) {
	if turn.ConversationID == "" || !turn.Role.Valid() {
		return Turn{}, ErrInvalidTurn
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	turn.Seq = int64(len(h.turns[turn.ConversationID]) + 1)
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = h.now().UTC()
	}
	h.turns[turn.ConversationID] = append(h.turns[turn.ConversationID], turn)
	return turn, nil
}

func (h *MemoryHistory) Turns(_ context.Context, conversationID string) ([]Turn, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	src := h.turns[conversationID]
	out := make([]Turn, len(src))
	copy(out, src)
	return out, nil
}

func (h *MemoryHistory) Summary(_ context.Context, conversationID string) (*Summary, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.summaries[conversationID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (h *MemoryHistory) SaveSummary(_ context.Context, s Summary) error {
	if s.ConversationID == "" {
		return ErrInvalidTurn
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = h.now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.summaries[s.ConversationID] = s
	return nil
}

func (h *MemoryHistory) Delete(_ context.Context, conversationID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.turns, conversationID)
	delete(h.summaries, conversationID)
	return nil
}

var _ History = (*MemoryHistory)(nil)
