package router

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process DecisionStore.
type MemoryStore struct {
	mu        sync.Mutex
	decisions map[string]*Decision
}

// NewMemoryStore creates an empty in-memory decision log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{decisions: make(map[string]*Decision)}
}

func (m *MemoryStore) Create(_ context.Context, d *Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.decisions[d.ID]; ok {
		return fmt.Errorf("decision %s already exists", d.ID)
	}
	m.decisions[d.ID] = cloneDecision(d)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decisions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDecisionNotFound, id)
	}
	return cloneDecision(d), nil
}

func (m *MemoryStore) Observe(_ context.Context, id string, obs Observation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decisions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDecisionNotFound, id)
	}
	if d.Resolved() {
		return ErrAlreadyResolved
	}
	o := obs
	d.Observation = &o
	return nil
}

func (m *MemoryStore) Resolve(_ context.Context, id string, res Resolution) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decisions[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrDecisionNotFound, id)
	}
	if d.Resolved() {
		return false, nil
	}
	reward := res.Reward
	at := res.ResolvedAt
	d.Reward = &reward
	d.ResolvedAt = &at
	d.Success = res.Success
	d.LatencyMs = res.LatencyMs
	d.TokenCost = res.TokenCost
	d.Reason = res.Reason
	return true, nil
}

func (m *MemoryStore) Unresolved(_ context.Context, cutoff time.Time, limit int) ([]*Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Decision
	for _, d := range m.decisions {
		if !d.Resolved() && d.CreatedAt.Before(cutoff) {
			out = append(out, cloneDecision(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneDecision(d *Decision) *Decision {
	c := *d
	c.Candidates = append(c.Candidates[:0:0], d.Candidates...)
	if d.Observation != nil {
		o := *d.Observation
		c.Observation = &o
	}
	if d.Reward != nil {
		r := *d.Reward
		c.Reward = &r
	}
	if d.ResolvedAt != nil {
		t := *d.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

var _ DecisionStore = (*MemoryStore)(nil)
