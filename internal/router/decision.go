package router

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/cognitd/internal/provider"
)

var (
	// ErrDecisionNotFound is returned for unknown decision IDs.
	ErrDecisionNotFound = errors.New("decision not found")

	// ErrAlreadyResolved is returned when a decision already carries a reward.
	ErrAlreadyResolved = errors.New("decision already resolved")

	// ErrAllProvidersFailed is returned when every attempted candidate failed.
	ErrAllProvidersFailed = errors.New("all providers failed")

	// ErrNoCandidates is returned when selection is asked to pick from nothing.
	ErrNoCandidates = errors.New("no candidates")

	// ErrInvalidRating is returned for a user rating outside 1..5.
	ErrInvalidRating = errors.New("rating must be between 1 and 5")
)

// Reason records why a decision was resolved.
type Reason string

const (
	ReasonFeedback Reason = "feedback"
	ReasonAuto     Reason = "auto"
	ReasonFailure  Reason = "failure"
	ReasonCanceled Reason = "canceled"
	ReasonExpired  Reason = "expired"
)

// Observation is what the system measured about an attempt, recorded before
// the decision is resolved.
type Observation struct {
	Success   bool     `json:"success"`
	LatencyMs float64  `json:"latency_ms"`
	Cost      float64  `json:"cost"`
	Tokens    int      `json:"tokens"`
	Quality   *float64 `json:"quality,omitempty"`
}

// Decision is one routing decision. It is written when the candidate is
// selected and resolved exactly once.
type Decision struct {
	ID          string               `json:"id"`
	TaskType    string               `json:"task_type"`
	Candidates  []provider.Candidate `json:"candidates"`
	Selected    provider.Candidate   `json:"selected"`
	Exploration bool                 `json:"was_exploration"`
	Attempt     int                  `json:"attempt"`
	ParentID    string               `json:"parent_id,omitempty"`
	Observation *Observation         `json:"observation,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`

	// Set on resolution.
	LatencyMs  float64    `json:"latency_ms"`
	TokenCost  float64    `json:"token_cost"`
	Success    bool       `json:"success"`
	Reward     *float64   `json:"reward,omitempty"`
	Reason     Reason     `json:"reason,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Resolved reports whether the reward is set.
func (d *Decision) Resolved() bool { return d.Reward != nil }

// Resolution is the terminal write applied to a decision.
type Resolution struct {
	Success    bool
	LatencyMs  float64
	TokenCost  float64
	Reward     float64
	Reason     Reason
	ResolvedAt time.Time
}

// DecisionStore is the append-only decision log.
type DecisionStore interface {
	// Create writes a new unresolved decision.
	Create(ctx context.Context, d *Decision) error
	// Get returns a decision or ErrDecisionNotFound.
	Get(ctx context.Context, id string) (*Decision, error)
	// Observe attaches an observation to an unresolved decision.
	Observe(ctx context.Context, id string, obs Observation) error
	// Resolve sets the reward if it is still unset and reports whether this
	// call performed the transition.
	Resolve(ctx context.Context, id string, res Resolution) (bool, error)
	// Unresolved lists unresolved decisions created before cutoff, oldest first.
	Unresolved(ctx context.Context, cutoff time.Time, limit int) ([]*Decision, error)
}
