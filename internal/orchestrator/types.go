package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/cognitd/internal/embedcache"
	"github.com/fyrsmithlabs/cognitd/internal/ledger"
	"github.com/fyrsmithlabs/cognitd/internal/provider"
	"github.com/fyrsmithlabs/cognitd/internal/quality"
	"github.com/fyrsmithlabs/cognitd/internal/router"
)

// TaskRequest is one user turn.
type TaskRequest struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id,omitempty"`
	TaskType       string `json:"task_type,omitempty"`
	Text           string `json:"text"`
}

func (r TaskRequest) validate() error {
	if strings.TrimSpace(r.ConversationID) == "" {
		return fmt.Errorf("%w: conversation id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.Text) == "" {
		return fmt.Errorf("%w: text is required", ErrInvalidRequest)
	}
	return nil
}

// PromptInfo describes how the prompt was assembled.
type PromptInfo struct {
	Tokens           int  `json:"tokens"`
	Budget           int  `json:"budget"`
	FastPath         bool `json:"fast_path"`
	Summarized       bool `json:"summarized"`
	Degraded         bool `json:"degraded"`
	Truncated        bool `json:"truncated"`
	Fragments        int  `json:"fragments"`
	DroppedTurns     int  `json:"dropped_turns"`
	DroppedFragments int  `json:"dropped_fragments"`
}

// TaskResponse is the result of HandleTask.
type TaskResponse struct {
	ResponseText string              `json:"response_text"`
	DecisionID   string              `json:"decision_id"`
	Quality      *quality.Assessment `json:"quality"`

	Candidate   provider.Candidate `json:"candidate"`
	Exploration bool               `json:"was_exploration"`
	Attempts    int                `json:"attempts"`
	Prompt      PromptInfo         `json:"prompt"`
	// Persisted is true when the exchange reached the vector store.
	Persisted  bool   `json:"persisted"`
	FragmentID string `json:"fragment_id,omitempty"`
	Redactions int    `json:"redactions"`
	// Resolved is true when the decision was auto-resolved.
	Resolved bool `json:"resolved"`
}

// Feedback is the user's verdict on a decision. Every field is optional.
type Feedback struct {
	UserRating        *int     `json:"user_rating,omitempty"`
	Approved          *bool    `json:"approved,omitempty"`
	ObservedLatencyMs *float64 `json:"observed_latency_ms,omitempty"`
	ObservedCost      *float64 `json:"observed_cost,omitempty"`
	Success           *bool    `json:"success,omitempty"`
}

func (f Feedback) outcome() router.Outcome {
	return router.Outcome{
		Reason:    router.ReasonFeedback,
		Approved:  f.Approved,
		Rating:    f.UserRating,
		Success:   f.Success,
		LatencyMs: f.ObservedLatencyMs,
		Cost:      f.ObservedCost,
	}
}

// Stats is a point-in-time view of the system.
type Stats struct {
	Reports []ledger.Report   `json:"reports"`
	Health  map[string]bool   `json:"health,omitempty"`
	Cache   *embedcache.Stats `json:"cache,omitempty"`
}

// Stage names a pipeline step.
type Stage string

const (
	StageAssemble Stage = "assemble"
	StageExecute  Stage = "execute"
	StageAssess   Stage = "assess"
	StageObserve  Stage = "observe"
	StagePersist  Stage = "persist"
	StageResolve  Stage = "resolve"
)

// StageEvent reports the completion of one stage.
type StageEvent struct {
	Stage          Stage
	ConversationID string
	Duration       time.Duration
	Err            error
}

// StageCallback receives stage events. It runs on the request goroutine
// and must not block.
type StageCallback func(StageEvent)
