package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cognitd/internal/ledger"
	"github.com/fyrsmithlabs/cognitd/internal/memory"
	"github.com/fyrsmithlabs/cognitd/internal/orchestrator"
	"github.com/fyrsmithlabs/cognitd/internal/router"
)

func (s *Server) registerTools() {
	s.registerTaskTools()
	s.registerDecisionTools()
	s.registerMemoryTools()
	s.registerStatsTools()
}

// instrument wraps a tool body with the active gauge and invocation metrics.
func (s *Server) instrument(ctx context.Context, tool string) func(error) {
	start := time.Now()
	s.metrics.IncrementActive(ctx, tool)
	return func(err error) {
		s.metrics.DecrementActive(ctx, tool)
		s.metrics.RecordInvocation(ctx, tool, time.Since(start), err)
		if err != nil {
			s.logger.Debug("tool failed", zap.String("tool", tool), zap.Error(err))
		}
	}
}

func textResult(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: fmt.Sprintf(format, args...)},
		},
	}
}

// ===== TASK TOOLS =====

type handleTaskInput struct {
	ConversationID string `json:"conversation_id" jsonschema:"Conversation identifier. Memory and history are scoped to it."`
	UserID         string `json:"user_id,omitempty" jsonschema:"User identifier for cross-conversation memory"`
	TaskType       string `json:"task_type,omitempty" jsonschema:"Routing task type (default: the configured default)"`
	Text           string `json:"text" jsonschema:"The user's message"`
}

type handleTaskOutput struct {
	ResponseText string  `json:"response_text" jsonschema:"Model response"`
	DecisionID   string  `json:"decision_id" jsonschema:"Routing decision ID for submit_feedback"`
	Candidate    string  `json:"candidate" jsonschema:"provider/model that answered"`
	Exploration  bool    `json:"was_exploration" jsonschema:"True when the router explored instead of exploiting"`
	Attempts     int     `json:"attempts" jsonschema:"Number of candidates tried"`
	Quality      float64 `json:"quality" jsonschema:"Overall quality score in [0,1]"`
	Persisted    bool    `json:"persisted" jsonschema:"True when the exchange was stored in memory"`
	Resolved     bool    `json:"resolved" jsonschema:"True when the decision was auto-resolved"`
}

func (s *Server) registerTaskTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "handle_task",
		Description: "Answer a user turn with the best routed model, using conversation memory as context",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args handleTaskInput) (*mcp.CallToolResult, handleTaskOutput, error) {
		var toolErr error
		done := s.instrument(ctx, "handle_task")
		defer func() { done(toolErr) }()

		resp, err := s.service.HandleTask(ctx, orchestrator.TaskRequest{
			ConversationID: args.ConversationID,
			UserID:         args.UserID,
			TaskType:       args.TaskType,
			Text:           args.Text,
		})
		if err != nil {
			toolErr = fmt.Errorf("handle task failed: %w", err)
			return nil, handleTaskOutput{}, toolErr
		}

		out := handleTaskOutput{
			ResponseText: resp.ResponseText,
			DecisionID:   resp.DecisionID,
			Candidate:    resp.Candidate.String(),
			Exploration:  resp.Exploration,
			Attempts:     resp.Attempts,
			Persisted:    resp.Persisted,
			Resolved:     resp.Resolved,
		}
		if resp.Quality != nil {
			out.Quality = resp.Quality.Overall
		}
		return textResult("%s", resp.ResponseText), out, nil
	})
}

// ===== DECISION TOOLS =====

type getDecisionInput struct {
	DecisionID string `json:"decision_id" jsonschema:"Decision ID returned by handle_task"`
}

type decisionOutput struct {
	ID          string   `json:"id" jsonschema:"Decision ID"`
	TaskType    string   `json:"task_type" jsonschema:"Routing task type"`
	Candidates  []string `json:"candidates" jsonschema:"provider/model candidates considered"`
	Selected    string   `json:"selected" jsonschema:"provider/model selected"`
	Exploration bool     `json:"was_exploration" jsonschema:"True when the router explored"`
	Attempt     int      `json:"attempt" jsonschema:"Fallback attempt, 0 for the first choice"`
	ParentID    string   `json:"parent_id,omitempty" jsonschema:"Decision this attempt fell back from"`
	Resolved    bool     `json:"resolved" jsonschema:"True once a reward is applied"`
	Reward      float64  `json:"reward" jsonschema:"Reward in [-1,1] when resolved"`
	Reason      string   `json:"reason,omitempty" jsonschema:"How the decision was resolved"`
	LatencyMs   float64  `json:"latency_ms" jsonschema:"Observed latency"`
	Success     bool     `json:"success" jsonschema:"Observed success"`
}

func toDecisionOutput(d *router.Decision) decisionOutput {
	out := decisionOutput{
		ID:          d.ID,
		TaskType:    d.TaskType,
		Candidates:  make([]string, len(d.Candidates)),
		Selected:    d.Selected.String(),
		Exploration: d.Exploration,
		Attempt:     d.Attempt,
		ParentID:    d.ParentID,
		Resolved:    d.Resolved(),
		Reason:      string(d.Reason),
		LatencyMs:   d.LatencyMs,
		Success:     d.Success,
	}
	for i, c := range d.Candidates {
		out.Candidates[i] = c.String()
	}
	if d.Reward != nil {
		out.Reward = *d.Reward
	}
	return out
}

type submitFeedbackInput struct {
	DecisionID        string   `json:"decision_id" jsonschema:"Decision ID returned by handle_task"`
	UserRating        *int     `json:"user_rating,omitempty" jsonschema:"Rating from 1 (worst) to 5 (best)"`
	Approved          *bool    `json:"approved,omitempty" jsonschema:"Explicit approval or rejection. Takes precedence over user_rating."`
	Success           *bool    `json:"success,omitempty" jsonschema:"Override whether the task succeeded"`
	ObservedLatencyMs *float64 `json:"observed_latency_ms,omitempty" jsonschema:"Override the measured latency"`
	ObservedCost      *float64 `json:"observed_cost,omitempty" jsonschema:"Override the estimated cost"`
}

type submitFeedbackOutput struct {
	DecisionID      string  `json:"decision_id" jsonschema:"Decision ID"`
	Candidate       string  `json:"candidate" jsonschema:"provider/model that was judged"`
	Reward          float64 `json:"reward" jsonschema:"Reward in [-1,1] applied to the ledger"`
	AlreadyResolved bool    `json:"already_resolved" jsonschema:"True when an earlier resolution won and this feedback was ignored"`
}

func (s *Server) registerDecisionTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_decision",
		Description: "Fetch a routing decision with its candidates, observation and reward",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args getDecisionInput) (*mcp.CallToolResult, decisionOutput, error) {
		var toolErr error
		done := s.instrument(ctx, "get_decision")
		defer func() { done(toolErr) }()

		d, err := s.service.Decision(ctx, args.DecisionID)
		if err != nil {
			toolErr = err
			return nil, decisionOutput{}, err
		}
		out := toDecisionOutput(d)
		status := "pending"
		if out.Resolved {
			status = fmt.Sprintf("resolved (reward %.3f)", out.Reward)
		}
		return textResult("Decision %s: %s for %s, %s", out.ID, out.Selected, out.TaskType, status), out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "submit_feedback",
		Description: "Rate or approve a response so the router learns which model to prefer",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args submitFeedbackInput) (*mcp.CallToolResult, submitFeedbackOutput, error) {
		var toolErr error
		done := s.instrument(ctx, "submit_feedback")
		defer func() { done(toolErr) }()

		d, err := s.service.SubmitFeedback(ctx, args.DecisionID, orchestrator.Feedback{
			UserRating:        args.UserRating,
			Approved:          args.Approved,
			Success:           args.Success,
			ObservedLatencyMs: args.ObservedLatencyMs,
			ObservedCost:      args.ObservedCost,
		})
		alreadyResolved := errors.Is(err, router.ErrAlreadyResolved)
		if err != nil && !alreadyResolved {
			toolErr = fmt.Errorf("submit feedback failed: %w", err)
			return nil, submitFeedbackOutput{}, toolErr
		}

		out := submitFeedbackOutput{
			DecisionID:      d.ID,
			Candidate:       d.Selected.String(),
			AlreadyResolved: alreadyResolved,
		}
		if d.Reward != nil {
			out.Reward = *d.Reward
		}
		if alreadyResolved {
			return textResult("Decision %s was already resolved with reward %.3f", d.ID, out.Reward), out, nil
		}
		return textResult("Feedback recorded for %s: reward %.3f", out.Candidate, out.Reward), out, nil
	})
}

// ===== MEMORY TOOLS =====

type purgeMemoryInput struct {
	ConversationID string `json:"conversation_id,omitempty" jsonschema:"Conversation to forget, including its history"`
	UserID         string `json:"user_id,omitempty" jsonschema:"User whose memory to forget. Alone, it spans all of the user's conversations."`
}

type purgeMemoryOutput struct {
	Removed int `json:"removed" jsonschema:"Number of memory fragments removed"`
}

func (s *Server) registerMemoryTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "purge_memory",
		Description: "Forget stored memory for a conversation, or for every conversation of a user",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args purgeMemoryInput) (*mcp.CallToolResult, purgeMemoryOutput, error) {
		var toolErr error
		done := s.instrument(ctx, "purge_memory")
		defer func() { done(toolErr) }()

		scope := memory.Scope{ConversationID: args.ConversationID, UserID: args.UserID}
		n, err := s.service.PurgeConversation(ctx, scope)
		if err != nil {
			toolErr = fmt.Errorf("purge failed: %w", err)
			return nil, purgeMemoryOutput{}, toolErr
		}
		return textResult("Removed %d fragments from %s", n, scope), purgeMemoryOutput{Removed: n}, nil
	})
}

// ===== STATS TOOLS =====

type routingStatsInput struct {
	TaskType string `json:"task_type,omitempty" jsonschema:"Only report this task type"`
}

type candidateStats struct {
	Candidate    string  `json:"candidate" jsonschema:"provider/model"`
	Requests     int64   `json:"requests" jsonschema:"Resolved requests"`
	Successes    int64   `json:"successes" jsonschema:"Successful requests"`
	AvgLatencyMs float64 `json:"avg_latency_ms" jsonschema:"Smoothed latency"`
	AvgReward    float64 `json:"avg_reward" jsonschema:"Smoothed reward"`
	Weight       float64 `json:"selection_weight" jsonschema:"Selection weight, heaviest first"`
}

type taskReport struct {
	TaskType    string           `json:"task_type" jsonschema:"Routing task type"`
	Requests    int64            `json:"requests" jsonschema:"Resolved requests across candidates"`
	SuccessRate float64          `json:"success_rate" jsonschema:"Share of successful requests"`
	Candidates  []candidateStats `json:"candidates" jsonschema:"Candidates, heaviest first"`
}

type routingStatsOutput struct {
	Reports []taskReport    `json:"reports" jsonschema:"Per task type candidate statistics"`
	Health  map[string]bool `json:"health,omitempty" jsonschema:"Provider health"`
}

func toTaskReport(r ledger.Report) taskReport {
	out := taskReport{
		TaskType:    r.TaskType,
		Requests:    r.TotalRequests,
		SuccessRate: r.SuccessRate(),
		Candidates:  make([]candidateStats, 0, len(r.Entries)),
	}
	for _, e := range r.Entries {
		out.Candidates = append(out.Candidates, candidateStats{
			Candidate:    e.Key.Provider + "/" + e.Key.Model,
			Requests:     e.Stat.RequestCount,
			Successes:    e.Stat.SuccessCount,
			AvgLatencyMs: e.Stat.AvgLatencyMs,
			AvgReward:    e.Stat.AvgReward,
			Weight:       e.Stat.SelectionWeight,
		})
	}
	return out
}

func (s *Server) registerStatsTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "routing_stats",
		Description: "Show which models are winning per task type, with success rates, latency and cost",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args routingStatsInput) (*mcp.CallToolResult, routingStatsOutput, error) {
		var toolErr error
		done := s.instrument(ctx, "routing_stats")
		defer func() { done(toolErr) }()

		st := s.service.Stats(ctx)
		out := routingStatsOutput{Reports: make([]taskReport, 0, len(st.Reports)), Health: st.Health}
		for _, r := range st.Reports {
			if args.TaskType == "" || r.TaskType == args.TaskType {
				out.Reports = append(out.Reports, toTaskReport(r))
			}
		}
		return textResult("%d task types reported", len(out.Reports)), out, nil
	})
}
