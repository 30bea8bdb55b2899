package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cognitd/internal/provider"
)

// Result is a successful Execute.
type Result struct {
	Completion *provider.Completion
	Selection  Selection
	Cost       float64
	LatencyMs  float64
	// Attempts is the number of provider calls made, including failures.
	Attempts int
}

// Execute selects a candidate, calls it under the call timeout and falls
// back to the next-heaviest untried candidate on transient failures, up to
// RetryCap fallbacks. Every attempt gets its own decision; failed attempts
// are resolved immediately with the failure penalty. The successful attempt
// stays unresolved with its observation recorded, awaiting feedback.
//
// Permanent errors are returned as-is after resolving the attempt. If the
// caller's context ends, the in-flight attempt is resolved with a neutral
// reward and the context error is returned.
func (r *Router) Execute(ctx context.Context, taskType string, candidates []provider.Candidate, prompt string, params provider.Params) (*Result, error) {
	ctx, span := r.tracer.Start(ctx, "router.execute")
	defer span.End()
	candidates = uniqueCandidates(candidates)
	span.SetAttributes(attribute.String("task_type", taskType), attribute.Int("candidates", len(candidates)))

	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}
	cfg := r.Config()

	tried := make(map[provider.Candidate]bool, len(candidates))
	var (
		sel     Selection
		err     error
		lastErr error
		parent  string
	)
	for attempt := 1; attempt <= cfg.RetryCap+1; attempt++ {
		if attempt == 1 {
			sel, err = r.Select(ctx, taskType, candidates)
		} else {
			next, ok := r.nextBest(taskType, candidates, tried)
			if !ok {
				break
			}
			sel, err = r.record(ctx, taskType, candidates, next, false, attempt, parent)
			if r.fallbacks != nil {
				r.fallbacks.Add(ctx, 1)
			}
		}
		if err != nil {
			return nil, err
		}
		tried[sel.Candidate] = true
		parent = sel.DecisionID

		res, callErr := r.call(ctx, cfg, sel, prompt, params)
		if callErr == nil {
			res.Attempts = attempt
			span.SetAttributes(attribute.String("candidate", sel.Candidate.String()), attribute.Int("attempts", attempt))
			return res, nil
		}

		detached := context.WithoutCancel(ctx)
		if ctx.Err() != nil {
			r.resolveQuietly(detached, sel.DecisionID, ReasonCanceled)
			span.SetStatus(codes.Error, "canceled")
			return nil, ctx.Err()
		}
		r.resolveQuietly(detached, sel.DecisionID, ReasonFailure)
		lastErr = fmt.Errorf("%s: %w", sel.Candidate, callErr)

		if !provider.IsTransient(callErr) && !errors.Is(callErr, context.DeadlineExceeded) {
			span.RecordError(lastErr)
			span.SetStatus(codes.Error, lastErr.Error())
			return nil, lastErr
		}
		r.logger.Warn("provider attempt failed, falling back",
			zap.String("decision_id", sel.DecisionID),
			zap.String("candidate", sel.Candidate.String()),
			zap.Int("attempt", attempt),
			zap.Error(callErr),
		)
	}

	err = fmt.Errorf("%w: %w", ErrAllProvidersFailed, lastErr)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return nil, err
}

func (r *Router) call(ctx context.Context, cfg Config, sel Selection, prompt string, params provider.Params) (*Result, error) {
	p, err := r.registry.Get(sel.Candidate.Provider)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
	defer cancel()

	params.Model = sel.Candidate.Model
	start := r.now()
	c, err := p.Complete(callCtx, prompt, params)
	latency := float64(r.now().Sub(start)) / float64(time.Millisecond)
	if err != nil {
		return nil, err
	}

	cost := r.prices.Cost(sel.Candidate, c.TokensUsed)
	if err := r.decisions.Observe(ctx, sel.DecisionID, Observation{
		Success:   true,
		LatencyMs: latency,
		Cost:      cost,
		Tokens:    c.TokensUsed,
	}); err != nil {
		r.logger.Warn("failed to record observation", zap.String("decision_id", sel.DecisionID), zap.Error(err))
	}
	return &Result{Completion: c, Selection: sel, Cost: cost, LatencyMs: latency}, nil
}

// nextBest returns the untried candidate with the highest weight. Ties go to
// the earlier candidate. It reports false once every candidate was tried.
func (r *Router) nextBest(taskType string, candidates []provider.Candidate, tried map[provider.Candidate]bool) (provider.Candidate, bool) {
	weights := r.ledger.Weights(taskType, candidates)
	best := -1
	for i, c := range candidates {
		if tried[c] {
			continue
		}
		if best < 0 || weights[i] > weights[best] {
			best = i
		}
	}
	if best < 0 {
		return provider.Candidate{}, false
	}
	return candidates[best], true
}

func (r *Router) resolveQuietly(ctx context.Context, id string, reason Reason) {
	f := false
	if _, err := r.Resolve(ctx, id, Outcome{Reason: reason, Success: &f}); err != nil && !errors.Is(err, ErrAlreadyResolved) {
		r.logger.Error("failed to resolve attempt", zap.String("decision_id", id), zap.String("reason", string(reason)), zap.Error(err))
	}
}
