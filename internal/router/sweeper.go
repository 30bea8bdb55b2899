package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const sweepBatch = 256

// SweepExpired resolves every decision older than the decision timeout with
// a neutral reward and returns how many it resolved.
func (r *Router) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-r.Config().DecisionTimeout)
	total := 0
	for {
		batch, err := r.decisions.Unresolved(ctx, cutoff, sweepBatch)
		if err != nil {
			return total, fmt.Errorf("listing unresolved decisions: %w", err)
		}
		resolved := 0
		for _, d := range batch {
			if _, err := r.Resolve(ctx, d.ID, Outcome{Reason: ReasonExpired}); err != nil {
				if errors.Is(err, ErrAlreadyResolved) {
					continue
				}
				return total, err
			}
			resolved++
		}
		total += resolved
		if len(batch) < sweepBatch || resolved == 0 {
			break
		}
	}
	if total > 0 {
		r.logger.Info("expired decisions resolved", zap.Int("count", total))
	}
	return total, nil
}

// Run sweeps expired decisions every SweepInterval until ctx is done.
func (r *Router) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.Config().SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.SweepExpired(ctx, r.now()); err != nil && ctx.Err() == nil {
				r.logger.Warn("decision sweep failed", zap.Error(err))
			}
			if _, err := r.ledger.Flush(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("ledger flush failed", zap.Error(err), zap.Int("pending", r.ledger.Pending()))
			}
		}
	}
}
