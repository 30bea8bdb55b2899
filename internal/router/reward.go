package router

import (
	"fmt"
	"math"
)

// RewardConfig weights the composite reward used when no user rating exists.
type RewardConfig struct {
	QualityWeight  float64
	CostWeight     float64
	LatencyWeight  float64
	CostRef        float64 // cost at which the cost term reaches -1
	LatencyRefMs   float64 // latency at which the latency term reaches -1
	FailurePenalty float64
}

// DefaultRewardConfig returns the default reward weights.
func DefaultRewardConfig() RewardConfig {
	return RewardConfig{
		QualityWeight:  0.5,
		CostWeight:     0.3,
		LatencyWeight:  0.2,
		CostRef:        0.01,
		LatencyRefMs:   5000,
		FailurePenalty: -1,
	}
}

// Validate checks the reward weights.
func (c RewardConfig) Validate() error {
	if c.QualityWeight < 0 || c.CostWeight < 0 || c.LatencyWeight < 0 {
		return fmt.Errorf("reward weights must be non-negative")
	}
	if c.QualityWeight+c.CostWeight+c.LatencyWeight == 0 {
		return fmt.Errorf("reward weights must not all be zero")
	}
	if c.CostRef <= 0 || c.LatencyRefMs <= 0 {
		return fmt.Errorf("reward reference cost and latency must be positive")
	}
	if c.FailurePenalty < -1 || c.FailurePenalty > 0 {
		return fmt.Errorf("failure penalty must be in [-1, 0]")
	}
	return nil
}

// NormalizeRating maps user feedback to [-1, 1]. Approval wins over a
// numeric score: approve is +1 and reject is -1. A 1..5 score maps to
// (score-3)/2. It returns false when neither is given.
func NormalizeRating(approved *bool, score *int) (float64, bool, error) {
	if approved != nil {
		if *approved {
			return 1, true, nil
		}
		return -1, true, nil
	}
	if score != nil {
		if *score < 1 || *score > 5 {
			return 0, false, fmt.Errorf("%w: got %d", ErrInvalidRating, *score)
		}
		return float64(*score-3) / 2, true, nil
	}
	return 0, false, nil
}

// rewardInput is an outcome merged with the recorded observation.
type rewardInput struct {
	Reason    Reason
	Rating    *float64
	Success   bool
	Quality   *float64
	LatencyMs float64
	Cost      float64
}

// compute returns the reward for in, clamped to [-1, 1].
//
// Cancellations and expiries are neutral. A user rating wins over
// everything else. Failures get the penalty. Otherwise the reward blends
// quality, cost and latency, each mapped to [-1, 1]. A missing quality score
// contributes 0.
func (c RewardConfig) compute(in rewardInput) float64 {
	switch {
	case in.Reason == ReasonCanceled || in.Reason == ReasonExpired:
		return 0
	case in.Rating != nil:
		return clamp(*in.Rating)
	case !in.Success:
		return c.FailurePenalty
	}

	quality := 0.0
	if in.Quality != nil {
		quality = 2*clamp01(*in.Quality) - 1
	}
	cost := 1 - 2*math.Min(1, math.Max(0, in.Cost)/c.CostRef)
	latency := 1 - 2*math.Min(1, math.Max(0, in.LatencyMs)/c.LatencyRefMs)
	return clamp(c.QualityWeight*quality + c.CostWeight*cost + c.LatencyWeight*latency)
}

func clamp(v float64) float64 {
	return math.Max(-1, math.Min(1, v))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
