package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeRating(t *testing.T) {
	tests := []struct {
		name     string
		approved *bool
		score    *int
		want     float64
		ok       bool
		wantErr  bool
	}{
		{name: "approve", approved: ptr(true), want: 1, ok: true},
		{name: "reject", approved: ptr(false), want: -1, ok: true},
		{name: "approve wins", approved: ptr(true), score: ptr(1), want: 1, ok: true},
		{name: "score 1", score: ptr(1), want: -1, ok: true},
		{name: "score 3", score: ptr(3), want: 0, ok: true},
		{name: "score 4", score: ptr(4), want: 0.5, ok: true},
		{name: "score 5", score: ptr(5), want: 1, ok: true},
		{name: "score 0", score: ptr(0), wantErr: true},
		{name: "none"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := NormalizeRating(tt.approved, tt.score)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRating)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.ok, ok)
			assert.InDelta(t, tt.want, got, 1e-12)
		})
	}
}

func TestRewardCompute(t *testing.T) {
	cfg := DefaultRewardConfig()
	tests := []struct {
		name string
		in   rewardInput
		want float64
	}{
		{"rating wins", rewardInput{Rating: ptr(-0.5), Success: true, Quality: ptr(1.0)}, -0.5},
		{"failure penalty", rewardInput{Success: false}, -1},
		{"canceled neutral", rewardInput{Reason: ReasonCanceled}, 0},
		{"expired neutral", rewardInput{Reason: ReasonExpired, Success: true}, 0},
		{"perfect", rewardInput{Success: true, Quality: ptr(1.0)}, 1},
		{"at references", rewardInput{Success: true, Quality: ptr(0.5), Cost: 0.01, LatencyMs: 5000}, -0.5},
		{"no quality", rewardInput{Success: true, Cost: 0.005, LatencyMs: 2500}, 0},
		{"over references clamp", rewardInput{Success: true, Quality: ptr(0.0), Cost: 10, LatencyMs: 1e6}, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cfg.compute(tt.in)
			assert.InDelta(t, tt.want, got, 1e-12)
			assert.GreaterOrEqual(t, got, -1.0)
			assert.LessOrEqual(t, got, 1.0)
		})
	}
}

func TestRewardConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultRewardConfig().Validate())

	cfg := DefaultRewardConfig()
	cfg.QualityWeight, cfg.CostWeight, cfg.LatencyWeight = 0, 0, 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultRewardConfig()
	cfg.FailurePenalty = 0.5
	assert.Error(t, cfg.Validate())
}
