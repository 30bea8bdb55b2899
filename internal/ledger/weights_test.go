package ledger

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWeights_SumAndFloor(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for iter := 0; iter < 500; iter++ {
		n := 1 + rng.Intn(12)
		avgs := make([]float64, n)
		for i := range avgs {
			avgs[i] = rng.Float64()*2 - 1
		}
		floor := 0.01 + rng.Float64()*0.2
		temp := 0.05 + rng.Float64()

		w := Weights(avgs, floor, temp)
		require.Len(t, w, n)

		effective := math.Min(floor, 1/float64(n))
		var sum float64
		for _, x := range w {
			assert.GreaterOrEqual(t, x, effective-1e-12)
			sum += x
		}
		assert.InDelta(t, 1.0, sum, 1e-9)
	}
}

func TestWeights_Monotonic(t *testing.T) {
	w := Weights([]float64{0.8, 0.2, -0.5}, 0.05, 0.25)
	assert.Greater(t, w[0], w[1])
	assert.Greater(t, w[1], w[2])
	assert.GreaterOrEqual(t, w[2], 0.05)
}

func TestWeights_FloorExceedsShare(t *testing.T) {
	w := Weights([]float64{1, -1, 0, 0.5}, 0.4, 0.25)
	for _, x := range w {
		assert.InDelta(t, 0.25, x, 1e-12)
	}
}

func TestWeights_ExtremeRewards(t *testing.T) {
	w := Weights([]float64{1, -1}, 0.05, 0.001)
	assert.False(t, math.IsNaN(w[0]))
	assert.InDelta(t, 0.95, w[0], 1e-9)
	assert.InDelta(t, 0.05, w[1], 1e-9)
}

func TestWeights_Empty(t *testing.T) {
	assert.Nil(t, Weights(nil, 0.05, 0.25))
}
