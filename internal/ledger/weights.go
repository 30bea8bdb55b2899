package ledger

import "math"

// Weights turns average rewards into a sampling distribution:
//
//	w_i = floor + (1 - n*floor) * softmax(avg_i / temperature)
//
// The result sums to 1, every weight is at least floor and weights are
// monotonic in the average reward. When n*floor exceeds 1 the floor becomes
// 1/n and the distribution is uniform.
func Weights(avgs []float64, floor, temperature float64) []float64 {
	n := len(avgs)
	if n == 0 {
		return nil
	}
	if floor*float64(n) > 1 {
		floor = 1 / float64(n)
	}
	if temperature <= 0 {
		temperature = 1
	}

	maxAvg := math.Inf(-1)
	for _, a := range avgs {
		maxAvg = math.Max(maxAvg, a)
	}
	exps := make([]float64, n)
	var sum float64
	for i, a := range avgs {
		exps[i] = math.Exp((a - maxAvg) / temperature)
		sum += exps[i]
	}

	rest := 1 - float64(n)*floor
	out := make([]float64, n)
	for i := range exps {
		out[i] = floor + rest*exps[i]/sum
	}
	return out
}
