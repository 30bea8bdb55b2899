package monitor

import "fmt"

// FormatRate formats a rate value as "X.X req/min"
func FormatRate(rate float64) string {
	return fmt.Sprintf("%.1f req/min", rate)
}

// FormatLatency formats latency in milliseconds as "X.Xms" or "X.Xs"
func FormatLatency(ms float64) string {
	if ms < 1000 {
		return fmt.Sprintf("%.1fms", ms)
	}
	return fmt.Sprintf("%.1fs", ms/1000)
}

// FormatPercentage formats a ratio (0-1) as percentage
func FormatPercentage(ratio float64) string {
	return fmt.Sprintf("%.1f%%", ratio*100)
}

// FormatReward formats a reward in [-1,1] with an explicit sign.
func FormatReward(r float64) string {
	return fmt.Sprintf("%+.3f", r)
}

// FormatCount abbreviates large counts as "1.2K" or "3.4M".
func FormatCount(n int64) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	default:
		return fmt.Sprintf("%d", n)
	}
}
