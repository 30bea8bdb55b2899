package ledger

import "time"

// Report summarizes routing performance for one task type.
type Report struct {
	TaskType       string    `json:"task_type"`
	Entries        []Entry   `json:"entries"`
	TotalRequests  int64     `json:"total_requests"`
	TotalSuccesses int64     `json:"total_successes"`
	GeneratedAt    time.Time `json:"generated_at"`
}

// SuccessRate is the share of successful requests, 0 when there are none.
func (r Report) SuccessRate() float64 {
	if r.TotalRequests == 0 {
		return 0
	}
	return float64(r.TotalSuccesses) / float64(r.TotalRequests)
}

// Best returns the heaviest entry. For a report spanning all task types
// this is the heaviest entry of the first task type.
func (r Report) Best() (Entry, bool) {
	if len(r.Entries) == 0 {
		return Entry{}, false
	}
	return r.Entries[0], true
}

// Report builds the performance report for taskType. An empty taskType
// covers all task types.
func (l *Ledger) Report(taskType string) Report {
	r := Report{TaskType: taskType, Entries: l.Stats(taskType), GeneratedAt: l.now().UTC()}
	for _, e := range r.Entries {
		r.TotalRequests += e.Stat.RequestCount
		r.TotalSuccesses += e.Stat.SuccessCount
	}
	return r
}
