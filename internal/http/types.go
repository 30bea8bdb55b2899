package http

import "github.com/fyrsmithlabs/cognitd/internal/router"

// ErrorResponse is returned with every non-2xx status. Decision is set when
// feedback targets an already resolved decision.
type ErrorResponse struct {
	Error    string           `json:"error"`
	Decision *router.Decision `json:"decision,omitempty"`
}

// FeedbackResponse is the body of POST /v1/decisions/:id/feedback.
type FeedbackResponse struct {
	Decision *router.Decision `json:"decision"`
	Reward   float64          `json:"reward"`
}

// PurgeResponse is the body of DELETE /v1/memory.
type PurgeResponse struct {
	Removed int `json:"removed"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	// Status is ok, degraded (a provider is down) or unhealthy (a
	// dependency check failed).
	Status       string            `json:"status"`
	Providers    map[string]bool   `json:"providers,omitempty"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}
