package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrUnknownProvider is returned when a candidate names an unregistered provider.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrEmptyInput indicates empty prompt or texts.
	ErrEmptyInput = errors.New("empty input")

	// ErrInvalidConfig indicates invalid provider configuration.
	ErrInvalidConfig = errors.New("invalid provider configuration")

	// ErrEmptyResponse indicates the backend answered without content.
	ErrEmptyResponse = errors.New("empty response from provider")
)

// Kind classifies a provider failure for retry decisions.
type Kind int

const (
	// Permanent failures are surfaced immediately without retry.
	Permanent Kind = iota
	// Transient failures may be retried or routed to another candidate.
	Transient
)

func (k Kind) String() string {
	if k == Transient {
		return "transient"
	}
	return "permanent"
}

// Error is the typed failure returned by every provider call.
type Error struct {
	Provider   string
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s: %s error (%d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s: %s error: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as a transient failure.
func NewTransientError(provider string, err error) *Error {
	return &Error{Provider: provider, Kind: Transient, Err: err}
}

// NewPermanentError wraps err as a permanent failure.
func NewPermanentError(provider string, err error) *Error {
	return &Error{Provider: provider, Kind: Permanent, Err: err}
}

// IsTransient reports whether err should be retried or routed elsewhere.
//
// Typed provider errors carry their own kind. Otherwise deadlines, network
// errors and retryable gRPC codes are transient; context cancellation and
// everything else is not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == Transient
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
			return true
		}
	}
	return false
}

// classifyStatus maps an HTTP status to a provider error, or nil for 200.
func classifyStatus(provider string, code int, msg string) error {
	if code == http.StatusOK {
		return nil
	}
	kind := Permanent
	if code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500 {
		kind = Transient
	}
	return &Error{Provider: provider, Kind: kind, StatusCode: code, Err: errors.New(msg)}
}
