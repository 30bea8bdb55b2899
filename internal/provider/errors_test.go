package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"typed transient", NewTransientError("a", errors.New("x")), true},
		{"typed permanent", NewPermanentError("a", errors.New("x")), false},
		{"wrapped transient", fmt.Errorf("call: %w", NewTransientError("a", errors.New("x"))), true},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"net error", &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{"grpc unavailable", status.Error(grpccodes.Unavailable, "down"), true},
		{"grpc resource exhausted", status.Error(grpccodes.ResourceExhausted, "quota"), true},
		{"grpc invalid argument", status.Error(grpccodes.InvalidArgument, "bad"), false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	assert.NoError(t, classifyStatus("a", http.StatusOK, ""))

	for code, want := range map[int]Kind{
		http.StatusTooManyRequests:     Transient,
		http.StatusRequestTimeout:      Transient,
		http.StatusInternalServerError: Transient,
		http.StatusBadGateway:          Transient,
		http.StatusBadRequest:          Permanent,
		http.StatusUnauthorized:        Permanent,
		http.StatusNotFound:            Permanent,
	} {
		err := classifyStatus("a", code, "msg")
		var pe *Error
		if assert.ErrorAs(t, err, &pe) {
			assert.Equal(t, want, pe.Kind, "status %d", code)
			assert.Equal(t, code, pe.StatusCode)
			assert.Contains(t, pe.Error(), "msg")
		}
	}
}

func TestError_Unwrap(t *testing.T) {
	base := errors.New("root cause")
	err := NewPermanentError("p", base)
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "provider p: permanent error: root cause", err.Error())
}
