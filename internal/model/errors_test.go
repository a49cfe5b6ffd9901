package model

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid target", &InvalidTargetError{Raw: "", Reason: "empty"}, http.StatusBadRequest},
		{"missing header", &MissingHeaderError{Header: "X-Requested-With"}, http.StatusForbidden},
		{"forbidden origin", &ForbiddenOriginError{Origin: "http://evil.test"}, http.StatusForbidden},
		{"forbidden target", &ForbiddenTargetError{Address: "127.0.0.1"}, http.StatusForbidden},
		{"rate limited", &RateLimitExceededError{Key: "k", Limit: 10}, http.StatusTooManyRequests},
		{"upstream status", &UpstreamError{Status: http.StatusBadGateway}, http.StatusBadGateway},
		{"unreachable", &UpstreamUnreachableError{Target: "http://x", Err: context.Canceled}, http.StatusInternalServerError},
		{"redirect loop", &RedirectLoopError{Target: "http://x", Max: 10}, http.StatusInternalServerError},
		{"transform", &TransformError{Err: errors.New("bad")}, http.StatusInternalServerError},
		{"wrapped", fmt.Errorf("relay: %w", &InvalidTargetError{Reason: "x"}), http.StatusBadRequest},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTTPStatus(tt.err); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestUpstreamUnreachableError_Unwrap(t *testing.T) {
	err := &UpstreamUnreachableError{Target: "http://x", Err: context.DeadlineExceeded}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("errors.Is should see through UpstreamUnreachableError")
	}
}
