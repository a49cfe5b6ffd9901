package model

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// InvalidTargetError reports a missing or malformed relay target.
type InvalidTargetError struct {
	Raw    string
	Reason string
	Err    error
}

func (e *InvalidTargetError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid target %q: %s: %v", e.Raw, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid target %q: %s", e.Raw, e.Reason)
}

func (e *InvalidTargetError) Unwrap() error { return e.Err }

// MissingHeaderError reports that a required request header was absent.
type MissingHeaderError struct {
	Header string
}

func (e *MissingHeaderError) Error() string {
	return fmt.Sprintf("missing required header %q", e.Header)
}

// ForbiddenOriginError reports an origin rejected by the allow/deny lists.
type ForbiddenOriginError struct {
	Origin string
}

func (e *ForbiddenOriginError) Error() string {
	if e.Origin == "" {
		return "request without origin is not allowed"
	}
	return fmt.Sprintf("origin %q is not allowed", e.Origin)
}

// ForbiddenTargetError reports a target address the relay refuses to dial.
type ForbiddenTargetError struct {
	Address string
}

func (e *ForbiddenTargetError) Error() string {
	return fmt.Sprintf("target address %s is not allowed", e.Address)
}

// RateLimitExceededError reports that a key used up its request budget.
type RateLimitExceededError struct {
	Key        string
	Limit      int64
	RetryAfter time.Duration
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit of %d requests exceeded for %q; retry after %s", e.Limit, e.Key, e.RetryAfter)
}

// UpstreamUnreachableError reports that no upstream response was received:
// connection refused, DNS failure, timeout or cancellation.
type UpstreamUnreachableError struct {
	Target string
	Err    error
}

func (e *UpstreamUnreachableError) Error() string {
	return fmt.Sprintf("upstream %s unreachable: %v", e.Target, e.Err)
}

func (e *UpstreamUnreachableError) Unwrap() error { return e.Err }

// UpstreamError reports an upstream failure that carries a status code.
type UpstreamError struct {
	Status  int
	Message string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error %d: %s", e.Status, e.Message)
}

// RedirectLoopError reports that the redirect ceiling was exceeded.
type RedirectLoopError struct {
	Target string
	Max    int
}

func (e *RedirectLoopError) Error() string {
	return fmt.Sprintf("stopped after %d redirects from %s", e.Max, e.Target)
}

// TransformError reports a failed content conversion.
type TransformError struct {
	Err error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transform: %v", e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }

// HTTPStatus returns the response status for a relay error. Unreachable
// upstreams, redirect loops, transform failures and unknown errors map to 500.
func HTTPStatus(err error) int {
	var (
		invalid   *InvalidTargetError
		missing   *MissingHeaderError
		origin    *ForbiddenOriginError
		forbidden *ForbiddenTargetError
		limited   *RateLimitExceededError
		upstream  *UpstreamError
	)
	switch {
	case errors.As(err, &invalid):
		return http.StatusBadRequest
	case errors.As(err, &missing), errors.As(err, &origin), errors.As(err, &forbidden):
		return http.StatusForbidden
	case errors.As(err, &limited):
		return http.StatusTooManyRequests
	case errors.As(err, &upstream):
		return upstream.Status
	default:
		return http.StatusInternalServerError
	}
}
