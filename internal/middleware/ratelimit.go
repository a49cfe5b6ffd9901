package middleware

import (
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"cors-relay-go/internal/metrics"
	"cors-relay-go/internal/model"
	"cors-relay-go/internal/ratelimit"
)

// Rate limit response headers.
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRetryAfter         = "Retry-After"
)

// RateLimitKey identifies the caller: its origin, or its IP when the request
// carries none.
func RateLimitKey(c echo.Context) string {
	if origin := c.Request().Header.Get(echo.HeaderOrigin); origin != "" {
		return origin
	}
	return c.RealIP()
}

// RateLimit rejects callers that exhausted their budget with a
// RateLimitExceededError and a Retry-After header. When the limiter itself
// fails (e.g. Redis is down) the request is let through and a warning logged.
// The metrics parameter is optional.
func RateLimit(l ratelimit.Limiter, m *metrics.Metrics, logger *slog.Logger) echo.MiddlewareFunc {
	logger = logger.With("component", "rate_limit")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := RateLimitKey(c)

			d, err := l.Allow(c.Request().Context(), key)
			if err != nil {
				logger.Warn("rate limiter unavailable; allowing request", "key", key, "err", err)
				return next(c)
			}

			h := c.Response().Header()
			if d.Limit > 0 {
				h.Set(HeaderRateLimitLimit, strconv.FormatInt(d.Limit, 10))
				if d.Remaining >= 0 {
					h.Set(HeaderRateLimitRemaining, strconv.FormatInt(d.Remaining, 10))
				}
				if !d.ResetAt.IsZero() {
					h.Set(HeaderRateLimitReset, strconv.FormatInt(d.ResetAt.Unix(), 10))
				}
			}

			if !d.Allowed {
				h.Set(HeaderRetryAfter, strconv.Itoa(retryAfterSeconds(d.RetryAfter)))
				if m != nil {
					m.RejectedTotal.WithLabelValues("rate_limit").Inc()
				}
				logger.Warn("request rejected", "kind", "rate_limit", "key", key, "retry_after", d.RetryAfter)
				return &model.RateLimitExceededError{Key: key, Limit: d.Limit, RetryAfter: d.RetryAfter}
			}
			return next(c)
		}
	}
}

// retryAfterSeconds rounds up to whole seconds, never below one.
func retryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
