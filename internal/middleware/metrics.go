package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"cors-relay-go/internal/metrics"
	"cors-relay-go/internal/model"
)

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()

			err := next(c)

			status := strconv.Itoa(responseStatus(c, err))
			method := metrics.NormalizeMethod(c.Request().Method)
			path := m.NormalizePath(c.Request().URL.Path)
			duration := time.Since(start).Seconds()

			m.RequestsTotal.WithLabelValues(method, status, path).Inc()
			m.RequestDuration.WithLabelValues(method, status, path).Observe(duration)

			return err
		}
	}
}

// responseStatus resolves the status the client will see. When a handler
// returns an error, the response hasn't been written yet; Echo's central
// error handler will do that later, so the code is derived from the error.
// A response nothing was written to goes out as 200.
func responseStatus(c echo.Context, err error) int {
	if err == nil || c.Response().Committed {
		if c.Response().Status == 0 {
			return http.StatusOK
		}
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return model.HTTPStatus(err)
}
