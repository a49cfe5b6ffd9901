package middleware

import (
	"errors"
	"log/slog"

	"github.com/labstack/echo/v4"

	"cors-relay-go/internal/guard"
	"cors-relay-go/internal/metrics"
	"cors-relay-go/internal/model"
)

// OriginGuard rejects requests whose origin or headers fail the guard's
// policy before anything is sent upstream. The metrics parameter is optional.
func OriginGuard(g *guard.Guard, m *metrics.Metrics, logger *slog.Logger) echo.MiddlewareFunc {
	logger = logger.With("component", "origin_guard")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			origin := req.Header.Get(echo.HeaderOrigin)

			if err := g.Check(req.Header, origin); err != nil {
				reason := "origin"
				var missing *model.MissingHeaderError
				if errors.As(err, &missing) {
					reason = "missing_header"
				}
				if m != nil {
					m.RejectedTotal.WithLabelValues(reason).Inc()
				}
				logger.Warn("request rejected",
					"kind", reason,
					"origin", origin,
					"path", req.URL.Path,
				)
				return err
			}
			return next(c)
		}
	}
}
