package handler

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"cors-relay-go/internal/config"
	"cors-relay-go/internal/guard"
	"cors-relay-go/internal/metrics"
	"cors-relay-go/internal/middleware"
	"cors-relay-go/internal/ratelimit"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
//
// Relay and render routes share one middleware chain: preflights are answered
// first, then the origin policy runs, then the CORS header is attached, then
// the caller's budget is charged. Rejected origins therefore never receive a
// CORS header and never consume budget.
func RegisterRoutes(
	e *echo.Echo,
	cfg *config.Config,
	relay *RelayHandler,
	health *HealthHandler,
	g *guard.Guard,
	l ratelimit.Limiter,
	m *metrics.Metrics,
	logger *slog.Logger,
) {
	e.HTTPErrorHandler = NewErrorHandler(cfg, logger)

	e.GET("/healthz", health.Healthz)
	e.GET("/status", health.Status)
	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(m.Handler()))
	}

	chain := []echo.MiddlewareFunc{
		middleware.Preflight(),
		middleware.OriginGuard(g, m, logger),
		middleware.CORSHeaders(),
		middleware.RateLimit(l, m, logger),
	}

	rg := e.Group(cfg.Server.RelayPrefix, chain...)
	rg.Any("", relay.Relay)
	rg.Any("/*", relay.Relay)

	renderMethods := []string{http.MethodGet, http.MethodHead, http.MethodOptions}
	mg := e.Group(cfg.Server.RenderPrefix, chain...)
	mg.Match(renderMethods, "", relay.Render)
	mg.Match(renderMethods, "/*", relay.Render)
}
