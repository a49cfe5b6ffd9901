package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"cors-relay-go/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type rateLimitStatus struct {
	Requests      int64  `json:"requests"`
	WindowSeconds int    `json:"window_seconds"`
	Strategy      string `json:"strategy"`
	Backend       string `json:"backend"`
}

type statusResponse struct {
	Status       string          `json:"status"`
	Version      string          `json:"version"`
	RelayPrefix  string          `json:"relay_prefix"`
	RenderPrefix string          `json:"render_prefix"`
	RenderURL    string          `json:"render_url"`
	MaxRedirects int             `json:"max_redirects"`
	RateLimit    rateLimitStatus `json:"rate_limit"`
}

// Status returns relay status information.
func (h *HealthHandler) Status(c echo.Context) error {
	rl := h.cfg.Server.RateLimit
	return c.JSON(http.StatusOK, statusResponse{
		Status:       "ok",
		Version:      string(h.version),
		RelayPrefix:  h.cfg.Server.RelayPrefix,
		RenderPrefix: h.cfg.Server.RenderPrefix,
		RenderURL:    h.cfg.Render.BaseURL,
		MaxRedirects: h.cfg.Upstream.MaxRedirects,
		RateLimit: rateLimitStatus{
			Requests:      rl.Requests,
			WindowSeconds: rl.WindowSeconds,
			Strategy:      rl.Strategy,
			Backend:       rl.Backend,
		},
	})
}
