package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/labstack/echo/v4"

	"cors-relay-go/internal/config"
	"cors-relay-go/internal/model"
	"cors-relay-go/internal/render"
)

// queryPattern matches query strings of URLs embedded in error messages;
// relayed queries often carry the caller's tokens.
var queryPattern = regexp.MustCompile(`\?[^\s"]+`)

// NewErrorHandler returns Echo's central error handler. Relay-route errors are
// written as JSON, render-route errors as HTML pages.
func NewErrorHandler(cfg *config.Config, logger *slog.Logger) echo.HTTPErrorHandler {
	logger = logger.With("component", "error_handler")
	renderPrefix := cfg.Server.RenderPrefix

	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status, kind, msg := describe(err)
		req := c.Request()

		attrs := []any{
			"kind", kind,
			"status", status,
			"path", req.URL.Path,
			"origin", req.Header.Get(echo.HeaderOrigin),
			"err", sanitizeError(err),
		}
		if status >= http.StatusInternalServerError {
			logger.Error("request failed", attrs...)
		} else {
			logger.Debug("request rejected", attrs...)
		}

		var werr error
		switch {
		case req.Method == http.MethodHead:
			werr = c.NoContent(status)
		case renderPrefix != "" && (req.URL.Path == renderPrefix || strings.HasPrefix(req.URL.Path, renderPrefix+"/")):
			werr = c.HTMLBlob(status, render.ErrorPage(status, msg))
		default:
			werr = c.JSON(status, map[string]string{"error": msg})
		}
		if werr != nil {
			logger.Error("writing error response", "err", werr)
		}
	}
}

// describe maps err to a status code, a log kind and a message safe to show
// the caller. Internal details stay in the logs.
func describe(err error) (int, string, string) {
	var (
		he          *echo.HTTPError
		invalid     *model.InvalidTargetError
		missing     *model.MissingHeaderError
		origin      *model.ForbiddenOriginError
		forbidden   *model.ForbiddenTargetError
		limited     *model.RateLimitExceededError
		upstream    *model.UpstreamError
		unreachable *model.UpstreamUnreachableError
		loop        *model.RedirectLoopError
		transform   *model.TransformError
	)
	status := model.HTTPStatus(err)

	switch {
	case errors.As(err, &he):
		msg := http.StatusText(he.Code)
		if s, ok := he.Message.(string); ok && s != "" {
			msg = s
		}
		return he.Code, "http", msg
	case errors.As(err, &invalid):
		return status, "invalid_target", "invalid target: " + invalid.Reason
	case errors.As(err, &missing):
		return status, "missing_header", missing.Error()
	case errors.As(err, &origin):
		return status, "forbidden_origin", "origin not allowed"
	case errors.As(err, &forbidden):
		return status, "forbidden_target", "target address not allowed"
	case errors.As(err, &limited):
		return status, "rate_limit", "rate limit exceeded"
	case errors.As(err, &upstream):
		return status, "upstream_status", fmt.Sprintf("upstream responded %d %s", upstream.Status, http.StatusText(upstream.Status))
	case errors.As(err, &loop):
		return status, "redirect_loop", "too many redirects"
	case errors.As(err, &unreachable):
		return status, "upstream_unreachable", "error occurred while relaying request"
	case errors.As(err, &transform):
		return status, "transform", "failed to render document"
	default:
		return http.StatusInternalServerError, "internal", http.StatusText(http.StatusInternalServerError)
	}
}

// sanitizeError redacts query strings from error messages that may contain target URLs.
func sanitizeError(err error) string {
	return queryPattern.ReplaceAllString(err.Error(), "?[REDACTED]")
}
