package handler

import (
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"

	"cors-relay-go/internal/model"
	"cors-relay-go/internal/service"
)

// corsSafelisted are response headers browsers expose without being told.
var corsSafelisted = map[string]bool{
	"Cache-Control":    true,
	"Content-Language": true,
	"Content-Length":   true,
	"Content-Type":     true,
	"Expires":          true,
	"Last-Modified":    true,
	"Pragma":           true,
}

// RelayHandler serves the relay and render routes.
type RelayHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewRelayHandler creates a RelayHandler.
func NewRelayHandler(svc *service.ProxyService, logger *slog.Logger) *RelayHandler {
	return &RelayHandler{
		service: svc,
		logger:  logger.With("component", "relay_handler"),
	}
}

// Relay forwards the request to the target named in the path and streams the
// response back.
func (h *RelayHandler) Relay(c echo.Context) error {
	return h.serve(c, h.service.RelayOptions())
}

// Render fetches the target through the extraction service and returns it as
// an HTML page.
func (h *RelayHandler) Render(c echo.Context) error {
	if c.Request().Method == http.MethodOptions {
		return c.NoContent(http.StatusNoContent)
	}
	return h.serve(c, h.service.RenderOptions())
}

func (h *RelayHandler) serve(c echo.Context, opts service.RouteOptions) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          req.URL.EscapedPath(),
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
		Origin:        req.Header.Get(echo.HeaderOrigin),
		RemoteAddr:    c.RealIP(),
	}

	resp, err := h.service.Relay(pr, opts)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	copyResponseHeaders(c.Response().Header(), resp)
	c.Response().WriteHeader(resp.StatusCode)

	// Once the status is sent a failed copy can only truncate the body; the
	// client sees the original status, so the failure is logged.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", sanitizeError(err),
			"path", req.URL.Path,
			"origin", pr.Origin,
		)
	}

	return nil
}

// copyResponseHeaders moves the relayable upstream headers to dst and
// advertises them to the browser.
func copyResponseHeaders(dst http.Header, resp *model.ProxyResponse) {
	// Headers named by Connection are hop-by-hop as well.
	connScoped := make(map[string]bool)
	for _, v := range resp.Header.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				connScoped[http.CanonicalHeaderKey(name)] = true
			}
		}
	}

	var exposed []string
	for key, vals := range resp.Header {
		if service.ResponseHeaderFilter(key) || connScoped[http.CanonicalHeaderKey(key)] {
			continue
		}
		dst[key] = vals
		if !corsSafelisted[http.CanonicalHeaderKey(key)] {
			exposed = append(exposed, key)
		}
	}
	if resp.Transformed {
		dst.Set(echo.HeaderContentType, "text/html; charset=UTF-8")
	}

	dst.Set(echo.HeaderAccessControlAllowOrigin, "*")
	if len(exposed) > 0 {
		sort.Strings(exposed)
		dst.Set(echo.HeaderAccessControlExposeHeaders, strings.Join(exposed, ", "))
	}
}
