package handler

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"

	"cors-relay-go/internal/client"
	"cors-relay-go/internal/config"
	"cors-relay-go/internal/guard"
	"cors-relay-go/internal/metrics"
	"cors-relay-go/internal/ratelimit"
	"cors-relay-go/internal/render"
	"cors-relay-go/internal/service"
	"cors-relay-go/internal/target"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			RelayPrefix:  "/relay",
			RenderPrefix: "/render",
		},
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  5,
			IdleConnections: 10,
			MaxRedirects:    10,
			DefaultScheme:   "http",
		},
		Render: config.RenderConfig{
			BaseURL:      "http://127.0.0.1:1",
			Marker:       render.DefaultMarker,
			Accept:       "text/markdown, text/html",
			UserAgent:    "cors-relay-test",
			MaxBodyBytes: 1 << 20,
		},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

type testServer struct {
	echo    *echo.Echo
	metrics *metrics.Metrics
}

// newTestServer builds the full route stack. A nil limiter disables rate
// limiting.
func newTestServer(t *testing.T, cfg *config.Config, rules guard.Rules, l ratelimit.Limiter) *testServer {
	t.Helper()
	logger := discardLogger()

	g, err := guard.New(rules)
	if err != nil {
		t.Fatalf("guard.New() error = %v", err)
	}
	if l == nil {
		l = ratelimit.Noop{}
	}

	m := metrics.New(cfg.Server.RelayPrefix, cfg.Server.RenderPrefix)
	uc := client.NewUpstreamClient(cfg, logger, m)
	res := target.NewResolver(target.Policy{DefaultScheme: cfg.Upstream.DefaultScheme})
	svc := service.NewProxyService(uc, res, render.NewRenderer(cfg.Render.Marker), cfg, logger, m)

	e := echo.New()
	RegisterRoutes(e, cfg, NewRelayHandler(svc, logger), NewHealthHandler(cfg, "test"), g, l, m, logger)
	return &testServer{echo: e, metrics: m}
}

func (s *testServer) do(method, path, origin string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if origin != "" {
		req.Header.Set(echo.HeaderOrigin, origin)
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

type pathLog struct {
	mu    sync.Mutex
	paths []string
}

func (l *pathLog) add(p string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paths = append(l.paths, p)
}

func (l *pathLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.paths...)
}

// readerUpstream serves a reader-style document for every path and records
// the requested paths.
func readerUpstream(t *testing.T, doc string) (*httptest.Server, *pathLog) {
	t.Helper()
	paths := &pathLog{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths.add(r.URL.Path)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.Copy(w, strings.NewReader(doc))
	}))
	t.Cleanup(srv.Close)
	return srv, paths
}
