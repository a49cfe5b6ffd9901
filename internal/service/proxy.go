// Package service implements the relay pipeline: resolve the target, forward
// the request, and optionally transform the response.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"cors-relay-go/internal/client"
	"cors-relay-go/internal/config"
	"cors-relay-go/internal/metrics"
	"cors-relay-go/internal/model"
	"cors-relay-go/internal/render"
	"cors-relay-go/internal/target"
)

var errDocumentTooLarge = errors.New("document exceeds render.max_body_bytes")

const defaultMaxDocumentBytes = 10 << 20

// RouteOptions configures one relay route.
type RouteOptions struct {
	// Prefix is the route prefix stripped from the inbound path.
	Prefix string
	// FollowRedirects and MaxRedirects set the redirect policy.
	FollowRedirects bool
	MaxRedirects    int
	// UpstreamBase, when set, is prepended to the resolved target: the
	// request goes to UpstreamBase + "/" + target.
	UpstreamBase string
	// Transform renders the upstream markdown body to HTML.
	Transform bool
}

// fetched is an upstream document read fully into memory.
type fetched struct {
	body []byte
}

// ProxyService handles the forwarding logic for relay requests.
type ProxyService struct {
	client   *client.UpstreamClient
	resolver *target.Resolver
	renderer *render.Renderer
	breaker  *gobreaker.CircuitBreaker[fetched]
	headers  HeaderOptions
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewProxyService creates a ProxyService. The metrics parameter is optional.
func NewProxyService(c *client.UpstreamClient, r *target.Resolver, rend *render.Renderer, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	s := &ProxyService{
		client:   c,
		resolver: r,
		renderer: rend,
		headers: HeaderOptions{
			KeepForwarded: cfg.Upstream.KeepForwarded,
			Strip:         cfg.Upstream.StripHeaders,
			Set:           cfg.Upstream.SetHeaders,
		},
		cfg:     cfg,
		logger:  logger.With("component", "proxy_service"),
		metrics: m,
	}
	if cfg.Render.CircuitBreaker.Enabled {
		s.breaker = gobreaker.NewCircuitBreaker[fetched](s.breakerSettings())
	}
	return s
}

// RelayOptions returns the options for the generic relay route.
func (s *ProxyService) RelayOptions() RouteOptions {
	return RouteOptions{
		Prefix:          s.cfg.Server.RelayPrefix,
		FollowRedirects: !s.cfg.Upstream.DisableRedirects,
		MaxRedirects:    s.cfg.Upstream.MaxRedirects,
	}
}

// RenderOptions returns the options for the markdown render route.
func (s *ProxyService) RenderOptions() RouteOptions {
	return RouteOptions{
		Prefix:          s.cfg.Server.RenderPrefix,
		FollowRedirects: true,
		MaxRedirects:    s.cfg.Upstream.MaxRedirects,
		UpstreamBase:    s.cfg.Render.BaseURL,
		Transform:       true,
	}
}

// Relay resolves the target named in pr and forwards the request. The caller
// is responsible for closing the response body.
func (s *ProxyService) Relay(pr *model.ProxyRequest, opts RouteOptions) (*model.ProxyResponse, error) {
	t, err := s.resolver.Resolve(pr.Path, opts.Prefix, pr.RawQuery)
	if err != nil {
		return nil, err
	}

	ctx := client.WithRedirectPolicy(pr.Ctx, client.RedirectPolicy{
		Follow: opts.FollowRedirects,
		Max:    opts.MaxRedirects,
	})

	if opts.Transform {
		return s.render(ctx, pr, t, opts)
	}

	s.logger.Debug("relaying request",
		"method", pr.Method,
		"target", t.String(),
		"origin", pr.Origin,
	)

	req, err := http.NewRequestWithContext(ctx, pr.Method, t.String(), pr.Body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = BuildOutboundHeaders(pr.Header, s.headers)
	if pr.ContentLength != 0 {
		req.ContentLength = pr.ContentLength
	}

	return s.client.Do(req)
}

func (s *ProxyService) render(ctx context.Context, pr *model.ProxyRequest, t model.TargetURL, opts RouteOptions) (*model.ProxyResponse, error) {
	u := strings.TrimSuffix(opts.UpstreamBase, "/") + "/" + t.String()
	header := http.Header{
		"Accept":     {s.cfg.Render.Accept},
		"User-Agent": {s.cfg.Render.UserAgent},
	}

	s.logger.Debug("fetching document", "target", t.String(), "origin", pr.Origin)

	fetch := func() (fetched, error) {
		resp, err := s.client.DoStream(ctx, http.MethodGet, u, header, nil)
		if err != nil {
			return fetched{}, err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= http.StatusBadRequest {
			return fetched{}, &model.UpstreamError{
				Status:  resp.StatusCode,
				Message: http.StatusText(resp.StatusCode),
			}
		}

		limit := s.cfg.Render.MaxBodyBytes
		if limit <= 0 {
			limit = defaultMaxDocumentBytes
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
		if err != nil {
			return fetched{}, &model.UpstreamUnreachableError{Target: t.String(), Err: err}
		}
		if int64(len(body)) > limit {
			return fetched{}, &model.TransformError{Err: errDocumentTooLarge}
		}
		return fetched{body: body}, nil
	}

	var (
		doc fetched
		err error
	)
	if s.breaker != nil {
		doc, err = s.breaker.Execute(fetch)
	} else {
		doc, err = fetch()
	}
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			s.countRender("circuit_open")
			return nil, &model.UpstreamUnreachableError{Target: t.String(), Err: err}
		}
		s.countRender(renderResult(err))
		return nil, err
	}

	out, err := s.renderer.Render(doc.body)
	if err != nil {
		s.countRender("transform_error")
		return nil, err
	}
	s.countRender("ok")

	return &model.ProxyResponse{
		StatusCode:  http.StatusOK,
		Header:      http.Header{"Content-Type": {"text/html; charset=UTF-8"}},
		Body:        io.NopCloser(bytes.NewReader(out)),
		Transformed: true,
	}, nil
}

func (s *ProxyService) countRender(result string) {
	if s.metrics != nil {
		s.metrics.RenderTotal.WithLabelValues(result).Inc()
	}
}

func renderResult(err error) string {
	var (
		upErr *model.UpstreamError
		trErr *model.TransformError
	)
	switch {
	case errors.As(err, &upErr):
		return "upstream_error"
	case errors.As(err, &trErr):
		return "transform_error"
	default:
		return "unreachable"
	}
}

func (s *ProxyService) breakerSettings() gobreaker.Settings {
	cb := s.cfg.Render.CircuitBreaker
	return gobreaker.Settings{
		Name:        "render",
		MaxRequests: cb.MaxRequests,
		Interval:    time.Duration(cb.IntervalSeconds) * time.Second,
		Timeout:     time.Duration(cb.TimeoutSeconds) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cb.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cb.FailureRatio
		},
		// Client errors and oversized documents say nothing about upstream health.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var upErr *model.UpstreamError
			if errors.As(err, &upErr) {
				return upErr.Status < http.StatusInternalServerError
			}
			var trErr *model.TransformError
			return errors.As(err, &trErr)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
			if s.metrics != nil {
				s.metrics.CircuitBreakerState.Set(float64(to))
			}
		},
	}
}
