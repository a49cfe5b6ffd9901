// Package client provides the outbound HTTP client used to reach relay targets.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"syscall"
	"time"

	"cors-relay-go/internal/config"
	"cors-relay-go/internal/metrics"
	"cors-relay-go/internal/model"
)

// RedirectPolicy controls how redirects are handled for one request.
type RedirectPolicy struct {
	Follow bool
	Max    int
}

type redirectPolicyKey struct{}

// WithRedirectPolicy attaches a per-request redirect policy to ctx. Requests
// without one use the client's configured default.
func WithRedirectPolicy(ctx context.Context, p RedirectPolicy) context.Context {
	return context.WithValue(ctx, redirectPolicyKey{}, p)
}

// errTooManyRedirects is returned from CheckRedirect once the ceiling is hit.
var errTooManyRedirects = errors.New("too many redirects")

// UpstreamClient sends relayed requests to arbitrary targets.
type UpstreamClient struct {
	httpClient *http.Client
	policy     RedirectPolicy
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	if cfg.Upstream.BlockPrivateNetworks {
		dialer.Control = refusePrivate
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext:         dialer.DialContext,
	}

	c := &UpstreamClient{
		policy: RedirectPolicy{
			Follow: !cfg.Upstream.DisableRedirects,
			Max:    cfg.Upstream.MaxRedirects,
		},
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
	}
	c.httpClient = &http.Client{
		Transport:     transport,
		Timeout:       time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		CheckRedirect: c.checkRedirect,
	}
	return c
}

func (c *UpstreamClient) checkRedirect(req *http.Request, via []*http.Request) error {
	p, ok := req.Context().Value(redirectPolicyKey{}).(RedirectPolicy)
	if !ok {
		p = c.policy
	}
	if !p.Follow {
		return http.ErrUseLastResponse
	}
	// via holds every request already sent, so len(via) is the hop about to be taken.
	if len(via) > p.Max {
		return errTooManyRedirects
	}
	c.logger.Debug("following redirect", "hop", len(via), "location", req.URL.Redacted())
	if c.metrics != nil {
		c.metrics.RedirectsFollowed.Inc()
	}
	return nil
}

// Do executes an HTTP request against the target and returns the raw response.
// The caller is responsible for closing the response body.
func (c *UpstreamClient) Do(req *http.Request) (*model.ProxyResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"host", req.URL.Host,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)
	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
	}

	if err != nil {
		mapped := c.mapError(req, err)
		c.logger.Debug("upstream request failed", "host", req.URL.Host, "err", err)
		return nil, mapped
	}

	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// DoStream executes a request and returns the response body as a stream.
// The caller is responsible for closing the returned ReadCloser.
// The provided context controls the lifetime of the upstream request:
// when the context is canceled (e.g. client disconnects), the upstream
// request is also canceled.
func (c *UpstreamClient) DoStream(ctx context.Context, method, url string, header http.Header, body io.Reader) (*model.ProxyResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if header != nil {
		req.Header = header
	}

	return c.Do(req)
}

// mapError converts transport failures into the relay's error kinds.
func (c *UpstreamClient) mapError(req *http.Request, err error) error {
	target := req.URL.Redacted()

	var forbidden *model.ForbiddenTargetError
	switch {
	case errors.Is(err, errTooManyRedirects):
		c.countError("redirect_limit")
		limit := c.policy.Max
		if p, ok := req.Context().Value(redirectPolicyKey{}).(RedirectPolicy); ok {
			limit = p.Max
		}
		return &model.RedirectLoopError{Target: target, Max: limit}
	case errors.As(err, &forbidden):
		c.countError("forbidden_address")
		return forbidden
	case errors.Is(err, context.Canceled):
		c.countError("canceled")
	case errors.Is(err, context.DeadlineExceeded), isTimeout(err):
		c.countError("timeout")
	default:
		c.countError("network")
	}
	return &model.UpstreamUnreachableError{Target: target, Err: err}
}

func (c *UpstreamClient) countError(kind string) {
	if c.metrics != nil {
		c.metrics.UpstreamErrors.WithLabelValues(kind).Inc()
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("ff00::/8"),
}

// isBlockedAddr reports whether ip is loopback, private, link-local or otherwise
// not publicly routable.
func isBlockedAddr(ip netip.Addr) bool {
	ip = ip.Unmap()
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return true
	}
	for _, p := range blockedPrefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// refusePrivate runs after DNS resolution, so it also covers hostnames that
// resolve to internal addresses and redirects to them.
func refusePrivate(_, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return &model.ForbiddenTargetError{Address: address}
	}
	if isBlockedAddr(ap.Addr()) {
		return &model.ForbiddenTargetError{Address: ap.Addr().String()}
	}
	return nil
}
