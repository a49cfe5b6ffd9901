// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/cors-relay/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config          string        `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host            string        `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port            int           `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	AllowOrigins    []string      `kong:"help='Allowed origin patterns, comma-separated (overrides config).',env='ALLOW_ORIGINS',sep=','"`
	DenyOrigins     []string      `kong:"help='Denied origin patterns, comma-separated (overrides config).',env='DENY_ORIGINS',sep=','"`
	RequiredHeaders []string      `kong:"help='Request headers every caller must send, comma-separated (overrides config).',env='REQUIRED_HEADERS',sep=','"`
	RateLimit       int64         `kong:"help='Requests allowed per origin per window (overrides config).',env='RATE_LIMIT'"`
	RateWindow      time.Duration `kong:"help='Rate limit window, e.g. 1h (overrides config).',env='RATE_WINDOW'"`
	MaxRedirects    int           `kong:"help='Redirect ceiling for relayed requests (overrides config).',env='MAX_REDIRECTS'"`
	RenderBaseURL   string        `kong:"help='Upstream content-extraction endpoint for /render (overrides config).',env='RENDER_BASE_URL'"`
	LogLevel        string        `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Origin   OriginConfig   `toml:"origin"`
	Redis    RedisConfig    `toml:"redis"`
	Upstream UpstreamConfig `toml:"upstream"`
	Render   RenderConfig   `toml:"render"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (3000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RelayPrefix  string          `toml:"relay_prefix"`
	RenderPrefix string          `toml:"render_prefix"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-origin request rate limiting.
type RateLimitConfig struct {
	Requests             int64  `toml:"requests"` // 0 disables rate limiting
	WindowSeconds        int    `toml:"window_seconds"`
	Strategy             string `toml:"strategy"`
	Backend              string `toml:"backend"`
	IdleTTLSeconds       int    `toml:"idle_ttl_seconds"`
	SweepIntervalSeconds int    `toml:"sweep_interval_seconds"`
}

// OriginConfig holds the origin allow/deny policy.
type OriginConfig struct {
	Allow           []string `toml:"allow"`
	Deny            []string `toml:"deny"`
	RequiredHeaders []string `toml:"required_headers"`
	Watch           bool     `toml:"watch"`
}

// RedisConfig holds connection settings for the shared rate-limit backend.
type RedisConfig struct {
	Addr      string `toml:"addr"`
	Password  string `toml:"password"`
	DB        int    `toml:"db"`
	KeyPrefix string `toml:"key_prefix"`
}

// UpstreamConfig holds outbound request settings.
type UpstreamConfig struct {
	TimeoutSeconds       int               `toml:"timeout_seconds"`
	IdleConnections      int               `toml:"idle_connections"`
	MaxRedirects         int               `toml:"max_redirects"`
	DisableRedirects     bool              `toml:"disable_redirects"`
	StripHTTPS           bool              `toml:"strip_https"`
	DefaultScheme        string            `toml:"default_scheme"`
	KeepForwarded        bool              `toml:"keep_forwarded"`
	StripHeaders         []string          `toml:"strip_headers"`
	SetHeaders           map[string]string `toml:"set_headers"`
	BlockPrivateNetworks bool              `toml:"block_private_networks"`
}

// RenderConfig holds settings for the markdown-to-HTML route.
type RenderConfig struct {
	BaseURL        string               `toml:"base_url"`
	Marker         string               `toml:"marker"`
	Accept         string               `toml:"accept"`
	UserAgent      string               `toml:"user_agent"`
	MaxBodyBytes   int64                `toml:"max_body_bytes"`
	CircuitBreaker CircuitBreakerConfig `toml:"circuit_breaker"`
}

// CircuitBreakerConfig controls the breaker guarding the render upstream.
type CircuitBreakerConfig struct {
	Enabled         bool    `toml:"enabled"`
	MaxRequests     uint32  `toml:"max_requests"`
	IntervalSeconds int     `toml:"interval_seconds"`
	TimeoutSeconds  int     `toml:"timeout_seconds"`
	MinRequests     uint32  `toml:"min_requests"`
	FailureRatio    float64 `toml:"failure_ratio"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/cors-relay/config.toml then configs/config.toml; if neither exists the
// relay runs on defaults plus CLI/environment values.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if len(cli.AllowOrigins) > 0 {
		c.Origin.Allow = cli.AllowOrigins
	}
	if len(cli.DenyOrigins) > 0 {
		c.Origin.Deny = cli.DenyOrigins
	}
	if len(cli.RequiredHeaders) > 0 {
		c.Origin.RequiredHeaders = cli.RequiredHeaders
	}
	if cli.RateLimit != 0 {
		c.Server.RateLimit.Requests = cli.RateLimit
	}
	if cli.RateWindow != 0 {
		c.Server.RateLimit.WindowSeconds = int(cli.RateWindow / time.Second)
	}
	if cli.MaxRedirects != 0 {
		c.Upstream.MaxRedirects = cli.MaxRedirects
	}
	if cli.RenderBaseURL != "" {
		c.Render.BaseURL = cli.RenderBaseURL
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Upstream.MaxRedirects < 0 {
		return fmt.Errorf("upstream.max_redirects must be non-negative; got %d", c.Upstream.MaxRedirects)
	}
	if c.Render.MaxBodyBytes < 0 {
		return fmt.Errorf("render.max_body_bytes must be non-negative; got %d", c.Render.MaxBodyBytes)
	}

	if err := c.validateRoutes(); err != nil {
		return err
	}
	if err := c.validateRateLimit(); err != nil {
		return err
	}

	switch strings.ToLower(c.Upstream.DefaultScheme) {
	case "", "http", "https":
		// valid
	default:
		return fmt.Errorf("upstream.default_scheme must be http or https; got %q", c.Upstream.DefaultScheme)
	}

	if c.Render.BaseURL != "" {
		u, err := url.Parse(c.Render.BaseURL)
		if err != nil {
			return fmt.Errorf("render.base_url is not a valid URL: %w", err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("render.base_url must be an absolute http(s) URL; got %q", c.Render.BaseURL)
		}
	}
	if cb := c.Render.CircuitBreaker; cb.FailureRatio < 0 || cb.FailureRatio > 1 {
		return fmt.Errorf("render.circuit_breaker.failure_ratio must be within [0, 1]; got %v", cb.FailureRatio)
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range c.reservedRoutes() {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

func (c *Config) validateRoutes() error {
	for name, p := range map[string]string{
		"server.relay_prefix":  c.Server.RelayPrefix,
		"server.render_prefix": c.Server.RenderPrefix,
	} {
		if p == "" {
			continue
		}
		if p[0] != '/' || p == "/" || strings.HasSuffix(p, "/") {
			return fmt.Errorf("%s must start with '/', be non-root and have no trailing slash; got %q", name, p)
		}
		if p == "/healthz" || p == "/status" {
			return fmt.Errorf("%s %q conflicts with a built-in route", name, p)
		}
	}
	relay, render := c.Server.RelayPrefix, c.Server.RenderPrefix
	if relay == "" {
		relay = "/relay"
	}
	if render == "" {
		render = "/render"
	}
	if relay == render {
		return fmt.Errorf("server.relay_prefix and server.render_prefix must differ; both are %q", relay)
	}
	return nil
}

func (c *Config) validateRateLimit() error {
	rl := c.Server.RateLimit
	if rl.Requests < 0 {
		return fmt.Errorf("server.rate_limit.requests must be non-negative; got %d", rl.Requests)
	}
	if rl.WindowSeconds < 0 {
		return fmt.Errorf("server.rate_limit.window_seconds must be non-negative; got %d", rl.WindowSeconds)
	}
	if rl.IdleTTLSeconds < 0 || rl.SweepIntervalSeconds < 0 {
		return fmt.Errorf("server.rate_limit idle_ttl_seconds and sweep_interval_seconds must be non-negative")
	}

	strategy := strings.ToLower(rl.Strategy)
	switch strategy {
	case "", "fixed_window", "token_bucket":
		// valid
	default:
		return fmt.Errorf("server.rate_limit.strategy must be one of: fixed_window, token_bucket; got %q", rl.Strategy)
	}
	backend := strings.ToLower(rl.Backend)
	switch backend {
	case "", "memory":
		// valid
	case "redis":
		if strategy == "token_bucket" {
			return fmt.Errorf("server.rate_limit.backend redis supports only the fixed_window strategy")
		}
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required when server.rate_limit.backend is redis")
		}
	default:
		return fmt.Errorf("server.rate_limit.backend must be one of: memory, redis; got %q", rl.Backend)
	}
	return nil
}

// reservedRoutes lists paths served by the relay itself.
func (c *Config) reservedRoutes() []string {
	relay, render := c.Server.RelayPrefix, c.Server.RenderPrefix
	if relay == "" {
		relay = "/relay"
	}
	if render == "" {
		render = "/render"
	}
	return []string{relay, render, "/healthz", "/status"}
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key. Setting port=0 in
// the config file therefore results in the default port (3000). The exception is
// server.rate_limit.requests, where 0 disables rate limiting.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Server.RelayPrefix == "" {
		c.Server.RelayPrefix = "/relay"
	}
	if c.Server.RenderPrefix == "" {
		c.Server.RenderPrefix = "/render"
	}

	rl := &c.Server.RateLimit
	if rl.WindowSeconds == 0 {
		rl.WindowSeconds = 3600
	}
	rl.Strategy = strings.ToLower(rl.Strategy)
	if rl.Strategy == "" {
		rl.Strategy = "fixed_window"
	}
	rl.Backend = strings.ToLower(rl.Backend)
	if rl.Backend == "" {
		rl.Backend = "memory"
	}
	if rl.IdleTTLSeconds == 0 {
		rl.IdleTTLSeconds = 2 * rl.WindowSeconds
	}
	if rl.SweepIntervalSeconds == 0 {
		rl.SweepIntervalSeconds = 60
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "cors-relay:rl:"
	}

	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 30
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.MaxRedirects == 0 {
		c.Upstream.MaxRedirects = 10
	}
	c.Upstream.DefaultScheme = strings.ToLower(c.Upstream.DefaultScheme)
	if c.Upstream.DefaultScheme == "" {
		c.Upstream.DefaultScheme = "http"
	}

	if c.Render.BaseURL == "" {
		c.Render.BaseURL = "https://r.jina.ai"
	}
	c.Render.BaseURL = strings.TrimSuffix(c.Render.BaseURL, "/")
	if c.Render.Marker == "" {
		c.Render.Marker = "Markdown Content:"
	}
	if c.Render.Accept == "" {
		c.Render.Accept = "text/markdown, text/html"
	}
	if c.Render.UserAgent == "" {
		c.Render.UserAgent = "cors-relay/1.0"
	}
	if c.Render.MaxBodyBytes == 0 {
		c.Render.MaxBodyBytes = 10 * 1024 * 1024
	}
	cb := &c.Render.CircuitBreaker
	if cb.MaxRequests == 0 {
		cb.MaxRequests = 1
	}
	if cb.IntervalSeconds == 0 {
		cb.IntervalSeconds = 60
	}
	if cb.TimeoutSeconds == 0 {
		cb.TimeoutSeconds = 30
	}
	if cb.MinRequests == 0 {
		cb.MinRequests = 5
	}
	if cb.FailureRatio == 0 {
		cb.FailureRatio = 0.6
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Window returns the rate window length.
func (r *RateLimitConfig) Window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

// FilePath returns the config file the configuration was read from, or
// empty when running without one.
func (c *Config) FilePath() string {
	return c.filePath
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
