package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"

	"cors-relay-go/internal/client"
	"cors-relay-go/internal/config"
	"cors-relay-go/internal/guard"
	"cors-relay-go/internal/handler"
	"cors-relay-go/internal/metrics"
	"cors-relay-go/internal/middleware"
	"cors-relay-go/internal/ratelimit"
	"cors-relay-go/internal/render"
	"cors-relay-go/internal/service"
	"cors-relay-go/internal/target"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// A .env file is optional; variables already set in the environment win.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: reading .env: %v\n", err)
	}

	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("cors-relay"),
		kong.Description("CORS relay: forwards browser requests to arbitrary targets and renders extracted documents as HTML."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			newMetrics,
			newEcho,
			newGuard,
			newResolver,
			newLimiter,
			newRenderer,
			client.NewUpstreamClient,
			service.NewProxyService,
			handler.NewRelayHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, watchConfig, startServer),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newMetrics(cfg *config.Config) *metrics.Metrics {
	return metrics.New(cfg.Server.RelayPrefix, cfg.Server.RenderPrefix, cfg.Metrics.Path)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// Relayed bodies are streamed; the upstream client timeout bounds them instead.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: uuid.NewString}))
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m))
	}
	e.Use(middleware.RequestLogger(logger))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())

	return e
}

func guardRules(cfg *config.Config) guard.Rules {
	return guard.Rules{
		Allow:    cfg.Origin.Allow,
		Deny:     cfg.Origin.Deny,
		Required: cfg.Origin.RequiredHeaders,
	}
}

func newGuard(cfg *config.Config) (*guard.Guard, error) {
	g, err := guard.New(guardRules(cfg))
	if err != nil {
		return nil, fmt.Errorf("origin policy: %w", err)
	}
	return g, nil
}

func newResolver(cfg *config.Config) *target.Resolver {
	return target.NewResolver(target.Policy{
		StripHTTPS:    cfg.Upstream.StripHTTPS,
		DefaultScheme: cfg.Upstream.DefaultScheme,
	})
}

func newRenderer(cfg *config.Config) *render.Renderer {
	return render.NewRenderer(cfg.Render.Marker)
}

// newLimiter builds the limiter selected by server.rate_limit and registers
// the lifecycle of whatever backs it.
func newLimiter(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (ratelimit.Limiter, error) {
	rl := cfg.Server.RateLimit
	if rl.Requests == 0 {
		logger.Info("rate limiting disabled")
		return ratelimit.Noop{}, nil
	}

	window := rl.Window()
	idle := time.Duration(rl.IdleTTLSeconds) * time.Second
	logger.Info("rate limiter enabled",
		"requests", rl.Requests,
		"window", window,
		"strategy", rl.Strategy,
		"backend", rl.Backend,
	)

	switch {
	case rl.Backend == "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				// Unavailable redis is not fatal: the limiter fails open.
				if err := rdb.Ping(ctx).Err(); err != nil {
					logger.Warn("redis unreachable at startup", "addr", cfg.Redis.Addr, "err", err)
				}
				return nil
			},
			OnStop: func(context.Context) error {
				return rdb.Close()
			},
		})
		return ratelimit.NewFixedWindow(ratelimit.NewRedisStore(rdb, cfg.Redis.KeyPrefix), rl.Requests, window), nil

	case rl.Strategy == ratelimit.StrategyTokenBucket:
		return ratelimit.NewTokenBucket(rl.Requests, window, idle), nil

	default:
		store := ratelimit.NewMemoryStore()
		sw, err := ratelimit.NewSweeper(store, time.Duration(rl.SweepIntervalSeconds)*time.Second, idle, logger)
		if err != nil {
			return nil, err
		}
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				sw.Start()
				return nil
			},
			OnStop: sw.Stop,
		})
		return ratelimit.NewFixedWindow(store, rl.Requests, window), nil
	}
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

// watchConfig reloads the origin policy when the config file changes.
func watchConfig(lc fx.Lifecycle, cli *config.CLI, cfg *config.Config, g *guard.Guard, logger *slog.Logger) error {
	if !cfg.Origin.Watch {
		return nil
	}
	if cfg.FilePath() == "" {
		logger.Warn("origin.watch is set but no config file is in use")
		return nil
	}

	w, err := config.NewWatcher(cli, cfg, logger, func(next *config.Config) {
		if err := g.Update(guardRules(next)); err != nil {
			logger.Error("origin policy reload rejected", "err", err)
			return
		}
		logger.Info("origin policy reloaded",
			"allow", len(next.Origin.Allow),
			"deny", len(next.Origin.Deny),
			"required_headers", len(next.Origin.RequiredHeaders),
		)
	})
	if err != nil {
		return err
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { return w.Start() },
		OnStop:  func(context.Context) error { return w.Close() },
	})
	return nil
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server",
				"addr", addr,
				"relay", cfg.Server.RelayPrefix,
				"render", cfg.Server.RenderPrefix,
			)
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
