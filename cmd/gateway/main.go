// Command gateway is the Flux API Gateway entry point.
//
// Usage:
//
//	gateway [-config path/to/gateway.yaml]
//
// The gateway supports zero-downtime hot-reload: edit gateway.yaml while the
// process is running and changes take effect immediately — no restart needed.
// Shutdown is graceful: send SIGINT or SIGTERM and in-flight requests are
// given up to 10 seconds to complete.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"fluxgate/internal/admin"
	"fluxgate/internal/circuit"
	"fluxgate/internal/config"
	"fluxgate/internal/health"
	"fluxgate/internal/middleware"
	"fluxgate/internal/proxy"
	"fluxgate/internal/route"
	"fluxgate/internal/strategy"
)

// Version information — set at build time via -ldflags.
//
//	-X main.version=$(git describe --tags --always)
//	-X main.commit=$(git rev-parse --short HEAD)
//	-X main.buildDate=$(date -u +%Y-%m-%dT%H:%M:%SZ)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// routeRuntime bundles the live objects wired up for one configured route.
// It is stored as the opaque route.Route.Dispatch value.
type routeRuntime struct {
	gateway  *proxy.Gateway
	monitor  *health.Monitor
	pipeline *middleware.Pipeline
	registry *admin.Registry
}

func main() {
	configPath := flag.String("config", "configs/gateway.yaml", "path to gateway.yaml")
	flag.Parse()

	startTime := time.Now()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})))

	// ── Load initial configuration ────────────────────────────────────────────
	cfg, v, err := config.Load(*configPath)
	if err != nil {
		slog.Warn("could not load config file, using defaults",
			"path", *configPath,
			"error", err,
		)
		cfg = config.Default()
		v = nil
	}

	// ── Build per-route runtime objects ───────────────────────────────────────
	runtimes, matcher, err := buildRoutes(cfg)
	if err != nil {
		slog.Error("failed to initialise routes", "error", err)
		os.Exit(1)
	}

	registries := make([]*admin.Registry, 0, len(runtimes))
	for _, rt := range runtimes {
		rt.monitor.Start()
		registries = append(registries, rt.registry)
	}

	// ── Top-level atomic handler (swapped whole on hot-reload) ───────────────
	var current atomic.Value
	current.Store(buildHandler(cfg, matcher))

	atomicHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current.Load().(http.Handler).ServeHTTP(w, r)
	})

	// ── Hot-reload ────────────────────────────────────────────────────────────
	if v != nil {
		config.Watch(v, func(newCfg config.Config) {
			newRuntimes, newMatcher, err := buildRoutes(newCfg)
			if err != nil {
				slog.Error("hot-reload: failed to rebuild routes", "error", err)
				return
			}
			for _, rt := range newRuntimes {
				rt.monitor.Start()
			}
			for _, rt := range runtimes {
				rt.monitor.Stop()
			}
			runtimes = newRuntimes
			matcher = newMatcher
			current.Store(buildHandler(newCfg, matcher))

			slog.Info("hot-reload applied",
				"routes", len(newCfg.Routes),
				"rate_limit", newCfg.RateLimit.Enabled,
				"auth", newCfg.Auth.Enabled,
			)
		})
	}

	// ── Top-level mux ─────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","version":%q,"commit":%q,"build_date":%q,"uptime":%q}`,
			version, commit, buildDate, time.Since(startTime).Round(time.Second).String())
	})
	mux.Handle("/", atomicHandler)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("gateway listening",
			"addr", cfg.ListenAddr,
			"routes", len(cfg.Routes),
			"rate_limit", cfg.RateLimit.Enabled,
			"auth", cfg.Auth.Enabled,
			"version", version,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// ── Admin dashboard ───────────────────────────────────────────────────────
	var adminSrv *admin.Server
	if cfg.Admin.Enabled {
		adminSrv = admin.New(registries, nil, cfg.Admin.ListenAddr, startTime, version)
		adminSrv.Start()
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down gateway")

	for _, rt := range runtimes {
		rt.monitor.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if adminSrv != nil {
		if err := adminSrv.Stop(ctx); err != nil {
			slog.Error("admin server shutdown error", "error", err)
		}
	}

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("forced shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("gateway stopped")
}

// buildRoutes constructs one routeRuntime per configured route and the
// Matcher that dispatches across all of them.
func buildRoutes(cfg config.Config) ([]*routeRuntime, *route.Matcher, error) {
	routes := make([]*route.Route, 0, len(cfg.Routes))
	runtimes := make([]*routeRuntime, 0, len(cfg.Routes))

	for _, rc := range cfg.Routes {
		cbCfg := circuitConfigFor(rc)

		targets, err := strategy.NewTargets(rc.Backends, cbCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("route %q: %w", rc.Pattern, err)
		}

		picker, err := strategy.New(rc.Strategy, targets)
		if err != nil {
			return nil, nil, fmt.Errorf("route %q: %w", rc.Pattern, err)
		}
		bal := strategy.NewBalancer(picker, targets)

		gw := proxy.New(bal, rc.StickySessions, time.Duration(rc.TimeoutSeconds)*time.Second)
		pipeline := middleware.NewPipeline(rc.Middleware)

		hc := rc.HealthCheck
		if hc == nil {
			hc = &cfg.HealthCheck
		}
		// With active probing disabled the monitor is given no targets to probe.
		probed := targets
		if !hc.Enabled {
			probed = nil
		}
		mon := health.New(probed, healthConfigFor(*hc))

		reg := admin.NewRegistry(rc.Pattern, targets, rc.Strategy, cbCfg, func(stratName string, newTargets []*strategy.Target) {
			newPicker, err := strategy.New(stratName, newTargets)
			if err != nil {
				slog.Error("admin: failed to rebuild picker after target change", "error", err, "route", rc.Pattern)
				return
			}
			bal.UpdateTargets(newPicker, newTargets)
			if hc.Enabled {
				mon.UpdateTargets(newTargets)
			}
		})

		rt := &routeRuntime{gateway: gw, monitor: mon, pipeline: pipeline, registry: reg}
		runtimes = append(runtimes, rt)
		routes = append(routes, &route.Route{Pattern: rc.Pattern, Cfg: rc, Dispatch: rt})
	}

	return runtimes, route.New(routes), nil
}

// buildHandler wires the edge-level middleware chain (auth, rate limiting,
// logging) around a dispatcher that routes each request to its matched
// route's pipeline and gateway.
func buildHandler(cfg config.Config, matcher *route.Matcher) http.Handler {
	var h http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		match, ok := matcher.Find(r.URL.Path)
		if !ok {
			http.NotFound(w, r)
			return
		}
		rt := match.Route.Dispatch.(*routeRuntime)
		r.URL.Path = match.StrippedPath
		rt.pipeline.Wrap(rt.gateway).ServeHTTP(w, r)
	})

	if cfg.Auth.Enabled {
		h = middleware.JWTAuth(cfg.Auth.Secret, cfg.Auth.Exclude)(h)
	}
	if cfg.RateLimit.Enabled {
		h = middleware.RateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)(h)
	}
	return middleware.Logger(h)
}

func circuitConfigFor(rc config.RouteCfg) circuit.Config {
	if rc.CircuitBreaker == nil {
		return circuit.DefaultConfig()
	}
	c := rc.CircuitBreaker
	cfg := circuit.DefaultConfig()
	cfg.Enabled = c.Enabled
	if c.FailureThreshold > 0 {
		cfg.FailureThreshold = uint32(c.FailureThreshold)
	}
	if d, err := time.ParseDuration(c.FailureWindow); err == nil && d > 0 {
		cfg.FailureWindow = d
	}
	if d, err := time.ParseDuration(c.OpenTimeout); err == nil && d > 0 {
		cfg.OpenTimeout = d
	}
	if c.TestRequests > 0 {
		cfg.TestRequests = uint32(c.TestRequests)
	}
	if c.MinRequests > 0 {
		cfg.MinRequests = uint32(c.MinRequests)
	}
	return cfg
}

func healthConfigFor(hc config.HealthCheckCfg) health.Config {
	mode := health.ModeHTTP
	if hc.Mode == "websocket" {
		mode = health.ModeWebsocket
	}
	return health.Config{
		Mode:        mode,
		Interval:    hc.ParsedInterval(),
		Timeout:     hc.ParsedTimeout(),
		Path:        hc.Path,
		PingMessage: hc.PingMessage,
	}
}
