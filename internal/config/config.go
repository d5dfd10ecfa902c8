// Package config handles loading and hot-reloading of the gateway YAML
// configuration via Viper. All struct fields map 1-to-1 with gateway.yaml.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// BackendCfg is the YAML representation of a single upstream target.
type BackendCfg struct {
	URL    string `mapstructure:"url"`
	Weight int    `mapstructure:"weight"`
}

// HealthCheckCfg controls active health probing.
type HealthCheckCfg struct {
	Enabled  bool   `mapstructure:"enabled"`
	Mode     string `mapstructure:"mode"` // "http" (default) | "websocket"
	Interval string `mapstructure:"interval"`
	Timeout  string `mapstructure:"timeout"`
	Path     string `mapstructure:"path"`
	// PingMessage is the payload sent on websocket pings (mode=websocket).
	PingMessage string `mapstructure:"ping_message"`
}

// ParsedInterval returns the interval as a time.Duration, defaulting to 10s.
func (h HealthCheckCfg) ParsedInterval() time.Duration {
	d, _ := time.ParseDuration(h.Interval)
	if d <= 0 {
		return 10 * time.Second
	}
	return d
}

// ParsedTimeout returns the timeout as a time.Duration, defaulting to 2s.
func (h HealthCheckCfg) ParsedTimeout() time.Duration {
	d, _ := time.ParseDuration(h.Timeout)
	if d <= 0 {
		return 2 * time.Second
	}
	return d
}

// CircuitBreakerCfg mirrors spec §4.3 / §6's circuit_breaker surface.
type CircuitBreakerCfg struct {
	Enabled          bool   `mapstructure:"enabled"`
	FailureThreshold int    `mapstructure:"failure_threshold"`
	FailureWindow    string `mapstructure:"failure_window"`
	OpenTimeout      string `mapstructure:"open_timeout"`
	TestRequests     int    `mapstructure:"test_requests"`
	MinRequests      int    `mapstructure:"min_requests"`
}

// RateLimitCfg controls per-IP token-bucket rate limiting.
type RateLimitCfg struct {
	Enabled        bool    `mapstructure:"enabled"`
	RPS            float64 `mapstructure:"rps"`   // sustained requests per second
	Burst          int     `mapstructure:"burst"` // maximum burst size
	MaxConcurrent  int     `mapstructure:"max_concurrent"`
}

// AuthCfg controls JWT Bearer-token authentication at the gateway edge.
type AuthCfg struct {
	Enabled bool     `mapstructure:"enabled"`
	Secret  string   `mapstructure:"secret"`  // HMAC-SHA256 signing secret
	Exclude []string `mapstructure:"exclude"` // exact paths that bypass auth
}

// AdminCfg controls the management dashboard HTTP server.
type AdminCfg struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// MiddlewareCfg configures a route's ordered middleware pipeline (spec §4.5).
// Stage order within the pipeline is fixed by the zero-value-safe presence
// of each field: request headers/auth run before the proxy call, response
// headers/compression after.
type MiddlewareCfg struct {
	RequestHeaders  *HeaderOpCfg   `mapstructure:"request_headers"`
	RequestAuth     *AuthStageCfg  `mapstructure:"request_auth"`
	BodyTransform   *BodyCfg       `mapstructure:"body_transform"`
	RateLimit       *RateLimitCfg  `mapstructure:"rate_limit"`
	ResponseHeaders *HeaderOpCfg   `mapstructure:"response_headers"`
	Compression     *CompressCfg   `mapstructure:"compression"`
}

// HeaderOpCfg adds/sets/removes headers by name, with an optional Host
// override (request direction only; ignored for response headers).
type HeaderOpCfg struct {
	Set     map[string]string `mapstructure:"set"`
	Add     map[string]string `mapstructure:"add"`
	Remove  []string          `mapstructure:"remove"`
	HostOverride string       `mapstructure:"host_override"`
}

// AuthStageCfg injects exactly one of Bearer / Basic / API-key / custom
// header credentials into the forwarded request.
type AuthStageCfg struct {
	Kind        string `mapstructure:"kind"` // bearer | basic | api_key | custom
	Token       string `mapstructure:"token"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	HeaderName  string `mapstructure:"header_name"`
	HeaderValue string `mapstructure:"header_value"`
}

// BodyCfg configures a bounded body transform: either text find/replace or a
// JSON field add/remove at a dotted path.
type BodyCfg struct {
	MaxBodySize int64  `mapstructure:"max_body_size"`
	Find        string `mapstructure:"find"`
	Replace     string `mapstructure:"replace"`
	JSONSetPath string `mapstructure:"json_set_path"`
	JSONSetValue any   `mapstructure:"json_set_value"`
	JSONRemovePath string `mapstructure:"json_remove_path"`
}

// CompressCfg controls response gzip compression.
type CompressCfg struct {
	Enabled bool `mapstructure:"enabled"`
	MinSize int  `mapstructure:"min_size"`
}

// RouteCfg is the YAML representation of one Route (spec §3).
type RouteCfg struct {
	Pattern         string             `mapstructure:"pattern"`
	Backends        []BackendCfg       `mapstructure:"targets"`
	Strategy        string             `mapstructure:"strategy"`
	TimeoutSeconds  int                `mapstructure:"timeout_seconds"`
	StickySessions  bool               `mapstructure:"sticky_sessions"`
	HealthCheck     *HealthCheckCfg    `mapstructure:"health_check"`
	CircuitBreaker  *CircuitBreakerCfg `mapstructure:"circuit_breaker"`
	Middleware      *MiddlewareCfg     `mapstructure:"middleware"`
}

// Config is the top-level gateway configuration.
type Config struct {
	ListenAddr  string         `mapstructure:"listen_addr"`
	Routes      []RouteCfg     `mapstructure:"routes"`
	HealthCheck HealthCheckCfg `mapstructure:"health_check"` // route-level default
	RateLimit   RateLimitCfg   `mapstructure:"rate_limit"`   // edge-level default
	Auth        AuthCfg        `mapstructure:"auth"`
	Admin       AdminCfg       `mapstructure:"admin"`
}

// Default returns a sensible single-route, single-target config for
// development and for falling back to when no config file is found.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		Routes: []RouteCfg{
			{
				Pattern:  "*",
				Strategy: "round_robin",
				Backends: []BackendCfg{{URL: "http://localhost:8081", Weight: 1}},
			},
		},
		HealthCheck: HealthCheckCfg{
			Enabled:  true,
			Interval: "10s",
			Timeout:  "2s",
			Path:     "/healthz",
		},
		RateLimit: RateLimitCfg{Enabled: false, RPS: 100, Burst: 200},
		Auth:      AuthCfg{Enabled: false},
	}
}

// Load reads and parses the YAML file at path using Viper.
// It returns the parsed Config and the Viper instance (needed for Watch).
func Load(path string) (Config, *viper.Viper, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, nil, fmt.Errorf("config: reading %q: %w", path, err)
	}
	cfg, err := unmarshal(v)
	if err != nil {
		return Config{}, nil, err
	}
	return cfg, v, nil
}

// Watch registers an onChange callback that fires whenever the config file is
// saved. The callback receives a freshly parsed Config. Invalid reloads are
// logged and silently skipped (the previous config stays active).
func Watch(v *viper.Viper, onChange func(Config)) {
	v.WatchConfig()
	v.OnConfigChange(func(_ fsnotify.Event) {
		cfg, err := unmarshal(v)
		if err != nil {
			slog.Error("config hot-reload failed", "error", err)
			return
		}
		slog.Info("config hot-reloaded", "routes", len(cfg.Routes))
		onChange(cfg)
	})
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)

	// Defaults — all overridable by gateway.yaml.
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("health_check.enabled", true)
	v.SetDefault("health_check.mode", "http")
	v.SetDefault("health_check.interval", "10s")
	v.SetDefault("health_check.timeout", "2s")
	v.SetDefault("health_check.path", "/healthz")
	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.rps", 100.0)
	v.SetDefault("rate_limit.burst", 200)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.listen_addr", ":9091")

	return v
}

func unmarshal(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing: %w", err)
	}
	if len(cfg.Routes) == 0 {
		return Config{}, fmt.Errorf("config: at least one route must be defined")
	}
	for i, r := range cfg.Routes {
		if err := validateRoute(r); err != nil {
			return Config{}, fmt.Errorf("config: route[%d] (%s): %w", i, r.Pattern, err)
		}
		for j, b := range r.Backends {
			if b.Weight <= 0 {
				cfg.Routes[i].Backends[j].Weight = 1
			}
		}
	}
	return cfg, nil
}

func validateRoute(r RouteCfg) error {
	if r.Pattern == "" {
		return fmt.Errorf("pattern must not be empty")
	}
	if len(r.Backends) == 0 {
		return fmt.Errorf("at least one target must be defined")
	}
	for _, b := range r.Backends {
		if b.URL == "" {
			return fmt.Errorf("target has empty url")
		}
	}
	return nil
}
