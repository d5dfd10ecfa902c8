// Command tunnelserver runs the reverse-tunnel server: a public listener
// that serves end-user traffic over allocated subdomains, and a control
// listener that tunnel clients connect to.
//
// Usage:
//
//	tunnelserver [-config path/to/tunnelserver.yaml]
//
// Shutdown is graceful: send SIGINT or SIGTERM and in-flight requests are
// given up to 10 seconds to drain.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/viper"

	"fluxgate/internal/tunnel/server"
)

func main() {
	configPath := flag.String("config", "configs/tunnelserver.yaml", "path to tunnelserver.yaml")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})))

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Warn("could not load config file, using defaults", "path", *configPath, "error", err)
		cfg = server.DefaultConfig()
	}

	srv := server.New(cfg)
	srv.Start()

	slog.Info("tunnel server listening",
		"control_port", cfg.TunnelPort,
		"public_port", cfg.PublicPort,
		"base_domain", cfg.BaseDomain,
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down tunnel server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		slog.Error("forced shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("tunnel server stopped")
}

// loadConfig reads tunnelserver.yaml via Viper into a server.Config,
// starting from server.DefaultConfig so unset fields keep sane defaults.
func loadConfig(path string) (server.Config, error) {
	cfg := server.DefaultConfig()

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return cfg, err
	}

	if v.IsSet("tunnel_port") {
		cfg.TunnelPort = v.GetInt("tunnel_port")
	}
	if v.IsSet("public_port") {
		cfg.PublicPort = v.GetInt("public_port")
	}
	if v.IsSet("public_https_port") {
		cfg.PublicHTTPSPort = v.GetInt("public_https_port")
	}
	if v.IsSet("base_domain") {
		cfg.BaseDomain = v.GetString("base_domain")
	}
	if v.IsSet("max_tunnels") {
		cfg.MaxTunnels = v.GetInt("max_tunnels")
	}
	if v.IsSet("subdomain_strategy") {
		cfg.SubdomainStrategy = v.GetString("subdomain_strategy")
	}
	if v.IsSet("reserved_subdomains") {
		cfg.ReservedSubdomains = v.GetStringSlice("reserved_subdomains")
	}
	if v.IsSet("registry_path") {
		cfg.RegistryPath = v.GetString("registry_path")
	}
	if v.IsSet("auth.required") {
		cfg.Auth.Required = v.GetBool("auth.required")
	}
	if v.IsSet("auth.api_keys") {
		cfg.Auth.APIKeys = v.GetStringSlice("auth.api_keys")
	}
	if v.IsSet("auth.jwt_enabled") {
		cfg.Auth.JWTEnabled = v.GetBool("auth.jwt_enabled")
	}
	if v.IsSet("auth.jwt_secret") {
		cfg.Auth.JWTSecret = v.GetString("auth.jwt_secret")
	}
	if v.IsSet("rate_limiting.enabled") {
		cfg.RateLimiting.Enabled = v.GetBool("rate_limiting.enabled")
	}
	if v.IsSet("rate_limiting.requests_per_minute") {
		cfg.RateLimiting.RequestsPerMinute = v.GetFloat64("rate_limiting.requests_per_minute")
	}
	if v.IsSet("rate_limiting.max_concurrent_connections") {
		cfg.RateLimiting.MaxConcurrentConnections = v.GetInt("rate_limiting.max_concurrent_connections")
	}
	if v.IsSet("rate_limiting.max_bandwidth") {
		cfg.RateLimiting.MaxBandwidth = v.GetInt64("rate_limiting.max_bandwidth")
	}
	if v.IsSet("network.bind_address") {
		cfg.Network.BindAddress = v.GetString("network.bind_address")
	}
	if v.IsSet("network.public_bind_address") {
		cfg.Network.PublicBindAddress = v.GetString("network.public_bind_address")
	}
	if v.IsSet("auth_timeout") {
		cfg.AuthTimeout = v.GetDuration("auth_timeout")
	}
	if v.IsSet("keepalive_interval") {
		cfg.KeepaliveInterval = v.GetDuration("keepalive_interval")
	}
	if v.IsSet("request_timeout") {
		cfg.RequestTimeout = v.GetDuration("request_timeout")
	}

	return cfg, nil
}
