// Command tunnelclient connects a local HTTP service to a tunnel server,
// exposing it on an allocated public subdomain.
//
// Usage:
//
//	tunnelclient [-config path/to/tunnelclient.yaml]
package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/viper"

	"fluxgate/internal/tunnel/client"
)

func main() {
	configPath := flag.String("config", "configs/tunnelclient.yaml", "path to tunnelclient.yaml")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})))

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("could not load config file", "path", *configPath, "error", err)
		os.Exit(1)
	}

	c := client.New(cfg)
	c.Start()

	slog.Info("tunnel client started", "local", cfg.LocalHost, "port", cfg.LocalPort)

	// Periodically surface the current connection state, useful when
	// running under a process supervisor without a status API.
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			status := c.Status()
			slog.Info("tunnel client status",
				"state", status.State,
				"subdomain", status.Subdomain,
				"requests_served", status.RequestsServed,
			)
		case <-quit:
			slog.Info("shutting down tunnel client")
			c.Stop()
			slog.Info("tunnel client stopped")
			return
		}
	}
}

// loadConfig reads tunnelclient.yaml via Viper into a client.Config,
// starting from client.DefaultConfig so unset fields keep sane defaults.
func loadConfig(path string) (client.Config, error) {
	cfg := client.DefaultConfig()

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return cfg, err
	}

	if v.IsSet("local_host") {
		cfg.LocalHost = v.GetString("local_host")
	}
	if v.IsSet("local_port") {
		cfg.LocalPort = v.GetInt("local_port")
	}
	if v.IsSet("keepalive") {
		cfg.Keepalive = v.GetDuration("keepalive")
	}

	var endpoints []client.Endpoint
	if err := v.UnmarshalKey("endpoints", &endpoints); err == nil && len(endpoints) > 0 {
		cfg.Endpoints = endpoints
	}

	if v.IsSet("auth.method") {
		cfg.Auth.Method = v.GetString("auth.method")
	}
	if v.IsSet("auth.api_key") {
		cfg.Auth.APIKey = v.GetString("auth.api_key")
	}
	if v.IsSet("auth.token") {
		cfg.Auth.Token = v.GetString("auth.token")
	}

	if v.IsSet("reconnection.initial_delay") {
		cfg.Reconnection.InitialDelay = v.GetDuration("reconnection.initial_delay")
	}
	if v.IsSet("reconnection.max_delay") {
		cfg.Reconnection.MaxDelay = v.GetDuration("reconnection.max_delay")
	}
	if v.IsSet("reconnection.backoff_multiplier") {
		cfg.Reconnection.BackoffMultiplier = v.GetFloat64("reconnection.backoff_multiplier")
	}
	if v.IsSet("reconnection.max_attempts") {
		cfg.Reconnection.MaxAttempts = v.GetInt("reconnection.max_attempts")
	}
	if v.IsSet("reconnection.jitter_factor") {
		cfg.Reconnection.JitterFactor = v.GetFloat64("reconnection.jitter_factor")
	}

	if len(cfg.Endpoints) == 0 {
		slog.Warn("no endpoints configured; tunnel client has nothing to connect to")
	}

	return cfg, nil
}
