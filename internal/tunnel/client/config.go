package client

import "time"

// Endpoint is one tunnel server to connect to.
type Endpoint struct {
	ServerURL       string `mapstructure:"server_url"`
	Subdomain       string `mapstructure:"subdomain"`
	ProtocolVersion string `mapstructure:"protocol_version"`
}

// AuthConfig selects how the client authenticates to the server.
type AuthConfig struct {
	Method string // "api_key" | "jwt"
	APIKey string
	Token  string
}

// ReconnectionConfig controls the exponential-backoff-with-jitter retry loop.
type ReconnectionConfig struct {
	InitialDelay     time.Duration
	MaxDelay         time.Duration
	BackoffMultiplier float64
	MaxAttempts      int // 0 = unlimited
	JitterFactor     float64
}

// Config is the full tunnel client configuration surface (spec.md §6).
type Config struct {
	LocalHost     string
	LocalPort     int
	Endpoints     []Endpoint
	Auth          AuthConfig
	Reconnection  ReconnectionConfig
	Keepalive     time.Duration // expected server ping cadence, for liveness timeout
}

// DefaultConfig returns sane reconnection defaults.
func DefaultConfig() Config {
	return Config{
		LocalHost: "127.0.0.1",
		Reconnection: ReconnectionConfig{
			InitialDelay:      time.Second,
			MaxDelay:          30 * time.Second,
			BackoffMultiplier: 2.0,
			JitterFactor:      0.2,
		},
		Keepalive: 30 * time.Second,
	}
}
