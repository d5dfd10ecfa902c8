package server

import "time"

// AuthConfig is the tunnel control-channel authentication surface.
type AuthConfig struct {
	Required  bool
	APIKeys   []string
	JWTEnabled bool
	JWTSecret string
}

// RateLimitConfig bounds per-tunnel public traffic.
type RateLimitConfig struct {
	Enabled                  bool
	RequestsPerMinute        float64
	MaxConcurrentConnections int
	MaxBandwidth             int64 // bytes/sec, 0 = unlimited
}

// NetworkConfig selects the bind addresses for the two listeners.
type NetworkConfig struct {
	BindAddress       string
	PublicBindAddress string
}

// Config is the full tunnel server configuration surface (spec.md §6).
type Config struct {
	TunnelPort        int
	PublicPort        int
	PublicHTTPSPort   int
	BaseDomain        string
	MaxTunnels        int
	SubdomainStrategy string // "random" | "user_specified" | "uuid"
	ReservedSubdomains []string
	Auth              AuthConfig
	RateLimiting      RateLimitConfig
	Network           NetworkConfig

	AuthTimeout       time.Duration
	KeepaliveInterval time.Duration
	RequestTimeout    time.Duration
	RegistryPath      string
}

// DefaultConfig returns sane defaults for local development.
func DefaultConfig() Config {
	return Config{
		TunnelPort:        7000,
		PublicPort:        8080,
		BaseDomain:        "localhost",
		MaxTunnels:        1000,
		SubdomainStrategy: "random",
		Network: NetworkConfig{
			BindAddress:       "0.0.0.0",
			PublicBindAddress: "0.0.0.0",
		},
		AuthTimeout:       10 * time.Second,
		KeepaliveInterval: 30 * time.Second,
		RequestTimeout:    30 * time.Second,
		RegistryPath:      "subdomains.json",
	}
}
