package proxy

import "errors"

// Typed proxy errors, each mapped to a specific HTTP status by statusFor
// when surfaced as a synthetic response.
var (
	ErrUpstreamUnreachable = errors.New("proxy: upstream unreachable")
	ErrUpstreamTimeout     = errors.New("proxy: upstream timeout")
	ErrUpstreamProtocol    = errors.New("proxy: upstream protocol error")
	ErrNoHealthyTarget     = errors.New("proxy: no healthy target")
	ErrCircuitOpen         = errors.New("proxy: circuit breaker open")
)

// statusFor maps a typed proxy error to the HTTP status it should produce.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrUpstreamTimeout):
		return 504
	case errors.Is(err, ErrNoHealthyTarget), errors.Is(err, ErrCircuitOpen):
		return 503
	case errors.Is(err, ErrUpstreamUnreachable), errors.Is(err, ErrUpstreamProtocol):
		return 502
	default:
		return 502
	}
}
