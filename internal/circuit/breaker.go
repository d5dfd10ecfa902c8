// Package circuit adapts github.com/sony/gobreaker into the per-target
// Closed/Open/HalfOpen breaker described for the gateway's load balancer.
// One Breaker guards one (route, target) pair.
package circuit

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// ErrOpen is returned by Execute when the breaker is open (or half-open and
// already saturated with test requests) and the call was not attempted.
var ErrOpen = errors.New("circuit: target unavailable")

// Config mirrors the route-level circuit_breaker configuration surface.
type Config struct {
	Enabled         bool
	FailureThreshold uint32
	FailureWindow    time.Duration
	OpenTimeout      time.Duration
	TestRequests     uint32
	MinRequests      uint32
}

// DefaultConfig returns a breaker configuration matching a conservative
// default: 5 failures out of at least 10 requests within 30s trips the
// breaker; it stays open for 30s before a half-open trial of 2 requests.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		FailureThreshold: 5,
		FailureWindow:    30 * time.Second,
		OpenTimeout:      30 * time.Second,
		TestRequests:     2,
		MinRequests:      10,
	}
}

// Breaker wraps a gobreaker.CircuitBreaker, or — when the configuration
// disables circuit breaking — behaves as a permanently-closed no-op so the
// fast path never pays for accounting it doesn't need.
type Breaker struct {
	enabled bool
	cb      *gobreaker.CircuitBreaker
}

// New constructs a Breaker named after the target it guards (used only for
// gobreaker's internal state-change logging hook, not surfaced here).
func New(name string, cfg Config) *Breaker {
	if !cfg.Enabled {
		return &Breaker{enabled: false}
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.TestRequests,
		Interval:    cfg.FailureWindow,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= cfg.MinRequests && counts.TotalFailures >= cfg.FailureThreshold
		},
	}
	return &Breaker{enabled: true, cb: gobreaker.NewCircuitBreaker(settings)}
}

// State reports the current breaker state. Used by the balancer to decide
// whether a target is even worth attempting before committing to it.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// State returns the breaker's current state. A disabled breaker is always
// reported Closed, per spec: "enabled=false keeps state permanently Closed".
func (b *Breaker) State() State {
	if !b.enabled {
		return StateClosed
	}
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Eligible reports whether this target should even be offered to the
// balancer's selection step (I3: circuit != Open).
func (b *Breaker) Eligible() bool {
	return b.State() != StateOpen
}

// Execute runs fn guarded by the breaker. If the breaker is open, or
// half-open and already saturated with concurrent trial requests, fn is not
// called and ErrOpen is returned. Any error returned by fn is recorded as a
// failure; a nil error is recorded as a success.
func (b *Breaker) Execute(fn func() error) error {
	if !b.enabled {
		return fn()
	}
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrOpen
	}
	return err
}
