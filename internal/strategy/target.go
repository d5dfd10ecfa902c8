// Package strategy implements pluggable load-balancing algorithms over a
// route's pool of targets, plus per-target health and circuit-breaker state.
// All pickers are safe for concurrent use.
package strategy

import (
	"fmt"
	"net/url"
	"sync/atomic"

	"fluxgate/internal/circuit"
	"fluxgate/internal/config"
)

// Target is the runtime representation of an upstream origin within a
// route's pool. Mutable state (health, active connections) uses atomics for
// lock-free concurrent access from many goroutines simultaneously.
type Target struct {
	URL    *url.URL
	RawURL string
	Weight int

	// staticHealthy is the configured baseline (spec Target.static_healthy).
	staticHealthy atomic.Bool
	// dynamicSet/dynamicHealthy implement spec TargetState.dynamic_healthy,
	// an optional override published by the health monitor.
	dynamicSet     atomic.Bool
	dynamicHealthy atomic.Bool

	blocked       atomic.Bool
	activeConns   atomic.Int64
	totalRequests atomic.Int64
	totalErrors   atomic.Int64

	Breaker *circuit.Breaker
}

// NewTarget parses rawURL and returns a healthy Target ready for use.
func NewTarget(rawURL string, weight int, cbCfg circuit.Config) (*Target, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("strategy: invalid target URL %q: %w", rawURL, err)
	}
	if weight <= 0 {
		weight = 1
	}
	t := &Target{
		URL:     u,
		RawURL:  rawURL,
		Weight:  weight,
		Breaker: circuit.New(rawURL, cbCfg),
	}
	t.staticHealthy.Store(true)
	return t, nil
}

// NewTargets converts a slice of config entries into runtime Target objects,
// all sharing the same circuit-breaker configuration (one breaker instance
// each, since circuit state is per (route, target)).
func NewTargets(cfgs []config.BackendCfg, cbCfg circuit.Config) ([]*Target, error) {
	targets := make([]*Target, 0, len(cfgs))
	for _, c := range cfgs {
		tg, err := NewTarget(c.URL, c.Weight, cbCfg)
		if err != nil {
			return nil, err
		}
		targets = append(targets, tg)
	}
	return targets, nil
}

// IsHealthy implements spec I3's health half: dynamic_healthy overrides
// static_healthy once the health monitor has reported at least once.
func (t *Target) IsHealthy() bool {
	if t.dynamicSet.Load() {
		return t.dynamicHealthy.Load()
	}
	return t.staticHealthy.Load()
}

// SetStaticHealthy sets the configured baseline health (used at load time;
// static_healthy=false always wins regardless of dynamic state per spec
// §4.4: "a target that was static-unhealthy remains ineligible ... only if
// static health is explicitly false").
func (t *Target) SetStaticHealthy(v bool) { t.staticHealthy.Store(v) }

// SetDynamicHealthy records a health-monitor result. Once called, dynamic
// state overrides static state for eligibility purposes — except a target
// explicitly configured static_healthy=false remains permanently ineligible.
func (t *Target) SetDynamicHealthy(v bool) {
	if !t.staticHealthy.Load() {
		// Explicit static-unhealthy targets are never revived by probes.
		t.dynamicSet.Store(true)
		t.dynamicHealthy.Store(false)
		return
	}
	t.dynamicSet.Store(true)
	t.dynamicHealthy.Store(v)
}

// Eligible implements invariant I3 in full:
// (dynamic_healthy ?? static_healthy) ∧ circuit != Open ∧ !blocked.
func (t *Target) Eligible() bool {
	return t.IsHealthy() && !t.IsBlocked() && t.Breaker.Eligible()
}

func (t *Target) IsBlocked() bool   { return t.blocked.Load() }
func (t *Target) SetBlocked(v bool) { t.blocked.Store(v) }

// IncConns and DecConns maintain active_connections (I2: never negative).
// DecConns clamps at zero rather than going negative, in every build (see
// SPEC_FULL.md §7).
func (t *Target) IncConns() int64 { return t.activeConns.Add(1) }
func (t *Target) DecConns() int64 {
	for {
		cur := t.activeConns.Load()
		if cur <= 0 {
			return 0
		}
		if t.activeConns.CompareAndSwap(cur, cur-1) {
			return cur - 1
		}
	}
}
func (t *Target) ActiveConns() int64 { return t.activeConns.Load() }

func (t *Target) IncRequests()         { t.totalRequests.Add(1) }
func (t *Target) TotalRequests() int64 { return t.totalRequests.Load() }
func (t *Target) IncErrors()           { t.totalErrors.Add(1) }
func (t *Target) TotalErrors() int64   { return t.totalErrors.Load() }

// healthySubset returns only the eligible targets from the given slice,
// preserving order (used by strategies to break select-order ties).
func healthySubset(all []*Target) []*Target {
	out := make([]*Target, 0, len(all))
	for _, t := range all {
		if t.Eligible() {
			out = append(out, t)
		}
	}
	return out
}
