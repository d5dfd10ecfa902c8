// Package admin provides the management dashboard API for the gateway.
package admin

import (
	"fmt"
	"sync"

	"fluxgate/internal/circuit"
	"fluxgate/internal/strategy"
)

// TargetInfo is the JSON representation of a target's current state, stats,
// and circuit-breaker status.
type TargetInfo struct {
	URL           string `json:"url"`
	Weight        int    `json:"weight"`
	Healthy       bool   `json:"healthy"`
	Blocked       bool   `json:"blocked"`
	ActiveConns   int64  `json:"active_conns"`
	TotalRequests int64  `json:"total_requests"`
	TotalErrors   int64  `json:"total_errors"`
	CircuitState  string `json:"circuit_state"`
}

// Registry is a thread-safe, mutable list of targets for one route. The
// admin API writes through it; a YAML hot-reload in cmd/gateway builds new
// registries for the new routes rather than writing through this one.
type Registry struct {
	mu       sync.RWMutex
	pattern  string
	targets  []*strategy.Target
	strategy string // current strategy name
	cbCfg    circuit.Config

	// onChange is called (outside the lock) whenever the target list
	// changes. The gateway uses this to rebuild and swap its Balancer.
	onChange func(strategyName string, targets []*strategy.Target)
}

// NewRegistry creates a Registry seeded with the given targets and strategy
// for one route. onChange is called whenever the target list is mutated.
// cbCfg is applied to any target added later through the admin API.
func NewRegistry(
	pattern string,
	targets []*strategy.Target,
	strategyName string,
	cbCfg circuit.Config,
	onChange func(string, []*strategy.Target),
) *Registry {
	return &Registry{
		pattern:  pattern,
		targets:  targets,
		strategy: strategyName,
		cbCfg:    cbCfg,
		onChange: onChange,
	}
}

// Pattern returns the route pattern this registry manages.
func (r *Registry) Pattern() string { return r.pattern }

// List returns a snapshot of all targets with their current runtime state.
func (r *Registry) List() []TargetInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]TargetInfo, len(r.targets))
	for i, t := range r.targets {
		out[i] = TargetInfo{
			URL:           t.RawURL,
			Weight:        t.Weight,
			Healthy:       t.IsHealthy(),
			Blocked:       t.IsBlocked(),
			ActiveConns:   t.ActiveConns(),
			TotalRequests: t.TotalRequests(),
			TotalErrors:   t.TotalErrors(),
			CircuitState:  t.Breaker.State().String(),
		}
	}
	return out
}

// Add appends a new target to the pool and notifies the gateway.
// Returns an error if rawURL is already registered.
func (r *Registry) Add(rawURL string, weight int) error {
	t, err := strategy.NewTarget(rawURL, weight, r.cbCfg)
	if err != nil {
		return err
	}

	r.mu.Lock()
	for _, existing := range r.targets {
		if existing.RawURL == rawURL {
			r.mu.Unlock()
			return fmt.Errorf("target %q already exists", rawURL)
		}
	}
	r.targets = append(r.targets, t)
	snapshot := r.snapshot()
	strat := r.strategy
	r.mu.Unlock()

	r.onChange(strat, snapshot)
	return nil
}

// Remove deletes the target with the given URL from the pool.
// Returns an error if no target with that URL is found.
func (r *Registry) Remove(rawURL string) error {
	r.mu.Lock()
	idx := r.find(rawURL)
	if idx < 0 {
		r.mu.Unlock()
		return fmt.Errorf("target %q not found", rawURL)
	}
	r.targets = append(r.targets[:idx], r.targets[idx+1:]...)
	snapshot := r.snapshot()
	strat := r.strategy
	r.mu.Unlock()

	r.onChange(strat, snapshot)
	return nil
}

// Block marks the target as blocked so the load balancer skips it.
func (r *Registry) Block(rawURL string) error {
	r.mu.RLock()
	idx := r.find(rawURL)
	if idx < 0 {
		r.mu.RUnlock()
		return fmt.Errorf("target %q not found", rawURL)
	}
	t := r.targets[idx]
	strat := r.strategy
	snapshot := r.snapshot()
	r.mu.RUnlock()

	t.SetBlocked(true)
	r.onChange(strat, snapshot)
	return nil
}

// Unblock clears the blocked flag, allowing traffic to the target again.
func (r *Registry) Unblock(rawURL string) error {
	r.mu.RLock()
	idx := r.find(rawURL)
	if idx < 0 {
		r.mu.RUnlock()
		return fmt.Errorf("target %q not found", rawURL)
	}
	t := r.targets[idx]
	strat := r.strategy
	snapshot := r.snapshot()
	r.mu.RUnlock()

	t.SetBlocked(false)
	r.onChange(strat, snapshot)
	return nil
}

// ReplaceAll atomically swaps the entire target list and strategy name.
// Stats on the new targets start at zero.
func (r *Registry) ReplaceAll(targets []*strategy.Target, strategyName string) {
	r.mu.Lock()
	r.targets = targets
	r.strategy = strategyName
	snapshot := r.snapshot()
	r.mu.Unlock()

	r.onChange(strategyName, snapshot)
}

// Targets returns the current target slice (caller must not mutate).
func (r *Registry) Targets() []*strategy.Target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot()
}

// --- helpers ----------------------------------------------------------------

// find returns the index of the target with the given URL, or -1.
// Must be called with at least a read lock held.
func (r *Registry) find(rawURL string) int {
	for i, t := range r.targets {
		if t.RawURL == rawURL {
			return i
		}
	}
	return -1
}

// snapshot returns a shallow copy of the targets slice.
// Must be called with at least a read lock held.
func (r *Registry) snapshot() []*strategy.Target {
	cp := make([]*strategy.Target, len(r.targets))
	copy(cp, r.targets)
	return cp
}
