package strategy

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNoHealthyTarget is returned when every target in a route's pool is
// ineligible (spec: NoHealthyTarget / B1).
var ErrNoHealthyTarget = errors.New("strategy: no healthy target available")

// Picker selects the next target for an incoming request under one
// strategy. Done must be called exactly once after the request to target t
// completes (success or failure) so active-connection counts stay accurate.
type Picker interface {
	Next() (*Target, error)
	Done(t *Target)
}

// New constructs the Picker named by strategy from the given targets.
// Valid strategy names: "round_robin", "weighted_round_robin", "random",
// "least_connections".
func New(strategyName string, targets []*Target) (Picker, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("strategy: at least one target required")
	}
	switch strategyName {
	case "round_robin", "":
		return NewRoundRobin(targets), nil
	case "weighted_round_robin":
		return NewWeightedRoundRobin(targets), nil
	case "random":
		return NewRandom(targets), nil
	case "least_connections":
		return NewLeastConnections(targets), nil
	default:
		return nil, fmt.Errorf("strategy: unknown algorithm %q", strategyName)
	}
}

// Outcome classifies how a dispatched request to a target completed, for
// the purposes of circuit-breaker accounting (spec §4.2 failure policy).
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
)

// ClassifyStatus implements the failure policy named in spec §4.2/§9:
// HTTP >= 500 is a failure, everything else (including all 4xx) is not.
func ClassifyStatus(status int) Outcome {
	if status >= 500 {
		return OutcomeFailure
	}
	return OutcomeSuccess
}

// Balancer is the Load Balancer component (C2): a Picker plus sticky-session
// dispatch and SetTargetHealth. health.Monitor does not call SetTargetHealth:
// it is handed the []*Target slice and writes each result with
// Target.SetDynamicHealthy, which leaves sticky bindings in place (SelectSticky
// drops a binding once its target is no longer eligible).
type Balancer struct {
	mu      sync.RWMutex
	picker  Picker
	targets []*Target
	sticky  *StickyMap
}

// NewBalancer wraps picker with sticky-session support over targets.
func NewBalancer(picker Picker, targets []*Target) *Balancer {
	return &Balancer{picker: picker, targets: targets, sticky: NewStickyMap()}
}

// Targets returns the balancer's target pool (caller must not mutate).
func (b *Balancer) Targets() []*Target {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.targets
}

// Select performs ordinary (non-sticky) selection.
func (b *Balancer) Select() (*Target, error) {
	b.mu.RLock()
	p := b.picker
	b.mu.RUnlock()
	return p.Next()
}

// SelectSticky implements spec §4.2's sticky dispatch: reuse the previously
// bound target for clientKey while it remains eligible, otherwise select
// normally and remember the choice (I5).
func (b *Balancer) SelectSticky(clientKey string) (*Target, error) {
	h := b.sticky.HashKey(clientKey)

	if boundURL, ok := b.sticky.Get(h); ok {
		if t := b.findByURL(boundURL); t != nil && t.Eligible() {
			t.IncConns()
			return t, nil
		}
		b.sticky.Clear(h)
	}

	t, err := b.Select()
	if err != nil {
		return nil, err
	}
	b.sticky.Set(h, t.RawURL)
	return t, nil
}

// RecordCompletion releases the active-connection slot taken by Select /
// SelectSticky and updates request/error counters. Circuit-breaker
// accounting itself happens inside Target.Breaker.Execute around the
// dispatch call, not here.
func (b *Balancer) RecordCompletion(t *Target, outcome Outcome) {
	b.mu.RLock()
	p := b.picker
	b.mu.RUnlock()

	p.Done(t)
	t.IncRequests()
	if outcome == OutcomeFailure {
		t.IncErrors()
	}
}

// SetTargetHealth sets the dynamic health of the target with targetURL and,
// when marking it unhealthy, removes the sticky bindings that point to it.
// It is safe to call from any goroutine and never blocks on propagation.
func (b *Balancer) SetTargetHealth(targetURL string, healthy bool) {
	t := b.findByURL(targetURL)
	if t == nil {
		return
	}
	t.SetDynamicHealthy(healthy)
	if !healthy {
		b.sticky.RemoveTarget(targetURL)
	}
}

// UpdateTargets atomically swaps the target pool and picker (config
// hot-reload), discarding sticky bindings implicitly — bindings to URLs no
// longer present simply fail the findByURL lookup and get re-selected.
func (b *Balancer) UpdateTargets(picker Picker, targets []*Target) {
	b.mu.Lock()
	b.picker = picker
	b.targets = targets
	b.mu.Unlock()
}

func (b *Balancer) findByURL(rawURL string) *Target {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, t := range b.targets {
		if t.RawURL == rawURL {
			return t
		}
	}
	return nil
}
