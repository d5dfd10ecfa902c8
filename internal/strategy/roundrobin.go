package strategy

import "sync/atomic"

// RoundRobin distributes requests evenly across all eligible targets using
// a lock-free atomic counter. The counter monotonically increases; modulo
// arithmetic over the eligible subsequence selects the target (spec §4.2:
// "cyclic index over the eligible subsequence").
type RoundRobin struct {
	targets []*Target
	counter atomic.Uint64
}

func NewRoundRobin(targets []*Target) *RoundRobin {
	return &RoundRobin{targets: targets}
}

func (r *RoundRobin) Next() (*Target, error) {
	eligible := healthySubset(r.targets)
	if len(eligible) == 0 {
		return nil, ErrNoHealthyTarget
	}
	idx := r.counter.Add(1) - 1
	t := eligible[idx%uint64(len(eligible))]
	t.IncConns()
	return t, nil
}

func (r *RoundRobin) Done(t *Target) { t.DecConns() }
