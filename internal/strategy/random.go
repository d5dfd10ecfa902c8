package strategy

import (
	"math/rand/v2"
	"time"
)

// Random selects uniformly among eligible targets using a non-cryptographic
// PRNG seeded once at construction from a high-resolution clock, per spec
// §4.2.
type Random struct {
	targets []*Target
	rng     *rand.Rand
}

func NewRandom(targets []*Target) *Random {
	seed := uint64(time.Now().UnixNano())
	return &Random{
		targets: targets,
		rng:     rand.New(rand.NewPCG(seed, seed>>32)),
	}
}

func (r *Random) Next() (*Target, error) {
	eligible := healthySubset(r.targets)
	if len(eligible) == 0 {
		return nil, ErrNoHealthyTarget
	}
	t := eligible[r.rng.IntN(len(eligible))]
	t.IncConns()
	return t, nil
}

func (r *Random) Done(t *Target) { t.DecConns() }
