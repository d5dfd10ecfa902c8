package strategy

import (
	"hash/maphash"
	"sync"
)

// StickyMap binds a client key (typically an IP address) to a previously
// selected target, per spec §3/§4.2. Entries are created lazily on first
// sticky dispatch and removed either explicitly or when the bound target
// becomes ineligible.
type StickyMap struct {
	seed maphash.Seed

	mu      sync.Mutex
	entries map[uint64]string // hash(clientKey) -> target RawURL
}

// NewStickyMap creates an empty StickyMap with a process-local hash seed.
func NewStickyMap() *StickyMap {
	return &StickyMap{seed: maphash.MakeSeed(), entries: make(map[uint64]string)}
}

// HashKey computes the stable 64-bit hash of a client key used to index the
// sticky map (spec: "h = hash(client_key)").
func (s *StickyMap) HashKey(clientKey string) uint64 {
	var h maphash.Hash
	h.SetSeed(s.seed)
	_, _ = h.WriteString(clientKey)
	return h.Sum64()
}

// Get returns the target URL bound to h, if any.
func (s *StickyMap) Get(h uint64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	url, ok := s.entries[h]
	return url, ok
}

// Set binds h to the given target URL.
func (s *StickyMap) Set(h uint64, targetURL string) {
	s.mu.Lock()
	s.entries[h] = targetURL
	s.mu.Unlock()
}

// Clear removes a single binding (explicit disconnect).
func (s *StickyMap) Clear(h uint64) {
	s.mu.Lock()
	delete(s.entries, h)
	s.mu.Unlock()
}

// RemoveTarget removes every entry pointing at targetURL — called when that
// target becomes unhealthy (spec: "On set_target_health(t, false) all
// entries pointing to t are removed").
func (s *StickyMap) RemoveTarget(targetURL string) {
	s.mu.Lock()
	for h, u := range s.entries {
		if u == targetURL {
			delete(s.entries, h)
		}
	}
	s.mu.Unlock()
}
