// Package registry implements the subdomain ↔ tunnel-id mapping: allocation,
// release, resolution, and JSON persistence.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrConflict is returned when a preferred subdomain is already allocated.
var ErrConflict = errors.New("registry: subdomain already allocated")

// ErrValidation is returned when a preferred subdomain fails validity rules.
var ErrValidation = errors.New("registry: malformed subdomain")

// ErrReserved is returned when a preferred subdomain is a reserved word.
var ErrReserved = errors.New("registry: subdomain is reserved")

const (
	minSubdomainLen = 3
	maxSubdomainLen = 30
	maxAllocAttempts = 50
)

// defaultReserved is the fixed set of system labels that can never be
// allocated, independent of any configured additions.
var defaultReserved = []string{
	"www", "api", "admin", "mail", "ftp", "ssh", "vpn", "auth", "login",
	"oauth", "ssl", "cert", "secret", "proxy", "gateway", "cache",
	"database", "monitor", "dashboard", "webhook", "callback", "status",
}

// wordList is the curated vocabulary random allocation draws from. ~80
// entries across adjectives, nouns, tech terms, and colors.
var wordList = []string{
	"mighty", "swift", "brave", "calm", "bold", "clever", "eager", "fierce",
	"gentle", "happy", "jolly", "keen", "lively", "nimble", "proud", "quiet",
	"rapid", "sharp", "sturdy", "vivid", "wise", "zesty", "cosmic", "lunar",
	"solar", "stellar", "arctic", "desert", "forest", "ocean", "river",
	"canyon", "summit", "meadow", "harbor", "falcon", "tiger", "panther",
	"eagle", "wolf", "otter", "heron", "lynx", "raven", "cobra", "viper",
	"phoenix", "dragon", "griffin", "sphinx", "cyber", "quantum", "photon",
	"neuron", "vector", "matrix", "kernel", "proxy", "signal", "pulse",
	"vertex", "node", "grid", "byte", "pixel", "cipher", "nova", "orbit",
	"comet", "meteor", "crimson", "amber", "azure", "coral", "emerald",
	"indigo", "ivory", "jade", "scarlet", "violet", "silver", "golden",
	"copper",
}

// Record is the persisted shape of one subdomain allocation.
type Record struct {
	Subdomain   string    `json:"subdomain"`
	TunnelID    string    `json:"tunnel_id"`
	AllocatedAt time.Time `json:"allocated_at"`
	IsCustom    bool      `json:"is_custom"`
	ClientIP    string    `json:"client_ip,omitempty"`
}

// document is the on-disk JSON shape.
type document struct {
	Active   map[string]Record `json:"active"`
	History  []Record          `json:"history"`
	Reserved []string          `json:"reserved"`
}

// Registry is the in-memory subdomain ↔ tunnel-id map, reader-writer locked,
// with fire-and-forget JSON-snapshot persistence.
type Registry struct {
	mu         sync.RWMutex
	baseDomain string
	path       string
	active     map[string]Record // subdomain -> record
	byTunnel   map[string]string // tunnel id -> subdomain
	history    []Record
	reserved   map[string]bool
}

// Option configures New.
type Option func(*Registry)

// WithReserved adds extra reserved subdomain labels beyond the built-in set.
func WithReserved(words []string) Option {
	return func(r *Registry) {
		for _, w := range words {
			r.reserved[strings.ToLower(w)] = true
		}
	}
}

// New creates an empty Registry for baseDomain that persists to path. It
// does not read path; call Load for that.
func New(baseDomain, path string, opts ...Option) *Registry {
	r := &Registry{
		baseDomain: baseDomain,
		path:       path,
		active:     make(map[string]Record),
		byTunnel:   make(map[string]string),
		reserved:   make(map[string]bool, len(defaultReserved)),
	}
	for _, w := range defaultReserved {
		r.reserved[w] = true
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load reads the persisted document at the registry's path, if present,
// and populates the in-memory state. Returns nil if the file does not
// exist. A malformed file is reported as an error; the caller decides
// whether to log-and-continue with empty state.
func (r *Registry) Load() error {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("registry: read %s: %w", r.path, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("registry: parse %s: %w", r.path, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = doc.Active
	if r.active == nil {
		r.active = make(map[string]Record)
	}
	r.history = doc.History
	r.byTunnel = make(map[string]string, len(r.active))
	for sub, rec := range r.active {
		r.byTunnel[rec.TunnelID] = sub
	}
	for _, w := range doc.Reserved {
		r.reserved[strings.ToLower(w)] = true
	}
	return nil
}

// Allocate assigns a subdomain to tunnelID. If preferred is non-empty, it
// is validated and used (ConflictError/ValidationError/ReservedError on
// failure); otherwise a random subdomain is drawn from the word list.
func (r *Registry) Allocate(tunnelID, preferred, clientIP string) (string, error) {
	r.mu.Lock()

	if preferred != "" {
		sub := strings.ToLower(preferred)
		if err := validate(sub); err != nil {
			r.mu.Unlock()
			return "", err
		}
		if r.reserved[sub] {
			r.mu.Unlock()
			return "", fmt.Errorf("%w: %q", ErrReserved, sub)
		}
		if _, taken := r.active[sub]; taken {
			r.mu.Unlock()
			return "", fmt.Errorf("%w: %q", ErrConflict, sub)
		}
		rec := r.commitLocked(sub, tunnelID, clientIP, true)
		r.mu.Unlock()
		r.persist()
		return rec.Subdomain, nil
	}

	for attempt := 0; attempt < maxAllocAttempts; attempt++ {
		sub := randomSubdomain()
		if r.reserved[sub] {
			continue
		}
		if _, taken := r.active[sub]; taken {
			continue
		}
		rec := r.commitLocked(sub, tunnelID, clientIP, false)
		r.mu.Unlock()
		r.persist()
		return rec.Subdomain, nil
	}

	// Exhausted random attempts: fall back to a UUID-derived label.
	sub := fallbackSubdomain()
	rec := r.commitLocked(sub, tunnelID, clientIP, false)
	r.mu.Unlock()
	r.persist()
	return rec.Subdomain, nil
}

// commitLocked records the allocation. Caller must hold the write lock.
func (r *Registry) commitLocked(sub, tunnelID, clientIP string, isCustom bool) Record {
	rec := Record{
		Subdomain:   sub,
		TunnelID:    tunnelID,
		AllocatedAt: time.Now(),
		IsCustom:    isCustom,
		ClientIP:    clientIP,
	}
	r.active[sub] = rec
	r.byTunnel[tunnelID] = sub
	r.history = append(r.history, rec)
	return rec
}

// Release removes any subdomain bound to tunnelID. Idempotent: releasing a
// tunnel id with no active binding is a no-op, not an error.
func (r *Registry) Release(tunnelID string) {
	r.mu.Lock()
	sub, ok := r.byTunnel[tunnelID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.active, sub)
	delete(r.byTunnel, tunnelID)
	r.mu.Unlock()
	r.persist()
}

// Resolve splits the leftmost label from host and looks up the bound
// tunnel id. If the remainder equals the base domain, resolution is by
// subdomain label; otherwise the full host is treated as a custom domain
// and looked up verbatim.
func (r *Registry) Resolve(host string) (tunnelID string, ok bool) {
	host = strings.ToLower(host)
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}

	label, rest, hasDot := strings.Cut(host, ".")
	r.mu.RLock()
	defer r.mu.RUnlock()

	if hasDot && rest == r.baseDomain {
		rec, found := r.active[label]
		if !found {
			return "", false
		}
		return rec.TunnelID, true
	}
	rec, found := r.active[host]
	if !found {
		return "", false
	}
	return rec.TunnelID, true
}

// ActiveCount returns the number of currently allocated subdomains.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

// persist serializes the full state to disk via temp-file + rename. Write
// failures are not fatal: in-memory state remains authoritative, and persist
// logs the failure at warning level before returning it.
func (r *Registry) persist() (err error) {
	defer func() {
		if err != nil {
			slog.Warn("registry: failed to persist subdomains", "path", r.path, "error", err)
		}
	}()
	if r.path == "" {
		return nil
	}

	r.mu.RLock()
	doc := document{
		Active:  make(map[string]Record, len(r.active)),
		History: append([]Record(nil), r.history...),
	}
	for k, v := range r.active {
		doc.Active[k] = v
	}
	for w := range r.reserved {
		doc.Reserved = append(doc.Reserved, w)
	}
	sort.Strings(doc.Reserved)
	r.mu.RUnlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: marshal snapshot: %w", err)
	}

	dir := filepath.Dir(r.path)
	tmp, err := os.CreateTemp(dir, ".registry-*.tmp")
	if err != nil {
		return fmt.Errorf("registry: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("registry: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("registry: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("registry: rename temp file: %w", err)
	}
	return nil
}

func validate(sub string) error {
	if len(sub) < minSubdomainLen || len(sub) > maxSubdomainLen {
		return fmt.Errorf("%w: length must be %d-%d chars", ErrValidation, minSubdomainLen, maxSubdomainLen)
	}
	if sub[0] == '-' || sub[len(sub)-1] == '-' {
		return fmt.Errorf("%w: no leading/trailing hyphen", ErrValidation)
	}
	for _, c := range sub {
		if !(c >= 'a' && c <= 'z') && !(c >= '0' && c <= '9') && c != '-' && c != '.' {
			return fmt.Errorf("%w: only [a-z0-9-.] allowed", ErrValidation)
		}
	}
	return nil
}

func randomSubdomain() string {
	word := wordList[rand.IntN(len(wordList))]
	suffixDigits := 2 + rand.IntN(2) // 2 or 3 digits
	max := 1
	for i := 0; i < suffixDigits; i++ {
		max *= 10
	}
	suffix := rand.IntN(max)
	return fmt.Sprintf("%s%0*d", word, suffixDigits, suffix)
}

func fallbackSubdomain() string {
	id := uuid.New().String()
	id = strings.ReplaceAll(id, "-", "")
	return id[:12]
}
