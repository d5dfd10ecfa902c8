package server

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"fluxgate/internal/tunnel/protocol"
)

// pendingRequest is created when a public request enters a tunnel and
// removed on either the matching response frame or a deadline expiry.
type pendingRequest struct {
	id       uuid.UUID
	deadline time.Time
	done     chan protocol.HTTPResponse
}

// pendingMap correlates outbound HttpRequest ids to completion channels for
// a single tunnel. A mutex suffices: churn is bounded by that tunnel's own
// rate limit.
type pendingMap struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*pendingRequest
}

func newPendingMap() *pendingMap {
	return &pendingMap{entries: make(map[uuid.UUID]*pendingRequest)}
}

// register creates a new pendingRequest with the given deadline and returns
// its completion channel.
func (p *pendingMap) register(id uuid.UUID, deadline time.Time) chan protocol.HTTPResponse {
	ch := make(chan protocol.HTTPResponse, 1)
	p.mu.Lock()
	p.entries[id] = &pendingRequest{id: id, deadline: deadline, done: ch}
	p.mu.Unlock()
	return ch
}

// complete delivers a response frame to its matching pending request. A
// response with an unknown id is discarded (reported via the ok return) and
// never treated as fatal.
func (p *pendingMap) complete(resp protocol.HTTPResponse) (ok bool) {
	p.mu.Lock()
	entry, found := p.entries[resp.ID]
	if found {
		delete(p.entries, resp.ID)
	}
	p.mu.Unlock()

	if !found {
		return false
	}
	entry.done <- resp
	return true
}

// forget removes a pending request without delivering a response, used on
// timeout.
func (p *pendingMap) forget(id uuid.UUID) {
	p.mu.Lock()
	delete(p.entries, id)
	p.mu.Unlock()
}

// drainWithBadGateway completes every outstanding pending request with a
// synthetic 502, used when the owning tunnel's control connection closes.
func (p *pendingMap) drainWithBadGateway() {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[uuid.UUID]*pendingRequest)
	p.mu.Unlock()

	for id, entry := range entries {
		entry.done <- protocol.HTTPResponse{
			ID:     id,
			Status: 502,
			Body:   []byte("tunnel closed"),
		}
	}
}

// len reports the number of outstanding pending requests (used for tests
// and diagnostics).
func (p *pendingMap) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
