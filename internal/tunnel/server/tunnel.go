package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// tunnel is one authenticated client's control-channel session: its send
// channel, its pending-request correlation map, and its traffic counters.
type tunnel struct {
	id        uuid.UUID
	subdomain string
	userInfo  string
	clientIP  string
	createdAt time.Time

	conn    *websocket.Conn
	writeMu sync.Mutex // guards conn.WriteMessage; reads run on a separate goroutine

	pending  *pendingMap
	limiter  *rate.Limiter // nil when rate limiting disabled
	connSlot chan struct{} // buffered to MaxConcurrentConnections; nil when unbounded

	bytesIn  int64
	bytesOut int64

	lastPongNonce   atomic.Uint64
	missedPongs     atomic.Int32
	closed          atomic.Bool
}

func newTunnel(conn *websocket.Conn, id uuid.UUID, subdomain, userInfo, clientIP string, rl RateLimitConfig) *tunnel {
	t := &tunnel{
		id:        id,
		subdomain: subdomain,
		userInfo:  userInfo,
		clientIP:  clientIP,
		createdAt: time.Now(),
		conn:      conn,
		pending:   newPendingMap(),
	}
	if rl.Enabled && rl.RequestsPerMinute > 0 {
		t.limiter = rate.NewLimiter(rate.Limit(rl.RequestsPerMinute/60.0), maxBurst(rl.RequestsPerMinute))
	}
	if rl.Enabled && rl.MaxConcurrentConnections > 0 {
		t.connSlot = make(chan struct{}, rl.MaxConcurrentConnections)
	}
	return t
}

func maxBurst(rpm float64) int {
	b := int(rpm / 6) // ~10s worth of budget as burst allowance
	if b < 1 {
		return 1
	}
	return b
}

// writeFrame sends an already-encoded frame, serialized against concurrent
// writers (the keepalive ticker and the public-request forwarders all
// write on the same connection).
func (t *tunnel) writeFrame(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// acquireSlot blocks (up to the request deadline) for a concurrency slot.
// Returns false if no slot became available in time.
func (t *tunnel) acquireSlot(deadline time.Time) bool {
	if t.connSlot == nil {
		return true
	}
	select {
	case t.connSlot <- struct{}{}:
		return true
	default:
	}
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case t.connSlot <- struct{}{}:
		return true
	case <-timer.C:
		return false
	}
}

func (t *tunnel) releaseSlot() {
	if t.connSlot == nil {
		return
	}
	select {
	case <-t.connSlot:
	default:
	}
}
