// Package proxy is the core request-forwarding layer of the gateway.
//
// Gateway wraps net/http/httputil.ReverseProxy and adds:
//   - Dynamic target selection via a route's strategy.Balancer (plain or
//     sticky dispatch).
//   - Standard proxy header injection (X-Forwarded-For, X-Real-IP, …) and
//     full hop-by-hop header stripping.
//   - Active connection tracking and circuit-breaker outcome recording.
//   - Passive health checks: a target is marked unhealthy on any dial or
//     protocol error, and the active health monitor re-enables it later.
//   - WebSocket upgrade detection and bidirectional frame shuttling.
//   - Atomic balancer swap for zero-downtime config hot-reloads.
package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fluxgate/internal/circuit"
	"fluxgate/internal/strategy"
)

// ctxKey is the unexported type used as the context key for the selected
// target, preventing accidental collisions with other packages.
type ctxKey struct{}

// hopByHopHeaders lists the headers that must never be forwarded verbatim
// (RFC 7230 §6.1), except on a WebSocket upgrade, where Connection/Upgrade
// are left intact so the handshake survives.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"TE", "Trailers", "Transfer-Encoding", "Upgrade",
}

// Gateway is the central http.Handler for one route. It is safe for
// concurrent use.
type Gateway struct {
	mu       sync.RWMutex
	balancer *strategy.Balancer
	sticky   bool
	timeout  time.Duration

	rp       *httputil.ReverseProxy
	upgrader websocket.Upgrader
	dialer   websocket.Dialer
}

// New creates a Gateway dispatching onto balancer. sticky enables
// SelectSticky dispatch (by client IP) instead of plain Select; timeout
// bounds each upstream HTTP round trip (0 = no extra timeout beyond the
// transport's own dial/idle timeouts).
func New(balancer *strategy.Balancer, sticky bool, timeout time.Duration) *Gateway {
	gw := &Gateway{
		balancer: balancer,
		sticky:   sticky,
		timeout:  timeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		dialer: websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
	gw.rp = &httputil.ReverseProxy{
		Director:       gw.director,
		ModifyResponse: gw.modifyResponse,
		ErrorHandler:   gw.errorHandler,
		Transport: &breakerTransport{
			inner: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	return gw
}

// breakerTransport gates every upstream round trip through the selected
// target's circuit breaker (spec §4.3 HalfOpen: at most test_requests
// concurrent probes are admitted; other selections skip the real attempt).
// RoundTrip is the only place the real dispatch happens, so admission
// control and outcome recording both live here instead of after the fact.
type breakerTransport struct {
	inner http.RoundTripper
}

func (bt *breakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t := targetFromCtx(req.Context())
	if t == nil {
		return bt.inner.RoundTrip(req)
	}

	var resp *http.Response
	err := t.Breaker.Execute(func() error {
		var rtErr error
		resp, rtErr = bt.inner.RoundTrip(req)
		if rtErr != nil {
			return rtErr
		}
		if strategy.ClassifyStatus(resp.StatusCode) == strategy.OutcomeFailure {
			return ErrUpstreamProtocol
		}
		return nil
	})

	if resp != nil {
		// The round trip completed (even with a 5xx body) — forward it as
		// a normal response and let modifyResponse record the outcome with
		// the balancer. The breaker has already recorded it above.
		return resp, nil
	}
	return nil, err
}

// UpdateBalancer atomically swaps the active Balancer. In-flight requests
// using the old balancer complete normally; new requests use the new
// balancer immediately.
func (gw *Gateway) UpdateBalancer(b *strategy.Balancer, sticky bool) {
	gw.mu.Lock()
	gw.balancer = b
	gw.sticky = sticky
	gw.mu.Unlock()
}

// ServeHTTP satisfies http.Handler. WebSocket upgrade requests are shuttled
// directly; everything else goes through the buffered ReverseProxy.
func (gw *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if isWebsocketUpgrade(r) {
		gw.serveWebsocket(w, r)
		return
	}
	if gw.timeout > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), gw.timeout)
		defer cancel()
		r = r.WithContext(ctx)
	}
	gw.rp.ServeHTTP(w, r)
}

func isWebsocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// director rewrites the incoming request to target whichever Target the
// current Balancer selects. The chosen Target is stored in the request
// context so modifyResponse and errorHandler can record its outcome.
func (gw *Gateway) director(req *http.Request) {
	gw.mu.RLock()
	bal, sticky := gw.balancer, gw.sticky
	gw.mu.RUnlock()

	t, err := selectTarget(bal, sticky, req)
	if err != nil {
		slog.Error("no healthy target available", "error", err)
		// Point at an unreachable address so ReverseProxy triggers its
		// ErrorHandler via a dial error rather than panicking.
		req.URL.Scheme = "http"
		req.URL.Host = "0.0.0.0:0"
		newReq := req.WithContext(context.WithValue(req.Context(), ctxKey{}, (*strategy.Target)(nil)))
		*req = *newReq
		return
	}

	originalHost := req.Host

	req.URL.Scheme = t.URL.Scheme
	req.URL.Host = t.URL.Host
	req.Host = t.URL.Host

	stripHopByHop(req.Header)

	// Inject standard proxy headers so targets can reconstruct the original
	// request context (real client IP, original host, original scheme).
	clientIP := remoteIP(req)
	if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
		req.Header.Set("X-Forwarded-For", prior+", "+clientIP)
	} else {
		req.Header.Set("X-Forwarded-For", clientIP)
	}
	req.Header.Set("X-Real-IP", clientIP)
	req.Header.Set("X-Forwarded-Host", originalHost)
	req.Header.Set("X-Forwarded-Proto", requestScheme(req))

	slog.Debug("proxying request",
		"method", req.Method,
		"path", req.URL.Path,
		"target", t.RawURL,
	)

	newReq := req.WithContext(context.WithValue(req.Context(), ctxKey{}, t))
	*req = *newReq
}

// selectTarget performs plain or sticky selection per the route's config.
func selectTarget(bal *strategy.Balancer, sticky bool, req *http.Request) (*strategy.Target, error) {
	if sticky {
		return bal.SelectSticky(remoteIP(req))
	}
	return bal.Select()
}

// modifyResponse is called on every successful upstream response (the
// breaker already recorded the outcome inside breakerTransport.RoundTrip).
// It releases the active-connection count and updates the balancer's
// request/error counters.
func (gw *Gateway) modifyResponse(resp *http.Response) error {
	t := targetFromCtx(resp.Request.Context())
	if t == nil {
		return nil
	}
	outcome := strategy.ClassifyStatus(resp.StatusCode)
	gw.recordOutcome(t, outcome)
	return nil
}

// errorHandler is called when ReverseProxy cannot reach the target (dial
// error, timeout, breaker admission denial, etc.). A real dispatch failure
// performs a passive health check by marking the target unhealthy so the
// strategy stops sending traffic to it until the active monitor revives it;
// a circuit-open denial is not a new health signal (Eligible() already
// excludes the target) so it does not also flip dynamic health.
func (gw *Gateway) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	t := targetFromCtx(r.Context())
	if t == nil {
		http.Error(w, "no healthy target", statusFor(ErrNoHealthyTarget))
		return
	}

	gw.recordOutcome(t, strategy.OutcomeFailure)

	typed := classifyDispatchError(err)
	if typed == ErrCircuitOpen {
		slog.Warn("target circuit open — request skipped",
			"target", t.RawURL,
			"method", r.Method,
			"path", r.URL.Path,
		)
		http.Error(w, "service unavailable", statusFor(typed))
		return
	}

	t.SetDynamicHealthy(false)
	slog.Error("target error — marked unhealthy",
		"target", t.RawURL,
		"method", r.Method,
		"path", r.URL.Path,
		"error", err,
	)
	http.Error(w, "bad gateway", statusFor(typed))
}

// recordOutcome releases the connection slot and updates the balancer's
// request/error counters. Circuit-breaker accounting happens inside
// breakerTransport.RoundTrip, around the real dispatch — not here.
func (gw *Gateway) recordOutcome(t *strategy.Target, outcome strategy.Outcome) {
	gw.mu.RLock()
	bal := gw.balancer
	gw.mu.RUnlock()

	bal.RecordCompletion(t, outcome)
}

func classifyDispatchError(err error) error {
	if errors.Is(err, circuit.ErrOpen) {
		return ErrCircuitOpen
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrUpstreamTimeout
	}
	return ErrUpstreamUnreachable
}

func targetFromCtx(ctx context.Context) *strategy.Target {
	t, _ := ctx.Value(ctxKey{}).(*strategy.Target)
	return t
}

// stripHopByHop removes headers that must not be forwarded upstream
// unmodified (spec §4.6 step 3). WebSocket upgrades are handled by a
// separate code path (serveWebsocket) that never calls this function, so
// Connection/Upgrade are always safe to strip here.
func stripHopByHop(h http.Header) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func requestScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
