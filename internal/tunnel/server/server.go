// Package server implements the tunnel server: a public listener for
// end-user traffic, a control listener for client duplex connections, and
// the glue that multiplexes public requests into the right tunnel.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"fluxgate/internal/tunnel/protocol"
	"fluxgate/internal/tunnel/registry"
)

// hopByHopHeaders are stripped before a request is serialized into a frame
// or a response is written back to the public caller.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"TE", "Trailers", "Transfer-Encoding", "Upgrade",
}

// Server owns the public and control listeners and the live tunnel table.
type Server struct {
	cfg      Config
	registry *registry.Registry
	upgrader websocket.Upgrader

	mu          sync.RWMutex
	bySubdomain map[string]*tunnel
	byID        map[uuid.UUID]*tunnel

	totalServed atomic.Int64

	publicSrv  *http.Server
	controlSrv *http.Server
}

// New constructs a Server. Call Start to begin listening on both sockets.
func New(cfg Config) *Server {
	reg := registry.New(cfg.BaseDomain, cfg.RegistryPath, registry.WithReserved(cfg.ReservedSubdomains))
	if err := reg.Load(); err != nil {
		slog.Warn("tunnel registry: failed to load persisted subdomains, starting empty", "error", err)
	}

	return &Server{
		cfg:      cfg,
		registry: reg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024 * 32,
			WriteBufferSize: 1024 * 32,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		bySubdomain: make(map[string]*tunnel),
		byID:        make(map[uuid.UUID]*tunnel),
	}
}

// Start begins listening on both the public and control sockets in
// background goroutines. It returns immediately.
func (s *Server) Start() {
	publicMux := http.NewServeMux()
	publicMux.HandleFunc("/", s.handlePublicRequest)
	s.publicSrv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Network.PublicBindAddress, s.cfg.PublicPort),
		Handler: publicMux,
	}

	controlMux := http.NewServeMux()
	controlMux.HandleFunc("/tunnel", s.handleControlUpgrade)
	s.controlSrv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Network.BindAddress, s.cfg.TunnelPort),
		Handler: controlMux,
	}

	go func() {
		slog.Info("tunnel public listener starting", "addr", s.publicSrv.Addr)
		if err := s.publicSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("tunnel public listener error", "error", err)
		}
	}()
	go func() {
		slog.Info("tunnel control listener starting", "addr", s.controlSrv.Addr)
		if err := s.controlSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("tunnel control listener error", "error", err)
		}
	}()
}

// Stop gracefully shuts down both listeners.
func (s *Server) Stop(ctx context.Context) error {
	var errPublic, errControl error
	if s.publicSrv != nil {
		errPublic = s.publicSrv.Shutdown(ctx)
	}
	if s.controlSrv != nil {
		errControl = s.controlSrv.Shutdown(ctx)
	}
	return errors.Join(errPublic, errControl)
}

// ActiveTunnelCount implements admin.TunnelStats.
func (s *Server) ActiveTunnelCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// TotalTunnelsServed implements admin.TunnelStats.
func (s *Server) TotalTunnelsServed() int64 {
	return s.totalServed.Load()
}

// ── Control channel ──────────────────────────────────────────────────────────

func (s *Server) handleControlUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.cfg.MaxTunnels > 0 && s.ActiveTunnelCount() >= s.cfg.MaxTunnels {
		http.Error(w, "tunnel capacity reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("tunnel control: upgrade failed", "error", err)
		return
	}

	t, ok := s.authenticateConn(conn, clientIPOf(r))
	if !ok {
		conn.Close()
		return
	}

	s.mu.Lock()
	s.bySubdomain[t.subdomain] = t
	s.byID[t.id] = t
	s.mu.Unlock()
	s.totalServed.Add(1)

	slog.Info("tunnel ready", "tunnel_id", t.id, "subdomain", t.subdomain, "user", t.userInfo)

	s.runControlLoop(t)
}

// authenticateConn reads the first frame (must be Auth within auth_timeout),
// validates it, allocates a subdomain, and sends AuthAck. Returns the new
// tunnel on success.
func (s *Server) authenticateConn(conn *websocket.Conn, clientIP string) (*tunnel, bool) {
	conn.SetReadDeadline(time.Now().Add(s.cfg.AuthTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		slog.Warn("tunnel control: auth timeout or read error", "error", err)
		return nil, false
	}
	conn.SetReadDeadline(time.Time{})

	frame, err := protocol.Unmarshal(raw)
	if err != nil || frame.Type != protocol.TypeAuth {
		s.sendAuthAckFailure(conn, "first frame must be auth")
		return nil, false
	}
	auth, err := protocol.DecodeAuth(frame)
	if err != nil {
		s.sendAuthAckFailure(conn, "malformed auth frame")
		return nil, false
	}

	if s.cfg.Auth.Required {
		userSlug, ok := authenticate(s.cfg.Auth, auth.Token)
		if !ok {
			s.sendAuthAckFailure(conn, "invalid credentials")
			return nil, false
		}
		return s.finishAuth(conn, auth, userSlug, clientIP)
	}

	userSlug, _ := authenticate(s.cfg.Auth, auth.Token)
	return s.finishAuth(conn, auth, userSlug, clientIP)
}

func (s *Server) finishAuth(conn *websocket.Conn, auth protocol.Auth, userSlug, clientIP string) (*tunnel, bool) {
	preferred := auth.RequestedSubdomain
	if preferred == "" {
		preferred = userSlug
	}

	id := uuid.New()
	subdomain, err := s.registry.Allocate(id.String(), preferred, clientIP)
	if err != nil {
		s.sendAuthAckFailure(conn, err.Error())
		return nil, false
	}

	ack, _ := protocol.Encode(protocol.TypeAuthAck, protocol.AuthAck{
		OK:        true,
		Subdomain: subdomain,
		TunnelID:  id.String(),
	})
	wire, _ := protocol.Marshal(ack)
	if err := conn.WriteMessage(websocket.TextMessage, wire); err != nil {
		s.registry.Release(id.String())
		return nil, false
	}

	return newTunnel(conn, id, subdomain, userSlug, clientIP, s.cfg.RateLimiting), true
}

func (s *Server) sendAuthAckFailure(conn *websocket.Conn, reason string) {
	ack, _ := protocol.Encode(protocol.TypeAuthAck, protocol.AuthAck{OK: false, Reason: reason})
	wire, _ := protocol.Marshal(ack)
	conn.WriteMessage(websocket.TextMessage, wire) //nolint:errcheck
}

// runControlLoop drives the Ready-state read loop and keepalive ticker
// until the connection closes, then releases the tunnel's resources.
func (s *Server) runControlLoop(t *tunnel) {
	defer s.teardown(t)

	done := make(chan struct{})
	go s.keepaliveLoop(t, done)
	defer close(done)

	for {
		_, raw, err := t.conn.ReadMessage()
		if err != nil {
			return
		}

		frame, err := protocol.Unmarshal(raw)
		if err != nil {
			slog.Warn("tunnel control: malformed frame", "tunnel_id", t.id, "error", err)
			continue
		}

		switch frame.Type {
		case protocol.TypeHTTPResponse:
			resp, err := protocol.DecodeHTTPResponse(frame)
			if err != nil {
				slog.Warn("tunnel control: malformed http_response", "tunnel_id", t.id, "error", err)
				continue
			}
			if !t.pending.complete(resp) {
				slog.Debug("tunnel control: response for unknown/expired request", "tunnel_id", t.id, "request_id", resp.ID)
			}
		case protocol.TypePong:
			pong, err := protocol.DecodePong(frame)
			if err == nil {
				t.lastPongNonce.Store(pong.Nonce)
				t.missedPongs.Store(0)
			}
		case protocol.TypeError:
			errFrame, err := protocol.DecodeError(frame)
			if err == nil {
				slog.Warn("tunnel control: client reported error", "tunnel_id", t.id, "code", errFrame.Code, "message", errFrame.Message)
			}
		default:
			slog.Debug("tunnel control: unhandled frame type", "tunnel_id", t.id, "type", frame.Type)
		}
	}
}

func (s *Server) keepaliveLoop(t *tunnel, done chan struct{}) {
	ticker := time.NewTicker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()

	var nonce uint64
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			// The counter also counts this tick, so > 2 means the two
			// previous pings went unanswered.
			if t.missedPongs.Add(1) > 2 {
				slog.Warn("tunnel control: missed pongs, closing", "tunnel_id", t.id)
				t.conn.Close()
				return
			}
			nonce++
			ping, _ := protocol.Encode(protocol.TypePing, protocol.Ping{Nonce: nonce})
			wire, _ := protocol.Marshal(ping)
			if err := t.writeFrame(wire); err != nil {
				return
			}
		}
	}
}

func (s *Server) teardown(t *tunnel) {
	t.closed.Store(true)
	t.conn.Close()
	t.pending.drainWithBadGateway()
	s.registry.Release(t.id.String())

	s.mu.Lock()
	delete(s.bySubdomain, t.subdomain)
	delete(s.byID, t.id)
	s.mu.Unlock()

	slog.Info("tunnel closed", "tunnel_id", t.id, "subdomain", t.subdomain)
}

// ── Public request path ──────────────────────────────────────────────────────

func (s *Server) handlePublicRequest(w http.ResponseWriter, r *http.Request) {
	tunnelID, ok := s.registry.Resolve(r.Host)
	if !ok {
		http.NotFound(w, r)
		return
	}

	s.mu.RLock()
	id, err := uuid.Parse(tunnelID)
	var t *tunnel
	if err == nil {
		t = s.byID[id]
	}
	s.mu.RUnlock()
	if t == nil {
		http.NotFound(w, r)
		return
	}

	if t.limiter != nil && !t.limiter.Allow() {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	deadline := time.Now().Add(s.cfg.RequestTimeout)
	if !t.acquireSlot(deadline) {
		http.Error(w, "too many concurrent requests", http.StatusServiceUnavailable)
		return
	}
	defer t.releaseSlot()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	reqID := uuid.New()
	frame, err := protocol.Encode(protocol.TypeHTTPRequest, protocol.HTTPRequest{
		ID:       reqID,
		Method:   r.Method,
		Path:     r.URL.RequestURI(),
		Headers:  stripHopByHop(r.Header),
		Body:     body,
		ClientIP: clientIPOf(r),
	})
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	wire, err := protocol.Marshal(frame)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	done := t.pending.register(reqID, deadline)
	if err := t.writeFrame(wire); err != nil {
		t.pending.forget(reqID)
		http.Error(w, "tunnel unavailable", http.StatusBadGateway)
		return
	}

	select {
	case resp := <-done:
		for name, values := range stripHopByHop(http.Header(resp.Headers)) {
			for _, v := range values {
				w.Header().Add(name, v)
			}
		}
		status := int(resp.Status)
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		w.Write(resp.Body) //nolint:errcheck
	case <-time.After(time.Until(deadline)):
		t.pending.forget(reqID)
		http.Error(w, "gateway timeout", http.StatusGatewayTimeout)
	}
}

// ── helpers ──────────────────────────────────────────────────────────────────

func clientIPOf(r *http.Request) string {
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return ip
	}
	return r.RemoteAddr
}

func stripHopByHop(h http.Header) map[string][]string {
	out := make(map[string][]string, len(h))
	for name, values := range h {
		skip := false
		for _, hop := range hopByHopHeaders {
			if strings.EqualFold(name, hop) {
				skip = true
				break
			}
		}
		if !skip {
			out[name] = values
		}
	}
	return out
}
