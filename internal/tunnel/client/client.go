// Package client implements the tunnel client: it maintains a duplex
// control connection to a tunnel server, receives HttpRequest frames, and
// forwards them to a local origin.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"fluxgate/internal/tunnel/protocol"
)

// State is a position in the client's connection state machine.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateAuthenticated
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"TE", "Trailers", "Transfer-Encoding", "Upgrade",
}

// Status is a point-in-time snapshot returned to callers by Client.Status.
type Status struct {
	State         State
	Subdomain     string
	RequestsServed int64
	LastError     string
}

// Client maintains one control connection and forwards tunneled requests to
// a local HTTP origin.
type Client struct {
	cfg        Config
	httpClient *http.Client
	dialer     *websocket.Dialer

	mu           sync.RWMutex
	state        State
	subdomain    string
	requestCount int64
	lastErr      error

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Client. Call Start to begin connecting.
func New(cfg Config) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Start begins attempting to reach the first configured endpoint, with
// automatic reconnection on any disconnect. Runs in a background goroutine.
func (c *Client) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.wg.Add(1)
	go c.run(ctx)
}

// Stop closes the control channel, cancels background tasks, and
// transitions to Disconnected.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.setState(StateDisconnected)
}

// Status returns a snapshot of the client's current state.
func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Status{State: c.state, Subdomain: c.subdomain, RequestsServed: c.requestCount}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) setLastErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

// run drives the connect → serve → reconnect loop until ctx is cancelled.
func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		if attempt > 0 {
			c.setState(StateReconnecting)
			if c.cfg.Reconnection.MaxAttempts > 0 && attempt > c.cfg.Reconnection.MaxAttempts {
				c.setState(StateFailed)
				slog.Error("tunnel client: max reconnection attempts exceeded")
				return
			}
			delay := backoffDelay(c.cfg.Reconnection, attempt)
			slog.Info("tunnel client: reconnecting", "attempt", attempt, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}

		endpoint := c.cfg.Endpoints[attempt%len(c.cfg.Endpoints)]
		authenticated, err := c.connectAndServe(ctx, endpoint)
		if err != nil {
			c.setLastErr(err)
			slog.Warn("tunnel client: session ended", "error", err)
		}
		if authenticated {
			attempt = 0
		} else {
			attempt++
		}
	}
}

// connectAndServe opens one control connection, authenticates, and serves
// frames until the connection closes or ctx is cancelled. The returned
// bool reports whether authentication succeeded (used by run() to reset
// the reconnection attempt counter, per spec).
func (c *Client) connectAndServe(ctx context.Context, ep Endpoint) (authenticated bool, err error) {
	c.setState(StateConnecting)

	conn, _, err := c.dialer.DialContext(ctx, ep.ServerURL, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	c.setState(StateAuthenticating)

	authFrame, _ := protocol.Encode(protocol.TypeAuth, protocol.Auth{
		Token:             c.authToken(),
		RequestedSubdomain: ep.Subdomain,
		ProtocolVersion:   ep.ProtocolVersion,
	})
	wire, _ := protocol.Marshal(authFrame)
	if err := conn.WriteMessage(websocket.TextMessage, wire); err != nil {
		return false, fmt.Errorf("send auth: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return false, fmt.Errorf("read auth_ack: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	ackFrame, err := protocol.Unmarshal(raw)
	if err != nil || ackFrame.Type != protocol.TypeAuthAck {
		return false, errors.New("expected auth_ack frame")
	}
	ack, err := protocol.DecodeAuthAck(ackFrame)
	if err != nil {
		return false, fmt.Errorf("decode auth_ack: %w", err)
	}
	if !ack.OK {
		return false, fmt.Errorf("auth rejected: %s", ack.Reason)
	}

	c.mu.Lock()
	c.state = StateAuthenticated
	c.subdomain = ack.Subdomain
	c.mu.Unlock()
	slog.Info("tunnel client: authenticated", "subdomain", ack.Subdomain)

	return true, c.serve(ctx, conn)
}

func (c *Client) authToken() string {
	if c.cfg.Auth.Method == "jwt" {
		return c.cfg.Auth.Token
	}
	return c.cfg.Auth.APIKey
}

// serve reads frames from an authenticated connection until it closes,
// dispatching HttpRequest to the local origin and Ping to the keepalive
// responder. Returns an error describing why the session ended (network
// error, liveness timeout) so the caller can drive reconnection.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	liveness := time.NewTimer(2 * c.cfg.Keepalive)
	defer liveness.Stop()

	msgCh := make(chan protocol.Frame)
	errCh := make(chan error, 1)

	go func() {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			frame, err := protocol.Unmarshal(raw)
			if err != nil {
				slog.Warn("tunnel client: malformed frame", "error", err)
				continue
			}
			msgCh <- frame
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return fmt.Errorf("connection closed: %w", err)
		case <-liveness.C:
			return errors.New("liveness timeout: no frames received")
		case frame := <-msgCh:
			liveness.Reset(2 * c.cfg.Keepalive)
			c.handleFrame(conn, frame)
		}
	}
}

func (c *Client) handleFrame(conn *websocket.Conn, frame protocol.Frame) {
	switch frame.Type {
	case protocol.TypeHTTPRequest:
		req, err := protocol.DecodeHTTPRequest(frame)
		if err != nil {
			slog.Warn("tunnel client: malformed http_request", "error", err)
			return
		}
		go c.forward(conn, req)
	case protocol.TypePing:
		ping, err := protocol.DecodePing(frame)
		if err != nil {
			return
		}
		pong, _ := protocol.Encode(protocol.TypePong, protocol.Pong{Nonce: ping.Nonce})
		wire, _ := protocol.Marshal(pong)
		conn.WriteMessage(websocket.TextMessage, wire) //nolint:errcheck
	default:
		slog.Debug("tunnel client: unhandled frame type", "type", frame.Type)
	}
}

// forward synthesizes a request to the local origin for one tunneled
// HttpRequest frame and writes the resulting HttpResponse frame back.
// Errors reaching the local origin produce a synthetic 502 — never a
// silent drop, per spec.
func (c *Client) forward(conn *websocket.Conn, req protocol.HTTPRequest) {
	resp := c.dispatchLocal(req)

	respFrame, err := protocol.Encode(protocol.TypeHTTPResponse, resp)
	if err != nil {
		slog.Error("tunnel client: failed to encode http_response", "error", err)
		return
	}
	wire, err := protocol.Marshal(respFrame)
	if err != nil {
		return
	}

	c.mu.Lock()
	c.requestCount++
	c.mu.Unlock()

	if err := conn.WriteMessage(websocket.TextMessage, wire); err != nil {
		slog.Warn("tunnel client: failed to write http_response", "error", err)
	}
}

func (c *Client) dispatchLocal(req protocol.HTTPRequest) protocol.HTTPResponse {
	url := fmt.Sprintf("http://%s:%d%s", c.cfg.LocalHost, c.cfg.LocalPort, req.Path)

	httpReq, err := http.NewRequest(req.Method, url, bytes.NewReader(req.Body))
	if err != nil {
		return errorResponse(req.ID, err)
	}
	for name, values := range req.Headers {
		if isHopByHop(name) {
			continue
		}
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return errorResponse(req.ID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errorResponse(req.ID, err)
	}

	headers := make(map[string][]string, len(resp.Header))
	for name, values := range resp.Header {
		if isHopByHop(name) {
			continue
		}
		headers[name] = values
	}

	return protocol.HTTPResponse{
		ID:      req.ID,
		Status:  uint16(resp.StatusCode),
		Headers: headers,
		Body:    body,
	}
}

func errorResponse(id uuid.UUID, err error) protocol.HTTPResponse {
	return protocol.HTTPResponse{
		ID:     id,
		Status: 502,
		Body:   []byte("local origin error: " + err.Error()),
	}
}

func isHopByHop(name string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}

// backoffDelay computes the exponential-backoff-with-jitter reconnection
// wait, per spec.md §4.9: delay = min(max_delay, initial·multiplier^attempt)
// · (1 + jitter·rand()).
func backoffDelay(cfg ReconnectionConfig, attempt int) time.Duration {
	base := float64(cfg.InitialDelay)
	for i := 0; i < attempt; i++ {
		base *= cfg.BackoffMultiplier
	}
	if capped := float64(cfg.MaxDelay); base > capped {
		base = capped
	}
	jitter := 1 + cfg.JitterFactor*rand.Float64()
	return time.Duration(base * jitter)
}
