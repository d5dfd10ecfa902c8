// Package health implements active health checking for upstream targets.
// A Monitor runs in the background and periodically probes each target,
// either via an HTTP GET to a configurable path (default "/healthz") or, in
// websocket mode, via a ping/pong round trip over an upgraded connection.
// Unhealthy targets are automatically excluded from traffic by the
// load-balancing strategy.
//
// Passive health checks (marking a target unhealthy after a proxy error) are
// handled inside internal/proxy — this package only covers active probing.
package health

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fluxgate/internal/strategy"
)

// Mode selects how a target is probed.
type Mode int

const (
	ModeHTTP Mode = iota
	ModeWebsocket
)

// Config holds the parameters for the health monitor.
type Config struct {
	Mode        Mode
	Interval    time.Duration
	Timeout     time.Duration
	Path        string // e.g. "/healthz"
	PingMessage string // websocket mode only; defaults to "ping"
}

// Monitor periodically probes all registered targets and updates their
// health state. It is safe to call UpdateTargets while the monitor runs.
type Monitor struct {
	cfg    Config
	client *http.Client
	dialer *websocket.Dialer

	mu      sync.RWMutex
	targets []*strategy.Target

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Monitor but does not start it; call Start to begin probing.
func New(targets []*strategy.Target, cfg Config) *Monitor {
	if cfg.PingMessage == "" {
		cfg.PingMessage = "ping"
	}
	return &Monitor{
		cfg:     cfg,
		targets: targets,
		client:  &http.Client{Timeout: cfg.Timeout},
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.Timeout},
	}
}

// Start begins the background health-check loop. It runs an immediate check
// before the first ticker tick so targets are classified quickly at startup.
func (m *Monitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		m.probeAll() // immediate check on startup

		for {
			select {
			case <-ticker.C:
				m.probeAll()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop shuts down the background goroutine and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// UpdateTargets atomically replaces the target list. Safe to call while the
// monitor is running (e.g. on a config hot-reload).
func (m *Monitor) UpdateTargets(targets []*strategy.Target) {
	m.mu.Lock()
	m.targets = targets
	m.mu.Unlock()
}

// probeAll checks every target concurrently and waits for all to finish.
func (m *Monitor) probeAll() {
	m.mu.RLock()
	targets := m.targets
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func(t *strategy.Target) {
			defer wg.Done()
			if m.cfg.Mode == ModeWebsocket {
				m.probeWebsocket(t)
			} else {
				m.probeHTTP(t)
			}
		}(t)
	}
	wg.Wait()
}

// probeHTTP sends a single GET request and updates the target's dynamic
// health flag.
func (m *Monitor) probeHTTP(t *strategy.Target) {
	target := t.RawURL + m.cfg.Path

	resp, err := m.client.Get(target)
	if err != nil {
		m.report(t, false, "error", err)
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		m.report(t, true, "status", resp.StatusCode)
	} else {
		m.report(t, false, "status", resp.StatusCode)
	}
}

// probeWebsocket dials the target, writes a ping control frame, and expects
// a pong within the configured timeout. The connection is closed after each
// probe — this is a liveness check, not a kept-alive session.
func (m *Monitor) probeWebsocket(t *strategy.Target) {
	wsURL := toWebsocketURL(t.RawURL) + m.cfg.Path

	conn, _, err := m.dialer.Dial(wsURL, nil)
	if err != nil {
		m.report(t, false, "error", err)
		return
	}
	defer conn.Close()

	pongCh := make(chan struct{}, 1)
	conn.SetPongHandler(func(string) error {
		select {
		case pongCh <- struct{}{}:
		default:
		}
		return nil
	})

	deadline := time.Now().Add(m.cfg.Timeout)
	if err := conn.WriteControl(websocket.PingMessage, []byte(m.cfg.PingMessage), deadline); err != nil {
		m.report(t, false, "error", err)
		return
	}

	conn.SetReadDeadline(deadline)
	go func() {
		// Pump reads so the pong handler fires; ignore frame content.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pongCh:
		m.report(t, true)
	case <-time.After(time.Until(deadline)):
		m.report(t, false, "error", "websocket health probe: pong timeout")
	}
}

func (m *Monitor) report(t *strategy.Target, healthy bool, kv ...any) {
	wasHealthy := t.IsHealthy()
	t.SetDynamicHealthy(healthy)

	if healthy && !wasHealthy {
		slog.Info("health: target recovered", "target", t.RawURL)
	} else if !healthy && wasHealthy {
		args := append([]any{"target", t.RawURL}, kv...)
		slog.Warn("health: target became unhealthy", args...)
	}
}

// toWebsocketURL rewrites an http(s):// origin to ws(s)://.
func toWebsocketURL(rawURL string) string {
	switch {
	case strings.HasPrefix(rawURL, "https://"):
		return "wss://" + strings.TrimPrefix(rawURL, "https://")
	case strings.HasPrefix(rawURL, "http://"):
		return "ws://" + strings.TrimPrefix(rawURL, "http://")
	default:
		return rawURL
	}
}
