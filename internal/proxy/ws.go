package proxy

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fluxgate/internal/circuit"
	"fluxgate/internal/strategy"
)

// serveWebsocket implements spec §4.6 step 4's WebSocket dispatch: select a
// target (sticky if configured), dial it, upgrade the inbound client
// connection, then shuttle frames in both directions until either side
// closes.
func (gw *Gateway) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	gw.mu.RLock()
	bal, sticky := gw.balancer, gw.sticky
	gw.mu.RUnlock()

	t, err := selectTarget(bal, sticky, r)
	if err != nil {
		http.Error(w, "no healthy target", statusFor(ErrNoHealthyTarget))
		return
	}

	targetURL := toWebsocketURL(t.RawURL) + r.URL.Path
	if r.URL.RawQuery != "" {
		targetURL += "?" + r.URL.RawQuery
	}

	upstreamHeader := http.Header{}
	for k, vals := range r.Header {
		if isHopByHop(k) {
			continue
		}
		switch http.CanonicalHeaderKey(k) {
		case "Sec-Websocket-Key", "Sec-Websocket-Version", "Sec-Websocket-Extensions":
			// The dialer generates its own handshake headers and rejects duplicates.
			continue
		}
		for _, v := range vals {
			upstreamHeader.Add(k, v)
		}
	}

	// Dial + upgrade are gated through the target's circuit breaker the same
	// way breakerTransport gates the HTTP path: a HalfOpen-saturated or Open
	// breaker skips the real dial/upgrade attempt entirely (spec §4.3, §4.6
	// step 5) instead of only recording an outcome after the fact.
	var upstreamConn, clientConn *websocket.Conn
	var resp *http.Response
	breakerErr := t.Breaker.Execute(func() error {
		var dialErr error
		upstreamConn, resp, dialErr = gw.dialer.Dial(targetURL, upstreamHeader)
		if dialErr != nil {
			return dialErr
		}
		var upgradeErr error
		clientConn, upgradeErr = gw.upgrader.Upgrade(w, r, nil)
		if upgradeErr != nil {
			upstreamConn.Close()
			return upgradeErr
		}
		return nil
	})

	if breakerErr != nil {
		bal.RecordCompletion(t, strategy.OutcomeFailure)
		if errors.Is(breakerErr, circuit.ErrOpen) {
			http.Error(w, "service unavailable", statusFor(ErrCircuitOpen))
			return
		}
		if upstreamConn == nil {
			// Dial never succeeded (or the breaker skipped it).
			t.SetDynamicHealthy(false)
			if resp != nil && resp.StatusCode > 0 {
				http.Error(w, "bad gateway", http.StatusBadGateway)
			} else {
				http.Error(w, "bad gateway", statusFor(classifyDispatchError(breakerErr)))
			}
			return
		}
		// Dial succeeded but the client upgrade failed; upstreamConn is
		// already closed inside the breaker closure above.
		return
	}
	defer upstreamConn.Close()
	defer clientConn.Close()

	shuttle(clientConn, upstreamConn)
	bal.RecordCompletion(t, strategy.OutcomeSuccess)
}

// shuttle copies frames in both directions until one side closes, then
// closes the other with the appropriate code: the peer's own close code and
// reason when available, or 1011 (internal error) on a network error.
func shuttle(client, upstream *websocket.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		pump(upstream, client)
	}()
	go func() {
		defer wg.Done()
		pump(client, upstream)
	}()

	wg.Wait()
}

// pump reads frames from src and writes them to dst until src errors or
// closes, then propagates an appropriate close frame to dst.
func pump(src, dst *websocket.Conn) {
	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			code := websocket.CloseInternalServerErr
			reason := "upstream closed"
			if ce, ok := err.(*websocket.CloseError); ok {
				code = ce.Code
				reason = ce.Text
			}
			_ = dst.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
			return
		}
		if err := dst.WriteMessage(msgType, data); err != nil {
			return
		}
	}
}

func isHopByHop(name string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}

func toWebsocketURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	return u.String()
}
