package proxy_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fluxgate/internal/circuit"
	"fluxgate/internal/proxy"
	"fluxgate/internal/strategy"
)

// ── helpers ──────────────────────────────────────────────────────────────────

func singleTargetGateway(t *testing.T, targetURL string) (*proxy.Gateway, *strategy.Target) {
	t.Helper()
	tg, err := strategy.NewTarget(targetURL, 1, circuit.Config{Enabled: false})
	require.NoError(t, err)
	p := strategy.NewRoundRobin([]*strategy.Target{tg})
	bal := strategy.NewBalancer(p, []*strategy.Target{tg})
	return proxy.New(bal, false, 0), tg
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestGateway_ForwardsRequestAndBody(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello from target"))
	}))
	defer target.Close()

	gw, _ := singleTargetGateway(t, target.URL)
	srv := httptest.NewServer(gw)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/test")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello from target", string(body))
}

func TestGateway_InjectsProxyHeaders(t *testing.T) {
	var (
		mu              sync.Mutex
		receivedHeaders http.Header
	)

	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		receivedHeaders = r.Header.Clone()
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	gw, _ := singleTargetGateway(t, target.URL)
	srv := httptest.NewServer(gw)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/anything")
	require.NoError(t, err)
	resp.Body.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.NotEmpty(t, receivedHeaders.Get("X-Forwarded-For"), "X-Forwarded-For must be set")
	assert.NotEmpty(t, receivedHeaders.Get("X-Real-Ip"), "X-Real-IP must be set")
	assert.NotEmpty(t, receivedHeaders.Get("X-Forwarded-Host"), "X-Forwarded-Host must be set")
	assert.Equal(t, "http", receivedHeaders.Get("X-Forwarded-Proto"))
}

func TestGateway_StripsHopByHopHeaders(t *testing.T) {
	var receivedHeaders http.Header
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	gw, _ := singleTargetGateway(t, target.URL)
	srv := httptest.NewServer(gw)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/", nil)
	req.Header.Set("Keep-Alive", "timeout=5")
	req.Header.Set("Proxy-Authorization", "Basic xyz")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Empty(t, receivedHeaders.Get("Keep-Alive"))
	assert.Empty(t, receivedHeaders.Get("Proxy-Authorization"))
}

func TestGateway_NoHealthyTarget_Returns503(t *testing.T) {
	tg, err := strategy.NewTarget("http://127.0.0.1:1", 1, circuit.Config{Enabled: false})
	require.NoError(t, err)
	tg.SetDynamicHealthy(false) // explicitly mark unhealthy

	p := strategy.NewRoundRobin([]*strategy.Target{tg})
	bal := strategy.NewBalancer(p, []*strategy.Target{tg})
	gw := proxy.New(bal, false, 0)
	srv := httptest.NewServer(gw)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestGateway_PassiveHealthCheck_MarksUnhealthy(t *testing.T) {
	// Start a target, note its URL, then shut it down.
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	targetURL := target.URL
	target.Close() // target is now unreachable

	tg, err := strategy.NewTarget(targetURL, 1, circuit.Config{Enabled: false})
	require.NoError(t, err)
	assert.True(t, tg.IsHealthy(), "target should start healthy")

	p := strategy.NewRoundRobin([]*strategy.Target{tg})
	bal := strategy.NewBalancer(p, []*strategy.Target{tg})
	gw := proxy.New(bal, false, 0)
	srv := httptest.NewServer(gw)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/probe")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode, "dial failure should return 502")
	assert.False(t, tg.IsHealthy(), "target should be marked unhealthy after dial error")
}

func TestGateway_UpdateBalancer_SwitchesTarget(t *testing.T) {
	target1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("t1"))
	}))
	defer target1.Close()

	target2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("t2"))
	}))
	defer target2.Close()

	// Start with target1.
	gw, _ := singleTargetGateway(t, target1.URL)
	srv := httptest.NewServer(gw)
	defer srv.Close()

	body1 := doGet(t, srv.URL+"/")
	assert.Equal(t, "t1", body1)

	// Swap balancer to target2.
	t2, err := strategy.NewTarget(target2.URL, 1, circuit.Config{Enabled: false})
	require.NoError(t, err)
	newPicker := strategy.NewRoundRobin([]*strategy.Target{t2})
	newBal := strategy.NewBalancer(newPicker, []*strategy.Target{t2})
	gw.UpdateBalancer(newBal, false)

	body2 := doGet(t, srv.URL+"/")
	assert.Equal(t, "t2", body2, "after UpdateBalancer, traffic must flow to the new target")
}

func TestGateway_ForwardsStatusCodes(t *testing.T) {
	for _, code := range []int{200, 201, 404, 503} {
		code := code
		t.Run(http.StatusText(code), func(t *testing.T) {
			target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(code)
			}))
			defer target.Close()

			gw, _ := singleTargetGateway(t, target.URL)
			srv := httptest.NewServer(gw)
			defer srv.Close()

			resp, err := http.Get(srv.URL + "/")
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, code, resp.StatusCode)
		})
	}
}

func TestGateway_WebsocketUpgrade_ShuttlesMessages(t *testing.T) {
	upgrader := websocket.Upgrader{}
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			_ = conn.WriteMessage(mt, append([]byte("echo:"), msg...))
		}
	}))
	defer target.Close()

	gw, _ := singleTargetGateway(t, target.URL)
	srv := httptest.NewServer(gw)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hi")))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", string(msg))
}

// ── helpers ──────────────────────────────────────────────────────────────────

func doGet(t *testing.T, url string) string {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}
