package health_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fluxgate/internal/circuit"
	"fluxgate/internal/health"
	"fluxgate/internal/strategy"
)

func newTarget(t *testing.T, rawURL string) *strategy.Target {
	t.Helper()
	tg, err := strategy.NewTarget(rawURL, 1, circuit.Config{Enabled: false})
	require.NoError(t, err)
	return tg
}

func TestMonitor_HTTP_MarksUnreachableTargetUnhealthy(t *testing.T) {
	tg := newTarget(t, "http://127.0.0.1:1") // nothing listens here

	m := health.New([]*strategy.Target{tg}, health.Config{
		Interval: time.Hour,
		Timeout:  200 * time.Millisecond,
		Path:     "/healthz",
	})
	m.Start()
	defer m.Stop()

	require.Eventually(t, func() bool { return !tg.IsHealthy() }, time.Second, 10*time.Millisecond)
}

func TestMonitor_HTTP_MarksHealthyOn2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tg := newTarget(t, srv.URL)
	tg.SetDynamicHealthy(false) // start from known-unhealthy

	m := health.New([]*strategy.Target{tg}, health.Config{
		Interval: time.Hour,
		Timeout:  time.Second,
		Path:     "/healthz",
	})
	m.Start()
	defer m.Stop()

	require.Eventually(t, tg.IsHealthy, time.Second, 10*time.Millisecond)
}

func TestMonitor_HTTP_5xxMarksUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tg := newTarget(t, srv.URL)

	m := health.New([]*strategy.Target{tg}, health.Config{
		Interval: time.Hour,
		Timeout:  time.Second,
		Path:     "/healthz",
	})
	m.Start()
	defer m.Stop()

	require.Eventually(t, func() bool { return !tg.IsHealthy() }, time.Second, 10*time.Millisecond)
}

func TestMonitor_UpdateTargets_ProbesNewSet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	stale := newTarget(t, "http://127.0.0.1:1")
	fresh := newTarget(t, srv.URL)
	fresh.SetDynamicHealthy(false)

	m := health.New([]*strategy.Target{stale}, health.Config{
		Interval: time.Hour,
		Timeout:  time.Second,
		Path:     "/healthz",
	})
	m.Start()
	defer m.Stop()

	m.UpdateTargets([]*strategy.Target{fresh})

	require.Eventually(t, fresh.IsHealthy, time.Second, 10*time.Millisecond)
	assert.True(t, fresh.IsHealthy())
}

func TestMonitor_WebsocketMode_MarksHealthyOnPong(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Block reading so the connection stays open long enough for the
		// gorilla/websocket library to answer pings with pongs automatically.
		conn.ReadMessage()
	}))
	defer srv.Close()

	tg := newTarget(t, srv.URL)
	tg.SetDynamicHealthy(false)

	m := health.New([]*strategy.Target{tg}, health.Config{
		Mode:     health.ModeWebsocket,
		Interval: time.Hour,
		Timeout:  time.Second,
		Path:     "/ws",
	})
	m.Start()
	defer m.Stop()

	require.Eventually(t, tg.IsHealthy, 2*time.Second, 20*time.Millisecond)
}
