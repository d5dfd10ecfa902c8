package server_test

import (
	"io"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fluxgate/internal/tunnel/protocol"
	"fluxgate/internal/tunnel/server"
)

func testConfig(t *testing.T) server.Config {
	t.Helper()
	cfg := server.DefaultConfig()
	cfg.BaseDomain = "test.local"
	cfg.RegistryPath = filepath.Join(t.TempDir(), "subdomains.json")
	cfg.AuthTimeout = 2 * time.Second
	cfg.KeepaliveInterval = 50 * time.Millisecond
	cfg.RequestTimeout = 2 * time.Second
	cfg.TunnelPort = freePort(t)
	cfg.PublicPort = freePort(t)
	return cfg
}

func startServer(t *testing.T, cfg server.Config) *server.Server {
	t.Helper()
	srv := server.New(cfg)
	srv.Start()
	t.Cleanup(func() {
		ctx, cancel := contextWithTimeout()
		defer cancel()
		srv.Stop(ctx)
	})
	waitForPort(t, cfg.TunnelPort)
	waitForPort(t, cfg.PublicPort)
	return srv
}

func dialControl(t *testing.T, cfg server.Config) *websocket.Conn {
	t.Helper()
	url := "ws://127.0.0.1:" + fmtInt(cfg.TunnelPort) + "/tunnel"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func authenticateAndExpectOK(t *testing.T, conn *websocket.Conn, preferred string) protocol.AuthAck {
	t.Helper()
	frame, err := protocol.Encode(protocol.TypeAuth, protocol.Auth{Token: "sk-test123", RequestedSubdomain: preferred, ProtocolVersion: "1"})
	require.NoError(t, err)
	wire, err := protocol.Marshal(frame)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, wire))

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	ackFrame, err := protocol.Unmarshal(raw)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeAuthAck, ackFrame.Type)
	ack, err := protocol.DecodeAuthAck(ackFrame)
	require.NoError(t, err)
	return ack
}

func TestControlChannel_AuthWithoutRequirement_Succeeds(t *testing.T) {
	cfg := testConfig(t)
	startServer(t, cfg)

	conn := dialControl(t, cfg)
	defer conn.Close()

	ack := authenticateAndExpectOK(t, conn, "myapp")
	assert.True(t, ack.OK)
	assert.Equal(t, "myapp", ack.Subdomain)
	assert.NotEmpty(t, ack.TunnelID)
}

func TestControlChannel_RequiredAuth_RejectsUnknownToken(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.Required = true
	cfg.Auth.APIKeys = []string{"sk-known"}
	startServer(t, cfg)

	conn := dialControl(t, cfg)
	defer conn.Close()

	frame, _ := protocol.Encode(protocol.TypeAuth, protocol.Auth{Token: "sk-unknown", ProtocolVersion: "1"})
	wire, _ := protocol.Marshal(frame)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, wire))

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	ackFrame, _ := protocol.Unmarshal(raw)
	ack, err := protocol.DecodeAuthAck(ackFrame)
	require.NoError(t, err)
	assert.False(t, ack.OK)
	assert.NotEmpty(t, ack.Reason)
}

func TestPublicRequest_ForwardsIntoTunnelAndReturnsResponse(t *testing.T) {
	cfg := testConfig(t)
	startServer(t, cfg)

	conn := dialControl(t, cfg)
	defer conn.Close()
	ack := authenticateAndExpectOK(t, conn, "echoapp")
	require.True(t, ack.OK)

	// Simulate the tunnel client: read the forwarded HttpRequest and reply.
	clientDone := make(chan struct{})
	go func() {
		defer close(clientDone)
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := protocol.Unmarshal(raw)
		if err != nil || frame.Type != protocol.TypeHTTPRequest {
			return
		}
		req, err := protocol.DecodeHTTPRequest(frame)
		if err != nil {
			return
		}
		respFrame, _ := protocol.Encode(protocol.TypeHTTPResponse, protocol.HTTPResponse{
			ID:     req.ID,
			Status: 200,
			Body:   []byte("hello from origin"),
		})
		wire, _ := protocol.Marshal(respFrame)
		conn.WriteMessage(websocket.TextMessage, wire) //nolint:errcheck
	}()

	req, err := http.NewRequest(http.MethodGet, "http://127.0.0.1:"+fmtInt(cfg.PublicPort)+"/hi", nil)
	require.NoError(t, err)
	req.Host = "echoapp.test.local"

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello from origin", string(body))
	<-clientDone
}

func TestPublicRequest_UnknownHost_Returns404(t *testing.T) {
	cfg := testConfig(t)
	startServer(t, cfg)

	req, _ := http.NewRequest(http.MethodGet, "http://127.0.0.1:"+fmtInt(cfg.PublicPort)+"/", nil)
	req.Host = "nope.test.local"

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPublicRequest_TunnelNeverResponds_Returns504(t *testing.T) {
	cfg := testConfig(t)
	cfg.RequestTimeout = 200 * time.Millisecond
	// This client never answers pings; keep keepalive from closing the
	// tunnel (and draining with 502) before the request deadline.
	cfg.KeepaliveInterval = 5 * time.Second
	startServer(t, cfg)

	conn := dialControl(t, cfg)
	defer conn.Close()
	ack := authenticateAndExpectOK(t, conn, "silentapp")
	require.True(t, ack.OK)

	req, _ := http.NewRequest(http.MethodGet, "http://127.0.0.1:"+fmtInt(cfg.PublicPort)+"/", nil)
	req.Host = "silentapp.test.local"

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
}

func TestControlChannel_Close_DrainsPendingWith502(t *testing.T) {
	cfg := testConfig(t)
	cfg.RequestTimeout = 5 * time.Second
	startServer(t, cfg)

	conn := dialControl(t, cfg)
	ack := authenticateAndExpectOK(t, conn, "dropapp")
	require.True(t, ack.OK)

	resultCh := make(chan int, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodGet, "http://127.0.0.1:"+fmtInt(cfg.PublicPort)+"/", nil)
		req.Host = "dropapp.test.local"
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			resultCh <- -1
			return
		}
		defer resp.Body.Close()
		resultCh <- resp.StatusCode
	}()

	// Give the request time to register as pending, then drop the tunnel.
	time.Sleep(100 * time.Millisecond)
	conn.Close()

	select {
	case code := <-resultCh:
		assert.Equal(t, http.StatusBadGateway, code)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for drained response")
	}
}

func TestActiveTunnelCount_TracksConnectLifecycle(t *testing.T) {
	cfg := testConfig(t)
	srv := startServer(t, cfg)
	assert.Equal(t, 0, srv.ActiveTunnelCount())

	conn := dialControl(t, cfg)
	ack := authenticateAndExpectOK(t, conn, "counted")
	require.True(t, ack.OK)
	assert.Eventually(t, func() bool { return srv.ActiveTunnelCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), srv.TotalTunnelsServed())

	conn.Close()
	assert.Eventually(t, func() bool { return srv.ActiveTunnelCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
