package e2e

import (
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func originPort(t *testing.T, rawURL string) int {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return port
}

// tunnelBinaries holds the compiled tunnelserver/tunnelclient paths, built
// once per test binary run (mirrors TestMain's gateway build).
var tunnelServerBin, tunnelClientBin string

func buildTunnelBinaries(t *testing.T) {
	t.Helper()
	if tunnelServerBin != "" && tunnelClientBin != "" {
		return
	}

	tmp, err := os.MkdirTemp("", "tunnel-e2e-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tmp) })

	root, err := filepath.Abs("../..")
	require.NoError(t, err)

	tunnelServerBin = filepath.Join(tmp, "tunnelserver")
	cmd := exec.Command("go", "build", "-o", tunnelServerBin, "./cmd/tunnelserver")
	cmd.Dir = root
	cmd.Stderr = os.Stderr
	require.NoError(t, cmd.Run(), "build tunnelserver")

	tunnelClientBin = filepath.Join(tmp, "tunnelclient")
	cmd = exec.Command("go", "build", "-o", tunnelClientBin, "./cmd/tunnelclient")
	cmd.Dir = root
	cmd.Stderr = os.Stderr
	require.NoError(t, cmd.Run(), "build tunnelclient")
}

type tunnelServerProcess struct {
	cmd            *exec.Cmd
	controlPort    int
	publicPort     int
	baseDomain     string
}

func startTunnelServer(t *testing.T, baseDomain string, reserved []string) *tunnelServerProcess {
	t.Helper()
	buildTunnelBinaries(t)

	controlPort := freePort(t)
	publicPort := freePort(t)

	yaml := fmt.Sprintf(`tunnel_port: %d
public_port: %d
base_domain: %q
registry_path: %q
`, controlPort, publicPort, baseDomain, filepath.Join(t.TempDir(), "subdomains.json"))

	if len(reserved) > 0 {
		yaml += "reserved_subdomains:\n"
		for _, r := range reserved {
			yaml += fmt.Sprintf("  - %q\n", r)
		}
	}

	f, err := os.CreateTemp(t.TempDir(), "tunnelserver-*.yaml")
	require.NoError(t, err)
	_, err = f.WriteString(yaml)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	tp := &tunnelServerProcess{
		cmd:         exec.Command(tunnelServerBin, "-config", f.Name()),
		controlPort: controlPort,
		publicPort:  publicPort,
		baseDomain:  baseDomain,
	}
	if os.Getenv("TEST_VERBOSE") != "" {
		tp.cmd.Stdout = os.Stdout
		tp.cmd.Stderr = os.Stderr
	}
	require.NoError(t, tp.cmd.Start())
	t.Cleanup(func() {
		_ = tp.cmd.Process.Signal(syscall.SIGTERM)
		_ = tp.cmd.Wait()
	})

	waitForPortE2E(t, controlPort)
	waitForPortE2E(t, publicPort)
	return tp
}

type tunnelClientProcess struct {
	cmd *exec.Cmd
}

func startTunnelClient(t *testing.T, controlPort int, subdomain string, localPort int) *tunnelClientProcess {
	t.Helper()
	buildTunnelBinaries(t)

	yaml := fmt.Sprintf(`local_host: "127.0.0.1"
local_port: %d
endpoints:
  - server_url: "ws://127.0.0.1:%d/tunnel"
    subdomain: %q
    protocol_version: "1"
auth:
  method: "api_key"
  api_key: "sk-e2e-test"
`, localPort, controlPort, subdomain)

	f, err := os.CreateTemp(t.TempDir(), "tunnelclient-*.yaml")
	require.NoError(t, err)
	_, err = f.WriteString(yaml)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	tc := &tunnelClientProcess{cmd: exec.Command(tunnelClientBin, "-config", f.Name())}
	if os.Getenv("TEST_VERBOSE") != "" {
		tc.cmd.Stdout = os.Stdout
		tc.cmd.Stderr = os.Stderr
	}
	require.NoError(t, tc.cmd.Start())
	t.Cleanup(func() {
		_ = tc.cmd.Process.Signal(syscall.SIGTERM)
		_ = tc.cmd.Wait()
	})
	return tc
}

func waitForPortE2E(t *testing.T, port int) {
	t.Helper()
	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/", port))
		if err == nil {
			conn.Body.Close()
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	log.Printf("e2e: port %d may not be ready, proceeding anyway", port)
}

func doGetHost(t *testing.T, url, host string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Host = host
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

// TestE2E_Tunnel_ExposesLocalOriginOnAllocatedSubdomain drives a full
// client-server tunnel session: the client requests subdomain "myapp", the
// server allocates it, and a public request to that subdomain is forwarded
// through the tunnel to the local origin and back.
func TestE2E_Tunnel_ExposesLocalOriginOnAllocatedSubdomain(t *testing.T) {
	origin := newEchoBackend(t, "hello-from-origin")
	originPort := originPort(t, origin.URL)

	ts := startTunnelServer(t, "test.local", nil)
	startTunnelClient(t, ts.controlPort, "myapp", originPort)

	deadline := time.Now().Add(5 * time.Second)
	var status int
	var body string
	for time.Now().Before(deadline) {
		status, body = doGetHost(t,
			fmt.Sprintf("http://127.0.0.1:%d/", ts.publicPort), "myapp.test.local")
		if status == http.StatusOK {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "hello-from-origin", body)
}

// TestE2E_Tunnel_ReservedSubdomain_RejectsAllocation verifies the server
// refuses to hand out a reserved name even when a client explicitly asks
// for it, per the subdomain registry's reserved-word rule.
func TestE2E_Tunnel_ReservedSubdomain_RejectsAllocation(t *testing.T) {
	origin := newEchoBackend(t, "should-not-be-reachable")
	originPort := originPort(t, origin.URL)

	ts := startTunnelServer(t, "test.local", []string{"www"})
	startTunnelClient(t, ts.controlPort, "www", originPort)

	// The client's preferred "www" is reserved, so the server must either
	// reject the client outright or allocate a different subdomain — "www"
	// itself must never resolve to this tunnel.
	status, _ := doGetHost(t, fmt.Sprintf("http://127.0.0.1:%d/", ts.publicPort), "www.test.local")
	assert.Equal(t, http.StatusNotFound, status)
}
