package admin_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fluxgate/internal/admin"
	"fluxgate/internal/circuit"
	"fluxgate/internal/strategy"
)

func newTestServer(t *testing.T) (*admin.Server, *admin.Registry) {
	t.Helper()
	tg := newTestTarget(t, "http://a:80")
	reg := admin.NewRegistry("/api/*", []*strategy.Target{tg}, "round_robin", circuit.Config{}, func(string, []*strategy.Target) {})
	return admin.New([]*admin.Registry{reg}, nil, ":0", time.Now(), "test"), reg
}

func TestServer_HandleStats_SingleRoute(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(1), body["targets_total"])
}

func TestServer_ListRoutes_ReturnsConfiguredPatterns(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/routes", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var patterns []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &patterns))
	assert.Equal(t, []string{"/api/*"}, patterns)
}

func TestServer_ListTargets_OmittedRouteOK_WhenSingleRoute(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/targets", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_AddTarget_ThenListReflectsIt(t *testing.T) {
	srv, _ := newTestServer(t)

	addReq := httptest.NewRequest(http.MethodPost, "/api/targets", strings.NewReader(`{"url":"http://b:80","weight":2}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, addReq)
	require.Equal(t, http.StatusOK, rec.Code)

	listRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(listRec, httptest.NewRequest(http.MethodGet, "/api/targets", nil))
	var targets []admin.TargetInfo
	require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &targets))
	assert.Len(t, targets, 2)
}

func TestServer_RemoveTarget_RequiresURLParam(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/targets", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_BlockThenUnblock_Target(t *testing.T) {
	srv, reg := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/targets/block?url=http://a:80", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, reg.List()[0].Blocked)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/targets/unblock?url=http://a:80", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, reg.List()[0].Blocked)
}

func TestServer_UnknownRoute_Returns404(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/targets?route=/nope/*", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_MultipleRoutes_RequireRouteParam(t *testing.T) {
	tgA := newTestTarget(t, "http://a:80")
	tgB := newTestTarget(t, "http://b:80")
	regA := admin.NewRegistry("/a/*", []*strategy.Target{tgA}, "round_robin", circuit.Config{}, func(string, []*strategy.Target) {})
	regB := admin.NewRegistry("/b/*", []*strategy.Target{tgB}, "round_robin", circuit.Config{}, func(string, []*strategy.Target) {})
	srv := admin.New([]*admin.Registry{regA, regB}, nil, ":0", time.Now(), "test")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/targets", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/targets?route=/b/*", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var targets []admin.TargetInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &targets))
	require.Len(t, targets, 1)
	assert.Equal(t, "http://b:80", targets[0].URL)
}

func TestServer_Stats_ReportsTunnelCounts(t *testing.T) {
	tg := newTestTarget(t, "http://a:80")
	reg := admin.NewRegistry("/api/*", []*strategy.Target{tg}, "round_robin", circuit.Config{}, func(string, []*strategy.Target) {})
	srv := admin.New([]*admin.Registry{reg}, fakeTunnelStats{active: 3, total: 42}, ":0", time.Now(), "test")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(3), body["active_tunnels"])
	assert.Equal(t, float64(42), body["total_tunnels"])
}

type fakeTunnelStats struct {
	active int
	total  int64
}

func (f fakeTunnelStats) ActiveTunnelCount() int    { return f.active }
func (f fakeTunnelStats) TotalTunnelsServed() int64 { return f.total }
