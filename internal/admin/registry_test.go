package admin_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fluxgate/internal/admin"
	"fluxgate/internal/circuit"
	"fluxgate/internal/strategy"
)

func newTestTarget(t *testing.T, rawURL string) *strategy.Target {
	t.Helper()
	tg, err := strategy.NewTarget(rawURL, 1, circuit.Config{Enabled: false})
	require.NoError(t, err)
	return tg
}

func TestRegistry_List_ReflectsRuntimeState(t *testing.T) {
	tg := newTestTarget(t, "http://a:80")
	tg.IncConns()
	tg.IncRequests()

	reg := admin.NewRegistry("/api/*", []*strategy.Target{tg}, "round_robin", circuit.Config{}, func(string, []*strategy.Target) {})

	list := reg.List()
	require.Len(t, list, 1)
	assert.Equal(t, "http://a:80", list[0].URL)
	assert.Equal(t, int64(1), list[0].ActiveConns)
	assert.Equal(t, int64(1), list[0].TotalRequests)
	assert.True(t, list[0].Healthy)
}

func TestRegistry_Add_RejectsDuplicate(t *testing.T) {
	tg := newTestTarget(t, "http://a:80")
	reg := admin.NewRegistry("/api/*", []*strategy.Target{tg}, "round_robin", circuit.Config{}, func(string, []*strategy.Target) {})

	assert.Error(t, reg.Add("http://a:80", 1))
	assert.NoError(t, reg.Add("http://b:80", 1))
	assert.Len(t, reg.Targets(), 2)
}

func TestRegistry_Remove_UnknownURL_Errors(t *testing.T) {
	reg := admin.NewRegistry("/api/*", nil, "round_robin", circuit.Config{}, func(string, []*strategy.Target) {})
	assert.Error(t, reg.Remove("http://missing:80"))
}

func TestRegistry_BlockUnblock_TogglesFlag(t *testing.T) {
	tg := newTestTarget(t, "http://a:80")
	reg := admin.NewRegistry("/api/*", []*strategy.Target{tg}, "round_robin", circuit.Config{}, func(string, []*strategy.Target) {})

	require.NoError(t, reg.Block("http://a:80"))
	assert.True(t, tg.IsBlocked())

	require.NoError(t, reg.Unblock("http://a:80"))
	assert.False(t, tg.IsBlocked())
}

func TestRegistry_OnChange_FiresOnMutation(t *testing.T) {
	calls := 0
	reg := admin.NewRegistry("/api/*", nil, "round_robin", circuit.Config{}, func(string, []*strategy.Target) { calls++ })

	require.NoError(t, reg.Add("http://a:80", 1))
	require.NoError(t, reg.Block("http://a:80"))
	require.NoError(t, reg.Unblock("http://a:80"))
	require.NoError(t, reg.Remove("http://a:80"))

	assert.Equal(t, 4, calls)
}

func TestRegistry_ReplaceAll_ResetsPool(t *testing.T) {
	tg := newTestTarget(t, "http://a:80")
	reg := admin.NewRegistry("/api/*", []*strategy.Target{tg}, "round_robin", circuit.Config{}, func(string, []*strategy.Target) {})

	replacement := newTestTarget(t, "http://b:80")
	reg.ReplaceAll([]*strategy.Target{replacement}, "random")

	list := reg.List()
	require.Len(t, list, 1)
	assert.Equal(t, "http://b:80", list[0].URL)
}
