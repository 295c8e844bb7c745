package routing

import (
	"context"
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/aimi9933/llmgateway/internal/cursorstore"
	"github.com/aimi9933/llmgateway/internal/database"
	"github.com/aimi9933/llmgateway/internal/store"
	"github.com/aimi9933/llmgateway/internal/types"
)

func newTestRouter(t *testing.T) (*Router, *store.Store) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, store.AutoMigrate(db))

	pool, err := database.NewPoolManager(db, database.PoolConfig{
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	st := store.New(pool, zap.NewNop())
	return New(st, cursorstore.NewMemoryStore(), zap.NewNop()), st
}

func mustCreateProvider(t *testing.T, st *store.Store, name string, models []string, active, healthy bool) store.Provider {
	t.Helper()
	p := store.Provider{
		Name: name, BaseURL: "https://api.example.com", APIKeyOpaque: "enc:x",
		Models: store.StringList(models), IsActive: active, IsHealthy: healthy,
	}
	require.NoError(t, st.CreateProvider(context.Background(), &p))
	return p
}

func TestSelectAutoRoundRobinsAcrossActiveHealthyProviders(t *testing.T) {
	ctx := context.Background()
	router, st := newTestRouter(t)

	p1 := mustCreateProvider(t, st, "p1", []string{"gpt-4o"}, true, true)
	p2 := mustCreateProvider(t, st, "p2", []string{"gpt-4o"}, true, true)
	mustCreateProvider(t, st, "p3-inactive", []string{"gpt-4o"}, false, true)
	mustCreateProvider(t, st, "p4-unhealthy", []string{"gpt-4o"}, true, false)

	route := &store.Route{Name: "auto-route", Mode: store.ModeAuto, IsActive: true, Config: store.JSONMap{}}
	require.NoError(t, st.CreateRoute(ctx, route))

	var seen []uint64
	for i := 0; i < 4; i++ {
		d, err := router.Select(ctx, route, "")
		require.NoError(t, err)
		seen = append(seen, d.ProviderID)
		require.Equal(t, "gpt-4o", d.Model)
	}
	require.Equal(t, []uint64{p1.ID, p2.ID, p1.ID, p2.ID}, seen)
}

func TestSelectAutoHonorsPinnedProviderMode(t *testing.T) {
	ctx := context.Background()
	router, st := newTestRouter(t)

	mustCreateProvider(t, st, "p1", []string{"gpt-4o"}, true, true)
	p2 := mustCreateProvider(t, st, "p2", []string{"gpt-4o-mini"}, true, true)

	route := &store.Route{
		Name: "pinned", Mode: store.ModeAuto, IsActive: true,
		Config: store.JSONMap{"providerMode": providerModeKey(p2.ID)},
	}
	require.NoError(t, st.CreateRoute(ctx, route))

	d, err := router.Select(ctx, route, "")
	require.NoError(t, err)
	require.Equal(t, p2.ID, d.ProviderID)
	require.Equal(t, "gpt-4o-mini", d.Model)
}

func providerModeKey(id uint64) string {
	return fmt.Sprintf("provider_%d", id)
}

func TestSelectAutoNoHealthyProviderReturnsNoActiveProvider(t *testing.T) {
	ctx := context.Background()
	router, st := newTestRouter(t)
	mustCreateProvider(t, st, "down", []string{"gpt-4o"}, true, false)

	route := &store.Route{Name: "empty-pool", Mode: store.ModeAuto, IsActive: true, Config: store.JSONMap{}}
	require.NoError(t, st.CreateRoute(ctx, route))

	_, err := router.Select(ctx, route, "")
	require.Error(t, err)
	require.Equal(t, types.ErrNoActiveProvider, types.CodeOf(err))
}

func TestSelectAutoPicksSelectedModelsOverHint(t *testing.T) {
	ctx := context.Background()
	router, st := newTestRouter(t)
	mustCreateProvider(t, st, "p1", []string{"gpt-4o", "gpt-4o-mini"}, true, true)

	route := &store.Route{
		Name: "with-selected", Mode: store.ModeAuto, IsActive: true,
		Config: store.JSONMap{"selectedModels": []any{"gpt-4o-mini"}},
	}
	require.NoError(t, st.CreateRoute(ctx, route))

	d, err := router.Select(ctx, route, "")
	require.NoError(t, err)
	require.Equal(t, "gpt-4o-mini", d.Model)

	d2, err := router.Select(ctx, route, "gpt-4o-mini")
	require.NoError(t, err)
	require.Equal(t, "gpt-4o-mini", d2.Model)
}

func TestSelectSpecificUsesFirstNode(t *testing.T) {
	ctx := context.Background()
	router, st := newTestRouter(t)
	p := mustCreateProvider(t, st, "only", []string{"claude-3-5-sonnet"}, true, true)

	route := &store.Route{Name: "specific-route", Mode: store.ModeSpecific, IsActive: true, Config: store.JSONMap{}}
	require.NoError(t, st.CreateRoute(ctx, route))
	require.NoError(t, st.ReplaceNodes(ctx, route.ID, []store.RouteNode{{ProviderID: p.ID}}))

	loaded, err := st.GetRoute(ctx, route.ID)
	require.NoError(t, err)

	d, err := router.Select(ctx, loaded, "")
	require.NoError(t, err)
	require.Equal(t, p.ID, d.ProviderID)
	require.Equal(t, "claude-3-5-sonnet", d.Model)
}

func TestSelectSpecificInactiveProviderFails(t *testing.T) {
	ctx := context.Background()
	router, st := newTestRouter(t)
	p := mustCreateProvider(t, st, "dead", []string{"m1"}, false, true)

	route := &store.Route{Name: "specific-dead", Mode: store.ModeSpecific, IsActive: true, Config: store.JSONMap{}}
	require.NoError(t, st.CreateRoute(ctx, route))
	require.NoError(t, st.ReplaceNodes(ctx, route.ID, []store.RouteNode{{ProviderID: p.ID}}))
	loaded, err := st.GetRoute(ctx, route.ID)
	require.NoError(t, err)

	_, err = router.Select(ctx, loaded, "")
	require.Error(t, err)
	require.Equal(t, types.ErrNoActiveProvider, types.CodeOf(err))
}

func TestSelectMultiPicksHighestPriorityHealthyNode(t *testing.T) {
	ctx := context.Background()
	router, st := newTestRouter(t)
	low := mustCreateProvider(t, st, "low-priority", []string{"m1"}, true, true)
	high := mustCreateProvider(t, st, "high-priority", []string{"m1"}, true, true)

	route := &store.Route{Name: "multi-route", Mode: store.ModeMulti, IsActive: true, Config: store.JSONMap{}}
	require.NoError(t, st.CreateRoute(ctx, route))
	require.NoError(t, st.ReplaceNodes(ctx, route.ID, []store.RouteNode{
		{ProviderID: low.ID, Priority: 10, Strategy: store.StrategyFailover},
		{ProviderID: high.ID, Priority: 0, Strategy: store.StrategyFailover},
	}))
	loaded, err := st.GetRoute(ctx, route.ID)
	require.NoError(t, err)

	d, err := router.Select(ctx, loaded, "")
	require.NoError(t, err)
	require.Equal(t, high.ID, d.ProviderID)
}

func TestSelectMultiSkipsNodeMissingHintedModel(t *testing.T) {
	ctx := context.Background()
	router, st := newTestRouter(t)
	noHint := mustCreateProvider(t, st, "no-hint-model", []string{"m1"}, true, true)
	hasHint := mustCreateProvider(t, st, "has-hint-model", []string{"m2"}, true, true)

	route := &store.Route{Name: "multi-hint", Mode: store.ModeMulti, IsActive: true, Config: store.JSONMap{}}
	require.NoError(t, st.CreateRoute(ctx, route))
	require.NoError(t, st.ReplaceNodes(ctx, route.ID, []store.RouteNode{
		{ProviderID: noHint.ID, Priority: 0, Strategy: store.StrategyFailover},
		{ProviderID: hasHint.ID, Priority: 1, Strategy: store.StrategyFailover},
	}))
	loaded, err := st.GetRoute(ctx, route.ID)
	require.NoError(t, err)

	d, err := router.Select(ctx, loaded, "m2")
	require.NoError(t, err)
	require.Equal(t, hasHint.ID, d.ProviderID)
	require.Equal(t, "m2", d.Model)
}

func TestSelectInactiveRouteFails(t *testing.T) {
	ctx := context.Background()
	router, st := newTestRouter(t)
	route := &store.Route{Name: "off", Mode: store.ModeAuto, IsActive: false, Config: store.JSONMap{}}
	require.NoError(t, st.CreateRoute(ctx, route))

	_, err := router.Select(ctx, route, "")
	require.Error(t, err)
	require.Equal(t, types.ErrRouteInactive, types.CodeOf(err))
}

func TestResetClearsAutoCursor(t *testing.T) {
	ctx := context.Background()
	router, st := newTestRouter(t)
	p1 := mustCreateProvider(t, st, "p1", []string{"m1"}, true, true)
	mustCreateProvider(t, st, "p2", []string{"m1"}, true, true)

	route := &store.Route{Name: "resettable", Mode: store.ModeAuto, IsActive: true, Config: store.JSONMap{}}
	require.NoError(t, st.CreateRoute(ctx, route))

	d1, err := router.Select(ctx, route, "")
	require.NoError(t, err)
	require.Equal(t, p1.ID, d1.ProviderID)

	require.NoError(t, router.Reset(ctx, route.ID))

	d2, err := router.Select(ctx, route, "")
	require.NoError(t, err)
	require.Equal(t, p1.ID, d2.ProviderID)
}
