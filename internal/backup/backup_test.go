package backup

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/aimi9933/llmgateway/internal/database"
	"github.com/aimi9933/llmgateway/internal/store"
	"github.com/aimi9933/llmgateway/internal/types"
)

func newTestStore(t *testing.T) *store.Store {
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

	return store.New(pool, zap.NewNop())
}

func seedProviderAndRoute(t *testing.T, st *store.Store) (store.Provider, store.Route) {
	t.Helper()
	ctx := context.Background()

	p := store.Provider{
		Name:         "openai-primary",
		BaseURL:      "https://api.openai.com/v1",
		APIKeyOpaque: "enc:ZmFrZQ==",
		Models:       store.StringList{"gpt-4o", "gpt-4o-mini"},
		IsActive:     true,
		Status:       store.StatusOnline,
		IsHealthy:    true,
	}
	require.NoError(t, st.CreateProvider(ctx, &p))

	r := store.Route{
		Name:     "default",
		Mode:     store.ModeAuto,
		IsActive: true,
		Config:   store.JSONMap{"selectedModels": []string{"gpt-4o"}},
	}
	require.NoError(t, st.CreateRoute(ctx, &r))
	require.NoError(t, st.ReplaceNodes(ctx, r.ID, []store.RouteNode{
		{
			ProviderID: p.ID,
			Models:     store.StringList{"gpt-4o"},
			Strategy:   store.StrategyRoundRobin,
			Priority:   0,
			Metadata:   store.JSONMap{},
		},
	}))

	return p, r
}

func TestWriteProducesAtomicSnapshot(t *testing.T) {
	st := newTestStore(t)
	seedProviderAndRoute(t, st)

	dir := t.TempDir()
	path := filepath.Join(dir, "backup.json")
	mgr := New(st, path, zap.NewNop())

	require.NoError(t, mgr.Write(context.Background()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no leftover temp file should remain after a successful write")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var p payload
	require.NoError(t, json.Unmarshal(raw, &p))
	assert.NotEmpty(t, p.GeneratedAt)
	require.Len(t, p.Providers, 1)
	assert.Equal(t, "openai-primary", p.Providers[0].Name)
	assert.Equal(t, []string{"gpt-4o", "gpt-4o-mini"}, p.Providers[0].Models)

	require.Len(t, p.Routes, 1)
	assert.Equal(t, "default", p.Routes[0].Name)
	require.Len(t, p.Routes[0].Nodes, 1)
	assert.Equal(t, "openai-primary", p.Routes[0].Nodes[0].APIName)
}

func TestRestoreMissingFile(t *testing.T) {
	st := newTestStore(t)
	mgr := New(st, filepath.Join(t.TempDir(), "does-not-exist.json"), zap.NewNop())

	_, err := mgr.Restore(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.ErrBackupMissing, types.CodeOf(err))
}

func TestRestoreUpsertsByName(t *testing.T) {
	srcStore := newTestStore(t)
	seedProviderAndRoute(t, srcStore)

	dir := t.TempDir()
	path := filepath.Join(dir, "backup.json")
	srcMgr := New(srcStore, path, zap.NewNop())
	require.NoError(t, srcMgr.Write(context.Background()))

	dstStore := newTestStore(t)
	dstMgr := New(dstStore, path, zap.NewNop())

	stats, err := dstMgr.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Providers)
	assert.Equal(t, 1, stats.Routes)

	ctx := context.Background()
	restored, err := dstStore.GetRouteByName(ctx, "default")
	require.NoError(t, err)
	require.Len(t, restored.Nodes, 1)
	assert.Equal(t, "openai-primary", restored.Nodes[0].Provider.Name)

	providers, err := dstStore.ListProviders(ctx, false)
	require.NoError(t, err)
	require.Len(t, providers, 1)
	assert.Equal(t, "openai-primary", providers[0].Name)

	// restoring twice converges to the same state instead of duplicating rows
	stats2, err := dstMgr.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats2.Providers)
	assert.Equal(t, 1, stats2.Routes)

	providersAfter, err := dstStore.ListProviders(ctx, false)
	require.NoError(t, err)
	assert.Len(t, providersAfter, 1)

	routeAfter, err := dstStore.GetRouteByName(ctx, "default")
	require.NoError(t, err)
	assert.Len(t, routeAfter.Nodes, 1)
}

func TestRestoreSkipsNodeWithUnknownProvider(t *testing.T) {
	st := newTestStore(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "backup.json")
	raw := payload{
		GeneratedAt: "2026-01-01T00:00:00Z",
		Providers:   nil,
		Routes: []routeSnapshot{
			{
				Name:     "orphan-route",
				Mode:     "auto",
				IsActive: true,
				Config:   map[string]any{},
				Nodes: []routeNodeSnapshot{
					{APIName: "does-not-exist", Models: []string{"gpt-4o"}, Strategy: "round-robin"},
				},
			},
		},
	}
	data, err := json.Marshal(raw)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	mgr := New(st, path, zap.NewNop())
	stats, err := mgr.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Routes)

	route, err := st.GetRouteByName(context.Background(), "orphan-route")
	require.NoError(t, err)
	assert.Empty(t, route.Nodes, "node referencing an unknown provider must be skipped")
}
