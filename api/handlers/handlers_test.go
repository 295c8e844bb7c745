package handlers

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/aimi9933/llmgateway/internal/backup"
	"github.com/aimi9933/llmgateway/internal/crypto"
	"github.com/aimi9933/llmgateway/internal/cursorstore"
	"github.com/aimi9933/llmgateway/internal/database"
	"github.com/aimi9933/llmgateway/internal/health"
	"github.com/aimi9933/llmgateway/internal/pipeline"
	"github.com/aimi9933/llmgateway/internal/routing"
	"github.com/aimi9933/llmgateway/internal/store"
)

// testDeps bundles every dependency the handler constructors need, built
// against a fresh in-memory sqlite database.
type testDeps struct {
	store   *store.Store
	cipher  *crypto.Cipher
	router  *routing.Router
	pipe    *pipeline.Pipeline
	checker *health.Checker
	backup  *backup.Manager
}

func newTestDeps(t *testing.T) *testDeps {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, store.AutoMigrate(db))

	pool, err := database.NewPoolManager(db, database.PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	st := store.New(pool, zap.NewNop())
	cipher, err := crypto.New("test-secret")
	require.NoError(t, err)
	router := routing.New(st, cursorstore.NewMemoryStore(), zap.NewNop())
	pipe := pipeline.New(st, router, cipher, nil, zap.NewNop())
	bk := backup.New(st, t.TempDir()+"/backup.json", zap.NewNop())
	checker := health.New(st, cipher, bk, nil, zap.NewNop(), health.Config{})

	return &testDeps{store: st, cipher: cipher, router: router, pipe: pipe, checker: checker, backup: bk}
}

func seedProvider(t *testing.T, d *testDeps, name, baseURL string, models []string) store.Provider {
	t.Helper()
	encKey, err := d.cipher.Encrypt("sk-test")
	require.NoError(t, err)
	p := store.Provider{
		Name: name, BaseURL: baseURL, APIKeyOpaque: encKey,
		Models: store.StringList(models), IsActive: true, IsHealthy: true,
	}
	require.NoError(t, d.store.CreateProvider(context.Background(), &p))
	return p
}

func seedRoute(t *testing.T, d *testDeps, name string, mode store.RouteMode, nodes []store.RouteNode) store.Route {
	t.Helper()
	r := store.Route{Name: name, Mode: mode, IsActive: true, Config: store.JSONMap{}}
	require.NoError(t, d.store.CreateRoute(context.Background(), &r))
	if len(nodes) > 0 {
		require.NoError(t, d.store.ReplaceNodes(context.Background(), r.ID, nodes))
	}
	return r
}
