package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/aimi9933/llmgateway/internal/backup"
	"github.com/aimi9933/llmgateway/internal/crypto"
	"github.com/aimi9933/llmgateway/internal/database"
	"github.com/aimi9933/llmgateway/internal/store"
)

func newTestDeps(t *testing.T) (*store.Store, *crypto.Cipher, *backup.Manager, string) {
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

	path := filepath.Join(t.TempDir(), "backup.json")
	bk := backup.New(st, path, zap.NewNop())
	return st, cipher, bk, path
}

func seedProvider(t *testing.T, st *store.Store, cipher *crypto.Cipher, name, baseURL string) store.Provider {
	t.Helper()
	encKey, err := cipher.Encrypt("sk-test")
	require.NoError(t, err)
	p := store.Provider{
		Name: name, BaseURL: baseURL, APIKeyOpaque: encKey,
		Models: store.StringList{"m1"}, IsActive: true, IsHealthy: true,
	}
	require.NoError(t, st.CreateProvider(context.Background(), &p))
	return p
}

func TestProbeOnlineResetsFailures(t *testing.T) {
	st, cipher, bk, _ := newTestDeps(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/models", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := seedProvider(t, st, cipher, "online-provider", srv.URL)
	_, err := st.UpdateProvider(context.Background(), p.ID, map[string]any{"consecutive_failures": 2, "is_healthy": false})
	require.NoError(t, err)

	chk := New(st, cipher, bk, nil, zap.NewNop(), Config{ProbeTimeout: time.Second, FailureThreshold: 3})
	chk.runSweep()

	got, err := st.GetProvider(context.Background(), p.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusOnline, got.Status)
	require.Equal(t, 0, got.ConsecutiveFailures)
	require.True(t, got.IsHealthy)
	require.NotNil(t, got.LatencyMs)
}

func TestProbeDegradedIncrementsFailures(t *testing.T) {
	st, cipher, bk, _ := newTestDeps(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := seedProvider(t, st, cipher, "degraded-provider", srv.URL)

	chk := New(st, cipher, bk, nil, zap.NewNop(), Config{ProbeTimeout: time.Second, FailureThreshold: 3})
	chk.runSweep()

	got, err := st.GetProvider(context.Background(), p.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusDegraded, got.Status)
	require.Equal(t, 1, got.ConsecutiveFailures)
	require.True(t, got.IsHealthy)
}

func TestProbeUnreachableFlipsHealthyAtThreshold(t *testing.T) {
	st, cipher, bk, _ := newTestDeps(t)
	p := seedProvider(t, st, cipher, "unreachable-provider", "http://127.0.0.1:1")
	_, err := st.UpdateProvider(context.Background(), p.ID, map[string]any{"consecutive_failures": 2})
	require.NoError(t, err)

	chk := New(st, cipher, bk, nil, zap.NewNop(), Config{ProbeTimeout: 500 * time.Millisecond, FailureThreshold: 3})
	chk.runSweep()

	got, err := st.GetProvider(context.Background(), p.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusUnreachable, got.Status)
	require.Equal(t, 3, got.ConsecutiveFailures)
	require.False(t, got.IsHealthy)
	require.Nil(t, got.LatencyMs)
}

func TestRunSweepWritesBackupSnapshot(t *testing.T) {
	st, cipher, bk, path := newTestDeps(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	seedProvider(t, st, cipher, "p1", srv.URL)

	chk := New(st, cipher, bk, nil, zap.NewNop(), Config{ProbeTimeout: time.Second, FailureThreshold: 3})
	chk.runSweep()

	_, statErr := os.Stat(path)
	require.NoError(t, statErr)
}

func TestRunSweepSkipsInactiveProviders(t *testing.T) {
	st, cipher, bk, _ := newTestDeps(t)
	var called bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := seedProvider(t, st, cipher, "inactive-provider", srv.URL)
	_, err := st.UpdateProvider(context.Background(), p.ID, map[string]any{"is_active": false})
	require.NoError(t, err)

	chk := New(st, cipher, bk, nil, zap.NewNop(), Config{ProbeTimeout: time.Second, FailureThreshold: 3})
	chk.runSweep()

	require.False(t, called)
}

func TestStartStopIsIdempotentAndGraceful(t *testing.T) {
	st, cipher, bk, _ := newTestDeps(t)
	chk := New(st, cipher, bk, nil, zap.NewNop(), Config{Interval: 10 * time.Millisecond, ProbeTimeout: time.Second, FailureThreshold: 3})

	chk.Start()
	time.Sleep(30 * time.Millisecond)
	chk.Stop()
	chk.Stop()
}
