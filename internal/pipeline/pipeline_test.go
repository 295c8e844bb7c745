package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/aimi9933/llmgateway/internal/cursorstore"
	"github.com/aimi9933/llmgateway/internal/database"
	"github.com/aimi9933/llmgateway/internal/crypto"
	"github.com/aimi9933/llmgateway/internal/routing"
	"github.com/aimi9933/llmgateway/internal/store"
	"github.com/aimi9933/llmgateway/internal/types"
)

func newTestPipeline(t *testing.T) (*Pipeline, *store.Store, *crypto.Cipher) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, store.AutoMigrate(db))

	pool, err := database.NewPoolManager(db, database.PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	st := store.New(pool, zap.NewNop())
	router := routing.New(st, cursorstore.NewMemoryStore(), zap.NewNop())
	cipher, err := crypto.New("test-secret")
	require.NoError(t, err)

	return New(st, router, cipher, nil, zap.NewNop()), st, cipher
}

func seedOpenAIProvider(t *testing.T, st *store.Store, cipher *crypto.Cipher, name, baseURL string, models []string) store.Provider {
	t.Helper()
	encKey, err := cipher.Encrypt("sk-test")
	require.NoError(t, err)
	p := store.Provider{
		Name: name, BaseURL: baseURL, APIKeyOpaque: encKey,
		Models: store.StringList(models), IsActive: true, IsHealthy: true,
	}
	require.NoError(t, st.CreateProvider(context.Background(), &p))
	return p
}

func TestCompleteSucceedsOnFirstProvider(t *testing.T) {
	ctx := context.Background()
	pl, st, cipher := newTestPipeline(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(types.ChatResponse{
			ID: "chatcmpl-1", Model: "gpt-4o",
			Choices: []types.Choice{{Message: &types.Message{Role: "assistant", Content: "hi"}}},
		})
	}))
	defer srv.Close()

	seedOpenAIProvider(t, st, cipher, "openai-primary", srv.URL, []string{"gpt-4o"})
	route := &store.Route{Name: "default", Mode: store.ModeAuto, IsActive: true, Config: store.JSONMap{}}
	require.NoError(t, st.CreateRoute(ctx, route))

	resp, err := pl.Complete(ctx, &types.ChatRequest{Messages: []types.Message{{Role: "user", Content: "hi"}}}, "default", 5*time.Second, 3)
	require.NoError(t, err)
	require.Equal(t, "hi", resp.Choices[0].Message.Content)
}

func TestCompleteFailsOverOn5xxThenSucceeds(t *testing.T) {
	ctx := context.Background()
	pl, st, cipher := newTestPipeline(t)

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(types.ChatResponse{
			ID: "chatcmpl-2", Model: "m1",
			Choices: []types.Choice{{Message: &types.Message{Role: "assistant", Content: "from good"}}},
		})
	}))
	defer good.Close()

	p1 := seedOpenAIProvider(t, st, cipher, "bad-provider", bad.URL, []string{"m1"})
	p2 := seedOpenAIProvider(t, st, cipher, "good-provider", good.URL, []string{"m1"})

	route := &store.Route{Name: "multi", Mode: store.ModeMulti, IsActive: true, Config: store.JSONMap{}}
	require.NoError(t, st.CreateRoute(ctx, route))
	require.NoError(t, st.ReplaceNodes(ctx, route.ID, []store.RouteNode{
		{ProviderID: p1.ID, Priority: 0, Strategy: store.StrategyFailover},
		{ProviderID: p2.ID, Priority: 1, Strategy: store.StrategyFailover},
	}))

	resp, err := pl.Complete(ctx, &types.ChatRequest{Messages: []types.Message{{Role: "user", Content: "hi"}}}, "multi", 5*time.Second, 2)
	require.NoError(t, err)
	require.Equal(t, "from good", resp.Choices[0].Message.Content)
}

func TestCompleteAbortsOn4xxWithoutTryingOtherProvider(t *testing.T) {
	ctx := context.Background()
	pl, st, cipher := newTestPipeline(t)

	var secondCalled bool
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"bad request"}}`))
	}))
	defer bad.Close()
	unreached := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secondCalled = true
		json.NewEncoder(w).Encode(types.ChatResponse{ID: "x"})
	}))
	defer unreached.Close()

	p1 := seedOpenAIProvider(t, st, cipher, "bad-provider", bad.URL, []string{"m1"})
	p2 := seedOpenAIProvider(t, st, cipher, "unreached-provider", unreached.URL, []string{"m1"})

	route := &store.Route{Name: "multi4xx", Mode: store.ModeMulti, IsActive: true, Config: store.JSONMap{}}
	require.NoError(t, st.CreateRoute(ctx, route))
	require.NoError(t, st.ReplaceNodes(ctx, route.ID, []store.RouteNode{
		{ProviderID: p1.ID, Priority: 0, Strategy: store.StrategyFailover},
		{ProviderID: p2.ID, Priority: 1, Strategy: store.StrategyFailover},
	}))

	_, err := pl.Complete(ctx, &types.ChatRequest{Messages: []types.Message{{Role: "user", Content: "hi"}}}, "multi4xx", 5*time.Second, 2)
	require.Error(t, err)
	require.Equal(t, http.StatusBadRequest, types.StatusCode(err))
	require.False(t, secondCalled)
}

func TestCompleteRouteNotFound(t *testing.T) {
	ctx := context.Background()
	pl, _, _ := newTestPipeline(t)

	_, err := pl.Complete(ctx, &types.ChatRequest{Messages: []types.Message{{Role: "user", Content: "hi"}}}, "missing", time.Second, 1)
	require.Error(t, err)
	require.Equal(t, types.ErrNotFound, types.CodeOf(err))
}

func TestCompleteInactiveRoute(t *testing.T) {
	ctx := context.Background()
	pl, st, _ := newTestPipeline(t)

	route := &store.Route{Name: "off", Mode: store.ModeAuto, IsActive: false, Config: store.JSONMap{}}
	require.NoError(t, st.CreateRoute(ctx, route))

	_, err := pl.Complete(ctx, &types.ChatRequest{Messages: []types.Message{{Role: "user", Content: "hi"}}}, "off", time.Second, 1)
	require.Error(t, err)
	require.Equal(t, types.ErrRouteInactive, types.CodeOf(err))
}

func TestStreamEmitsUpstreamChunks(t *testing.T) {
	ctx := context.Background()
	pl, st, cipher := newTestPipeline(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"id":"c1","model":"gpt-4o","choices":[{"index":0,"delta":{"content":"hi"}}]}` + "\n\n"))
		flusher.Flush()
		w.Write([]byte("data: [DONE]\n\n"))
		flusher.Flush()
	}))
	defer srv.Close()

	seedOpenAIProvider(t, st, cipher, "openai-primary", srv.URL, []string{"gpt-4o"})
	route := &store.Route{Name: "stream-route", Mode: store.ModeAuto, IsActive: true, Config: store.JSONMap{}}
	require.NoError(t, st.CreateRoute(ctx, route))

	events, err := pl.Stream(ctx, &types.ChatRequest{Messages: []types.Message{{Role: "user", Content: "hi"}}}, "stream-route", 5*time.Second, 2)
	require.NoError(t, err)

	var got int
	for range events {
		got++
	}
	require.Equal(t, 1, got)
}
