package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aimi9933/llmgateway/internal/store"
)

func newProviderRequest(t *testing.T, method, target string, body any, pathID string) *http.Request {
	t.Helper()
	var r *http.Request
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = httptest.NewRequest(method, target, bytes.NewReader(b))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	if pathID != "" {
		r.SetPathValue("id", pathID)
	}
	return r
}

func TestProviderCreateAndGet(t *testing.T) {
	d := newTestDeps(t)
	h := NewProviderHandler(d.store, d.cipher, d.checker, zap.NewNop())

	rec := httptest.NewRecorder()
	h.HandleCreate(rec, newProviderRequest(t, http.MethodPost, "/api/providers", createProviderRequest{
		Name: "openai", BaseURL: "https://api.openai.com/v1", APIKey: "sk-live-abcdef1234567890", Models: []string{"gpt-4o"},
	}, ""))
	require.Equal(t, http.StatusCreated, rec.Code)

	var created Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.True(t, created.Success)

	rec2 := httptest.NewRecorder()
	h.HandleGet(rec2, newProviderRequest(t, http.MethodGet, "/api/providers/1", nil, "1"))
	require.Equal(t, http.StatusOK, rec2.Code)
	assert.Contains(t, rec2.Body.String(), "openai")
	assert.NotContains(t, rec2.Body.String(), "sk-live-abcdef1234567890")
}

func TestProviderCreateRejectsMissingFields(t *testing.T) {
	d := newTestDeps(t)
	h := NewProviderHandler(d.store, d.cipher, d.checker, zap.NewNop())

	rec := httptest.NewRecorder()
	h.HandleCreate(rec, newProviderRequest(t, http.MethodPost, "/api/providers", createProviderRequest{Name: "openai"}, ""))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProviderPatchUpdatesFields(t *testing.T) {
	d := newTestDeps(t)
	p := seedProvider(t, d, "openai", "https://api.openai.com/v1", []string{"gpt-4o"})
	h := NewProviderHandler(d.store, d.cipher, d.checker, zap.NewNop())

	newActive := false
	rec := httptest.NewRecorder()
	req := newProviderRequest(t, http.MethodPatch, "/api/providers/1", updateProviderRequest{IsActive: &newActive}, "1")
	req.SetPathValue("id", "1")
	_ = p
	h.HandlePatch(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := d.store.GetProvider(context.Background(), p.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
}

func TestProviderTestRunsProbeAndPersists(t *testing.T) {
	d := newTestDeps(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	p := seedProvider(t, d, "openai", srv.URL, []string{"gpt-4o"})
	h := NewProviderHandler(d.store, d.cipher, d.checker, zap.NewNop())

	req := newProviderRequest(t, http.MethodPost, "/api/providers/1/test", nil, "1")
	rec := httptest.NewRecorder()
	h.HandleTest(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	got, err := d.store.GetProvider(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusOnline, got.Status)
}

func TestProviderSetHealthOverride(t *testing.T) {
	d := newTestDeps(t)
	p := seedProvider(t, d, "openai", "https://api.openai.com/v1", []string{"gpt-4o"})
	h := NewProviderHandler(d.store, d.cipher, d.checker, zap.NewNop())

	req := newProviderRequest(t, http.MethodPatch, "/api/providers/1/health", setHealthRequest{IsHealthy: false}, "1")
	rec := httptest.NewRecorder()
	h.HandleSetHealth(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	got, err := d.store.GetProvider(context.Background(), p.ID)
	require.NoError(t, err)
	assert.False(t, got.IsHealthy)
}

func TestProviderDeleteRemovesRow(t *testing.T) {
	d := newTestDeps(t)
	p := seedProvider(t, d, "openai", "https://api.openai.com/v1", []string{"gpt-4o"})
	h := NewProviderHandler(d.store, d.cipher, d.checker, zap.NewNop())

	req := newProviderRequest(t, http.MethodDelete, "/api/providers/1", nil, "1")
	rec := httptest.NewRecorder()
	h.HandleDelete(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	_, err := d.store.GetProvider(context.Background(), p.ID)
	assert.Error(t, err)
}
