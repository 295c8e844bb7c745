package handlers

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/aimi9933/llmgateway/internal/crypto"
	"github.com/aimi9933/llmgateway/internal/health"
	"github.com/aimi9933/llmgateway/internal/store"
	"github.com/aimi9933/llmgateway/internal/types"
)

// ProviderHandler serves the admin CRUD surface over providers.
type ProviderHandler struct {
	store   *store.Store
	cipher  *crypto.Cipher
	checker *health.Checker
	logger  *zap.Logger
}

// NewProviderHandler builds a ProviderHandler.
func NewProviderHandler(st *store.Store, cipher *crypto.Cipher, checker *health.Checker, logger *zap.Logger) *ProviderHandler {
	return &ProviderHandler{store: st, cipher: cipher, checker: checker, logger: logger}
}

// providerView is the outward JSON shape of a provider: the API key is
// always masked, never returned in the clear.
type providerView struct {
	ID                  uint64               `json:"id"`
	Name                string               `json:"name"`
	BaseURL             string               `json:"base_url"`
	APIKeyMasked        string               `json:"api_key_masked"`
	Models              []string             `json:"models"`
	IsActive            bool                 `json:"is_active"`
	Status              store.ProviderStatus `json:"status"`
	LatencyMs           *int64               `json:"latency_ms,omitempty"`
	ConsecutiveFailures int                  `json:"consecutive_failures"`
	IsHealthy           bool                 `json:"is_healthy"`
}

func toProviderView(p store.Provider, cipher *crypto.Cipher) providerView {
	masked := ""
	if plain, err := cipher.Decrypt(p.APIKeyOpaque); err == nil {
		masked = crypto.Mask(plain)
	}
	return providerView{
		ID:                  p.ID,
		Name:                p.Name,
		BaseURL:             p.BaseURL,
		APIKeyMasked:        masked,
		Models:              []string(p.Models),
		IsActive:            p.IsActive,
		Status:              p.Status,
		LatencyMs:           p.LatencyMs,
		ConsecutiveFailures: p.ConsecutiveFailures,
		IsHealthy:           p.IsHealthy,
	}
}

// createProviderRequest is the body of POST /api/providers.
type createProviderRequest struct {
	Name     string   `json:"name"`
	BaseURL  string   `json:"base_url"`
	APIKey   string   `json:"api_key"`
	Models   []string `json:"models"`
	IsActive *bool    `json:"is_active,omitempty"`
}

// HandleList serves GET /api/providers.
func (h *ProviderHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	providers, err := h.store.ListProviders(r.Context(), false)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	views := make([]providerView, 0, len(providers))
	for _, p := range providers {
		views = append(views, toProviderView(p, h.cipher))
	}
	WriteSuccess(w, http.StatusOK, views)
}

// HandleCreate serves POST /api/providers.
func (h *ProviderHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req createProviderRequest
	if DecodeJSONBody(w, r, &req, h.logger) != nil {
		return
	}
	if req.Name == "" || req.BaseURL == "" || req.APIKey == "" {
		WriteError(w, types.Validation("name, base_url, and api_key are required"), h.logger)
		return
	}

	encKey, err := h.cipher.Encrypt(req.APIKey)
	if err != nil {
		WriteError(w, types.Internal(err), h.logger)
		return
	}

	isActive := true
	if req.IsActive != nil {
		isActive = *req.IsActive
	}
	p := store.Provider{
		Name:         req.Name,
		BaseURL:      req.BaseURL,
		APIKeyOpaque: encKey,
		Models:       store.StringList(req.Models),
		IsActive:     isActive,
		IsHealthy:    true,
	}
	if err := h.store.CreateProvider(r.Context(), &p); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, http.StatusCreated, toProviderView(p, h.cipher))
}

func (h *ProviderHandler) pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		WriteError(w, types.Validation("invalid provider id"), h.logger)
		return 0, false
	}
	return id, true
}

// HandleGet serves GET /api/providers/{id}.
func (h *ProviderHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	p, err := h.store.GetProvider(r.Context(), id)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, http.StatusOK, toProviderView(*p, h.cipher))
}

// updateProviderRequest is the body of PATCH /api/providers/{id}; every
// field is optional, only fields present are applied.
type updateProviderRequest struct {
	Name     *string  `json:"name,omitempty"`
	BaseURL  *string  `json:"base_url,omitempty"`
	APIKey   *string  `json:"api_key,omitempty"`
	Models   []string `json:"models,omitempty"`
	IsActive *bool    `json:"is_active,omitempty"`
}

// HandlePatch serves PATCH /api/providers/{id}.
func (h *ProviderHandler) HandlePatch(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req updateProviderRequest
	if DecodeJSONBody(w, r, &req, h.logger) != nil {
		return
	}

	updates := map[string]any{}
	if req.Name != nil {
		updates["name"] = *req.Name
	}
	if req.BaseURL != nil {
		updates["base_url"] = *req.BaseURL
	}
	if req.APIKey != nil {
		encKey, err := h.cipher.Encrypt(*req.APIKey)
		if err != nil {
			WriteError(w, types.Internal(err), h.logger)
			return
		}
		updates["api_key_opaque"] = encKey
	}
	if req.Models != nil {
		updates["models"] = store.StringList(req.Models)
	}
	if req.IsActive != nil {
		updates["is_active"] = *req.IsActive
	}

	p, err := h.store.UpdateProvider(r.Context(), id, updates)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, http.StatusOK, toProviderView(*p, h.cipher))
}

// HandleDelete serves DELETE /api/providers/{id}.
func (h *ProviderHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.store.DeleteProvider(r.Context(), id); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// testProviderResponse is the body returned by both the saved-provider
// and direct-config probe endpoints.
type testProviderResponse struct {
	Status    store.ProviderStatus `json:"status"`
	LatencyMs *int64               `json:"latency_ms,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// HandleTest serves POST /api/providers/{id}/test: a synchronous probe
// of a saved provider, reusing the background checker's probe/transition
// logic so a manual test and a sweep agree on outcome classification.
func (h *ProviderHandler) HandleTest(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	p, err := h.store.GetProvider(r.Context(), id)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	status, latency, probeErr := h.checker.ProbeNow(r.Context(), *p)
	resp := testProviderResponse{Status: status, LatencyMs: latency}
	if probeErr != nil {
		resp.Error = probeErr.Error()
	}
	WriteSuccess(w, http.StatusOK, resp)
}

// testDirectRequest is the body of POST /api/providers/test-direct.
type testDirectRequest struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
}

// HandleTestDirect serves POST /api/providers/test-direct: probes an
// unsaved base URL/key pair so the operator can validate a configuration
// before creating the provider.
func (h *ProviderHandler) HandleTestDirect(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req testDirectRequest
	if DecodeJSONBody(w, r, &req, h.logger) != nil {
		return
	}
	if req.BaseURL == "" {
		WriteError(w, types.Validation("base_url is required"), h.logger)
		return
	}
	status, latency, probeErr := h.checker.ProbeDirect(r.Context(), req.BaseURL, req.APIKey)
	resp := testProviderResponse{Status: status, LatencyMs: latency}
	if probeErr != nil {
		resp.Error = probeErr.Error()
	}
	WriteSuccess(w, http.StatusOK, resp)
}

// setHealthRequest is the body of PATCH /api/providers/{id}/health.
type setHealthRequest struct {
	IsHealthy bool `json:"is_healthy"`
}

// HandleSetHealth serves PATCH /api/providers/{id}/health: an operator
// override of a provider's health flag, bypassing the probe loop.
func (h *ProviderHandler) HandleSetHealth(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req setHealthRequest
	if DecodeJSONBody(w, r, &req, h.logger) != nil {
		return
	}
	p, err := h.store.SetProviderHealth(r.Context(), id, req.IsHealthy)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, http.StatusOK, toProviderView(*p, h.cipher))
}
