package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/aimi9933/llmgateway/internal/store"
)

// ModelInfo is one entry in the OpenAI-compatible /v1/models listing.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelListResponse is the full body of a /v1/models response.
type ModelListResponse struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// ModelsHandler serves the OpenAI-compatible /v1/models endpoint.
type ModelsHandler struct {
	store  *store.Store
	logger *zap.Logger
}

// NewModelsHandler builds a ModelsHandler.
func NewModelsHandler(st *store.Store, logger *zap.Logger) *ModelsHandler {
	return &ModelsHandler{store: st, logger: logger}
}

// HandleList enumerates every model advertised by every active, healthy
// provider, deduplicated by model ID.
func (h *ModelsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	providers, err := h.store.ListProviders(r.Context(), true)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	seen := make(map[string]bool)
	data := make([]ModelInfo, 0)
	for _, p := range providers {
		if !p.IsHealthy {
			continue
		}
		for _, m := range p.Models {
			if seen[m] {
				continue
			}
			seen[m] = true
			data = append(data, ModelInfo{
				ID:      m,
				Object:  "model",
				Created: p.CreatedAt.Unix(),
				OwnedBy: p.Name,
			})
		}
	}

	WriteJSON(w, http.StatusOK, ModelListResponse{Object: "list", Data: data})
}
