package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/aimi9933/llmgateway/internal/backup"
)

// AdminHandler serves operator-triggered maintenance endpoints that
// don't belong to a single resource's CRUD surface.
type AdminHandler struct {
	backup *backup.Manager
	logger *zap.Logger
}

// NewAdminHandler builds an AdminHandler.
func NewAdminHandler(backupMgr *backup.Manager, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{backup: backupMgr, logger: logger}
}

// HandleRestore serves POST /api/admin/providers/restore: reloads
// providers and routes from the on-disk backup snapshot.
func (h *AdminHandler) HandleRestore(w http.ResponseWriter, r *http.Request) {
	stats, err := h.backup.Restore(r.Context())
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, http.StatusOK, stats)
}
