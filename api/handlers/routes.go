package handlers

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/aimi9933/llmgateway/internal/routing"
	"github.com/aimi9933/llmgateway/internal/store"
	"github.com/aimi9933/llmgateway/internal/types"
)

// RouteHandler serves the admin CRUD surface over routes and their
// nodes, plus the synchronous selection/inspection endpoints.
type RouteHandler struct {
	store  *store.Store
	router *routing.Router
	logger *zap.Logger
}

// NewRouteHandler builds a RouteHandler.
func NewRouteHandler(st *store.Store, router *routing.Router, logger *zap.Logger) *RouteHandler {
	return &RouteHandler{store: st, router: router, logger: logger}
}

type routeNodeRequest struct {
	ProviderID uint64             `json:"provider_id"`
	Models     []string           `json:"models,omitempty"`
	Strategy   store.NodeStrategy `json:"strategy,omitempty"`
	Priority   int                `json:"priority,omitempty"`
	Metadata   map[string]any     `json:"metadata,omitempty"`
}

func (n routeNodeRequest) toStoreNode() store.RouteNode {
	strategy := n.Strategy
	if strategy == "" {
		strategy = store.StrategyRoundRobin
	}
	return store.RouteNode{
		ProviderID: n.ProviderID,
		Models:     store.StringList(n.Models),
		Strategy:   strategy,
		Priority:   n.Priority,
		Metadata:   store.JSONMap(n.Metadata),
	}
}

type createRouteRequest struct {
	Name     string             `json:"name"`
	Mode     store.RouteMode    `json:"mode"`
	IsActive *bool              `json:"is_active,omitempty"`
	Config   map[string]any     `json:"config,omitempty"`
	Nodes    []routeNodeRequest `json:"nodes"`
}

// HandleList serves GET /api/model-routes.
func (h *RouteHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	routes, err := h.store.ListRoutes(r.Context())
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, http.StatusOK, routes)
}

// HandleCreate serves POST /api/model-routes.
func (h *RouteHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req createRouteRequest
	if DecodeJSONBody(w, r, &req, h.logger) != nil {
		return
	}
	if req.Name == "" {
		WriteError(w, types.Validation("name is required"), h.logger)
		return
	}
	mode := req.Mode
	if mode == "" {
		mode = store.ModeAuto
	}

	nodes := make([]store.RouteNode, 0, len(req.Nodes))
	for _, n := range req.Nodes {
		nodes = append(nodes, n.toStoreNode())
	}
	config := store.JSONMap(req.Config)
	if config == nil {
		config = store.JSONMap{}
	}
	if err := h.router.ValidateRoute(r.Context(), mode, config, nodes); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	isActive := true
	if req.IsActive != nil {
		isActive = *req.IsActive
	}
	route := store.Route{Name: req.Name, Mode: mode, IsActive: isActive, Config: config}
	if err := h.store.CreateRoute(r.Context(), &route); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	if len(nodes) > 0 {
		if err := h.store.ReplaceNodes(r.Context(), route.ID, nodes); err != nil {
			WriteError(w, types.Internal(err), h.logger)
			return
		}
	}

	created, err := h.store.GetRoute(r.Context(), route.ID)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, http.StatusCreated, created)
}

func (h *RouteHandler) pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		WriteError(w, types.Validation("invalid route id"), h.logger)
		return 0, false
	}
	return id, true
}

// HandleGet serves GET /api/model-routes/{id}.
func (h *RouteHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	route, err := h.store.GetRoute(r.Context(), id)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, http.StatusOK, route)
}

type updateRouteRequest struct {
	Name     *string            `json:"name,omitempty"`
	Mode     *store.RouteMode   `json:"mode,omitempty"`
	IsActive *bool              `json:"is_active,omitempty"`
	Config   map[string]any     `json:"config,omitempty"`
	Nodes    []routeNodeRequest `json:"nodes,omitempty"`
}

// HandlePatch serves PATCH /api/model-routes/{id}.
func (h *RouteHandler) HandlePatch(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req updateRouteRequest
	if DecodeJSONBody(w, r, &req, h.logger) != nil {
		return
	}

	existing, err := h.store.GetRoute(r.Context(), id)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	updates := map[string]any{}
	mode := existing.Mode
	if req.Name != nil {
		updates["name"] = *req.Name
	}
	if req.Mode != nil {
		mode = *req.Mode
		updates["mode"] = mode
	}
	if req.IsActive != nil {
		updates["is_active"] = *req.IsActive
	}
	config := existing.Config
	if req.Config != nil {
		config = store.JSONMap(req.Config)
		updates["config"] = config
	}

	var nodes []store.RouteNode
	if req.Nodes != nil {
		nodes = make([]store.RouteNode, 0, len(req.Nodes))
		for _, n := range req.Nodes {
			nodes = append(nodes, n.toStoreNode())
		}
		if err := h.router.ValidateRoute(r.Context(), mode, config, nodes); err != nil {
			WriteError(w, err, h.logger)
			return
		}
	}

	if len(updates) > 0 {
		if _, err := h.store.UpdateRoute(r.Context(), id, updates); err != nil {
			WriteError(w, err, h.logger)
			return
		}
	}
	if nodes != nil {
		if err := h.store.ReplaceNodes(r.Context(), id, nodes); err != nil {
			WriteError(w, types.Internal(err), h.logger)
			return
		}
	}

	updated, err := h.store.GetRoute(r.Context(), id)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, http.StatusOK, updated)
}

// HandleDelete serves DELETE /api/model-routes/{id}.
func (h *RouteHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.store.DeleteRoute(r.Context(), id); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	if err := h.router.Reset(r.Context(), id); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type selectRouteRequest struct {
	Model string `json:"model,omitempty"`
}

// HandleSelect serves POST /api/model-routes/{id}/select: runs the
// routing engine's selection once, without issuing a chat call, so an
// operator can inspect which provider+model a route currently resolves
// to.
func (h *RouteHandler) HandleSelect(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req selectRouteRequest
	if r.ContentLength > 0 {
		if DecodeJSONBody(w, r, &req, h.logger) != nil {
			return
		}
	}

	route, err := h.store.GetRoute(r.Context(), id)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	decision, err := h.router.Select(r.Context(), route, req.Model)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, http.StatusOK, decision)
}

// routeStateView reports the route's scheduling cursor map: the current
// round-robin index for each scheduling key this route has ever been
// selected against. Keyed the same way internal/routing.Router keys its
// cursors ("<route_id>" for node-pool rotation, "provider_<route_id>"
// for provider-pool rotation under auto+providerMode=all).
type routeStateView struct {
	RouteID uint64          `json:"route_id"`
	Mode    store.RouteMode `json:"mode"`
	Cursors map[string]int  `json:"cursors"`
}

// HandleState serves GET /api/model-routes/{id}/state.
func (h *RouteHandler) HandleState(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	route, err := h.store.GetRoute(r.Context(), id)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	cursors, err := h.router.State(r.Context(), route.ID)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, http.StatusOK, routeStateView{RouteID: route.ID, Mode: route.Mode, Cursors: cursors})
}

// HandleReset serves POST /api/model-routes/{id}/reset: clears the
// round-robin cursor so the next selection starts over from index 0.
func (h *RouteHandler) HandleReset(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.router.Reset(r.Context(), id); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
