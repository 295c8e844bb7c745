// Package routing implements the selection engine: given a Route loaded
// from the store, resolve it to a concrete (provider, model) pair
// following the route's mode (auto, specific, multi) and strategy
// (round-robin, failover).
package routing

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/aimi9933/llmgateway/internal/cursorstore"
	"github.com/aimi9933/llmgateway/internal/store"
	"github.com/aimi9933/llmgateway/internal/types"
)

// Decision is the outcome of a successful Select call.
type Decision struct {
	ProviderID uint64
	Model      string
}

// Router resolves routes to provider+model pairs and owns the
// round-robin cursor state that selection advances. A Router is safe for
// concurrent use.
type Router struct {
	store   *store.Store
	cursors cursorstore.Store
	logger  *zap.Logger
}

// New builds a Router. cursors defaults to an in-memory store when nil.
func New(st *store.Store, cursors cursorstore.Store, logger *zap.Logger) *Router {
	if cursors == nil {
		cursors = cursorstore.NewMemoryStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{store: st, cursors: cursors, logger: logger}
}

// Select resolves route to a provider+model pair. modelHint is the model
// requested by the caller, or "" if the caller left it to the route.
func (r *Router) Select(ctx context.Context, route *store.Route, modelHint string) (Decision, error) {
	if !route.IsActive {
		return Decision{}, types.RouteInactive(route.Name)
	}
	switch route.Mode {
	case store.ModeAuto:
		return r.selectAuto(ctx, route, modelHint)
	case store.ModeSpecific:
		return r.selectSpecific(route, modelHint)
	case store.ModeMulti:
		return r.selectMulti(route, modelHint)
	default:
		return Decision{}, types.Validation("route %q has unknown mode %q", route.Name, route.Mode)
	}
}

// Reset clears every cursor key associated with routeID: its node-pool
// cursor and its provider-pool cursor. Called when a route is deleted so
// a future route reusing the same id doesn't inherit stale state.
func (r *Router) Reset(ctx context.Context, routeID uint64) error {
	return r.cursors.Reset(ctx, nodeCursorKey(routeID), providerCursorKey(routeID))
}

func nodeCursorKey(routeID uint64) string { return strconv.FormatUint(routeID, 10) }
func providerCursorKey(routeID uint64) string {
	return fmt.Sprintf("provider_%d", routeID)
}

// State returns the current scheduling cursor map for routeID: the
// node-pool cursor (keyed by route id) and the provider-pool cursor
// (keyed by "provider_<id>"), whichever have been created by a prior
// Select. A key absent from the map has never been selected against.
// Peeking never advances a cursor. Mirrors the original routing
// service's RoutingService.get_state.
func (r *Router) State(ctx context.Context, routeID uint64) (map[string]int, error) {
	state := make(map[string]int)
	for _, key := range []string{nodeCursorKey(routeID), providerCursorKey(routeID)} {
		value, ok, err := r.cursors.Peek(ctx, key)
		if err != nil {
			return nil, types.Internal(err)
		}
		if ok {
			state[key] = value
		}
	}
	return state, nil
}

// selectAuto resolves the "auto" mode: the candidate pool is every
// provider (providerMode == "all", the default) or a single pinned
// provider (providerMode == "provider_<id>"), restricted to active and
// healthy providers, round-robined independently of the route's nodes.
func (r *Router) selectAuto(ctx context.Context, route *store.Route, modelHint string) (Decision, error) {
	providerMode := route.Config.String("providerMode")
	if providerMode == "" {
		providerMode = "all"
	}

	var pool []store.Provider
	switch {
	case providerMode == "all":
		all, err := r.store.ListProviders(ctx, true)
		if err != nil {
			return Decision{}, err
		}
		for _, p := range all {
			if p.IsHealthy {
				pool = append(pool, p)
			}
		}
	case strings.HasPrefix(providerMode, "provider_"):
		idStr := strings.TrimPrefix(providerMode, "provider_")
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			return Decision{}, types.Validation("route %q has malformed providerMode %q", route.Name, providerMode)
		}
		p, err := r.store.GetProvider(ctx, id)
		if err != nil {
			return Decision{}, err
		}
		if p.IsActive && p.IsHealthy {
			pool = append(pool, *p)
		}
	default:
		return Decision{}, types.Validation("route %q has unrecognised providerMode %q", route.Name, providerMode)
	}

	if len(pool) == 0 {
		return Decision{}, types.NoActiveProvider("route %q has no active, healthy providers", route.Name)
	}

	idx, err := r.cursors.Next(ctx, providerCursorKey(route.ID), len(pool))
	if err != nil {
		return Decision{}, types.Internal(err)
	}
	chosen := pool[idx]

	selectedModels := route.Config.StringSlice("selectedModels")
	model, err := pickModel(chosen.Models, selectedModels, modelHint)
	if err != nil {
		return Decision{}, err
	}
	return Decision{ProviderID: chosen.ID, Model: model}, nil
}

// selectSpecific resolves the "specific" mode: the route's first (and
// conventionally only) node names the provider directly.
func (r *Router) selectSpecific(route *store.Route, modelHint string) (Decision, error) {
	if len(route.Nodes) == 0 {
		return Decision{}, types.NoActiveProvider("route %q has no configured nodes", route.Name)
	}
	node := route.Nodes[0]
	provider := node.Provider
	if !provider.IsActive || !provider.IsHealthy {
		return Decision{}, types.NoActiveProvider("provider %q is not active and healthy", provider.Name)
	}

	candidates := candidateModels(node.Models, provider.Models)
	if selected := route.Config.StringSlice("selectedModels"); len(selected) > 0 {
		candidates = intersect(candidates, selected)
	}
	if len(candidates) == 0 {
		return Decision{}, types.NoModelsAvailable("route %q has no candidate models", route.Name)
	}

	if modelHint != "" {
		if !contains(candidates, modelHint) {
			return Decision{}, types.ModelNotFound(modelHint)
		}
		return Decision{ProviderID: provider.ID, Model: modelHint}, nil
	}
	return Decision{ProviderID: provider.ID, Model: candidates[0]}, nil
}

// selectMulti resolves the "multi" mode: iterate active, healthy nodes in
// priority order (ties broken by node id) and return the first node whose
// models include modelHint (or any node with models, when there is no
// hint). A round-robin node advances the route's cursor when chosen; the
// strategy never causes a node to be skipped.
func (r *Router) selectMulti(route *store.Route, modelHint string) (Decision, error) {
	nodes := make([]store.RouteNode, 0, len(route.Nodes))
	for _, n := range route.Nodes {
		if n.Provider.IsActive && n.Provider.IsHealthy {
			nodes = append(nodes, n)
		}
	}
	if len(nodes) == 0 {
		return Decision{}, types.NoActiveProvider("route %q has no active, healthy providers", route.Name)
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Priority != nodes[j].Priority {
			return nodes[i].Priority < nodes[j].Priority
		}
		return nodes[i].ID < nodes[j].ID
	})

	for _, node := range nodes {
		union := candidateModels(node.Models, node.Provider.Models)
		if modelHint != "" && !contains(union, modelHint) {
			continue
		}
		candidates := candidateModels(node.Models, node.Provider.Models)
		if len(candidates) == 0 {
			continue
		}

		if node.Strategy == store.StrategyRoundRobin {
			// A single-element round robin always selects this node but
			// still advances the route's cursor, matching the original
			// per-node round-robin bookkeeping.
			if _, err := r.cursors.Next(context.Background(), nodeCursorKey(route.ID), 1); err != nil {
				return Decision{}, types.Internal(err)
			}
		}

		if modelHint != "" && contains(candidates, modelHint) {
			return Decision{ProviderID: node.Provider.ID, Model: modelHint}, nil
		}
		return Decision{ProviderID: node.Provider.ID, Model: candidates[0]}, nil
	}

	if modelHint != "" {
		return Decision{}, types.ModelNotFound(modelHint)
	}
	return Decision{}, types.NoActiveProvider("no suitable provider found in route %q", route.Name)
}

// pickModel implements the common "choose a model from a provider given
// an optional hint and an optional route-level model allow-list" rule
// used by auto selection.
func pickModel(providerModels store.StringList, selectedModels []string, modelHint string) (string, error) {
	if len(providerModels) == 0 {
		return "", types.NoModelsAvailable("provider has no models configured")
	}
	candidates := selectedModels
	if len(candidates) == 0 {
		candidates = []string(providerModels)
	}
	if modelHint != "" && contains(candidates, modelHint) {
		return modelHint, nil
	}
	if len(selectedModels) > 0 {
		return selectedModels[0], nil
	}
	return providerModels[0], nil
}

// candidateModels returns a node's explicit model list if non-empty,
// otherwise the provider's full model list.
func candidateModels(nodeModels, providerModels store.StringList) []string {
	if len(nodeModels) > 0 {
		return []string(nodeModels)
	}
	return []string(providerModels)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func intersect(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, v := range b {
		set[v] = struct{}{}
	}
	var out []string
	for _, v := range a {
		if _, ok := set[v]; ok {
			out = append(out, v)
		}
	}
	return out
}
