package routing

import (
	"context"
	"strconv"
	"strings"

	"github.com/aimi9933/llmgateway/internal/store"
	"github.com/aimi9933/llmgateway/internal/types"
)

// ValidateRoute checks a route's nodes and config against the rest of
// the store before a create or update is persisted: nodes must name
// providers that exist, a node's explicit model list must be a subset of
// its provider's models, and (for auto/specific routes) any
// config.selectedModels entries must appear somewhere in the pool of
// candidate providers' models.
func (r *Router) ValidateRoute(ctx context.Context, mode store.RouteMode, config store.JSONMap, nodes []store.RouteNode) error {
	providers := make([]store.Provider, 0, len(nodes))
	for _, n := range nodes {
		p, err := r.store.GetProvider(ctx, n.ProviderID)
		if err != nil {
			return types.Validation("node references provider %d which does not exist", n.ProviderID)
		}
		if len(n.Models) > 0 && !isSubset([]string(n.Models), []string(p.Models)) {
			return types.Validation("node models for provider %q must be a subset of the provider's models", p.Name)
		}
		providers = append(providers, *p)
	}

	selectedModels := config.StringSlice("selectedModels")
	if len(selectedModels) == 0 {
		return nil
	}

	var pool []store.Provider
	switch mode {
	case store.ModeAuto:
		providerMode := config.String("providerMode")
		if providerMode == "" {
			providerMode = "all"
		}
		if providerMode == "all" {
			all, err := r.store.ListProviders(ctx, false)
			if err != nil {
				return err
			}
			pool = all
		} else if strings.HasPrefix(providerMode, "provider_") {
			id, err := strconv.ParseUint(strings.TrimPrefix(providerMode, "provider_"), 10, 64)
			if err != nil {
				return types.Validation("malformed providerMode %q", providerMode)
			}
			p, err := r.store.GetProvider(ctx, id)
			if err != nil {
				return types.Validation("providerMode references provider %d which does not exist", id)
			}
			pool = []store.Provider{*p}
		} else {
			pool = providers
		}
	case store.ModeSpecific:
		pool = providers
	default:
		return nil
	}

	union := unionModels(pool)
	for _, m := range selectedModels {
		if !contains(union, m) {
			return types.Validation("selectedModels entry %q is not offered by any candidate provider", m)
		}
	}
	return nil
}

func isSubset(a, b []string) bool {
	set := make(map[string]struct{}, len(b))
	for _, v := range b {
		set[v] = struct{}{}
	}
	for _, v := range a {
		if _, ok := set[v]; !ok {
			return false
		}
	}
	return true
}

func unionModels(providers []store.Provider) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, p := range providers {
		for _, m := range p.Models {
			if _, ok := seen[m]; !ok {
				seen[m] = struct{}{}
				out = append(out, m)
			}
		}
	}
	return out
}
