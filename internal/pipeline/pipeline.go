// Package pipeline implements the chat completion request lifecycle:
// locate a route, select a provider via the routing engine, dispatch to
// the matching adapter, and retry across distinct providers on retryable
// failure — both for one-shot completions and for streaming.
package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/aimi9933/llmgateway/internal/adapters"
	"github.com/aimi9933/llmgateway/internal/crypto"
	"github.com/aimi9933/llmgateway/internal/metrics"
	"github.com/aimi9933/llmgateway/internal/routing"
	"github.com/aimi9933/llmgateway/internal/store"
	"github.com/aimi9933/llmgateway/internal/types"
)

// Pipeline wires the store, routing engine, and provider adapters into
// the request-handling contract the HTTP layer calls into.
type Pipeline struct {
	store   *store.Store
	router  *routing.Router
	cipher  *crypto.Cipher
	metrics *metrics.Collector
	logger  *zap.Logger
}

// New builds a Pipeline. metrics may be nil, in which case call/selection
// outcomes are simply not recorded.
func New(st *store.Store, router *routing.Router, cipher *crypto.Cipher, m *metrics.Collector, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{store: st, router: router, cipher: cipher, metrics: m, logger: logger}
}

// resolveRoute loads routeName and checks it is usable, the shared first
// step of both Complete and Stream.
func (p *Pipeline) resolveRoute(ctx context.Context, routeName string) (*store.Route, error) {
	route, err := p.store.GetRouteByName(ctx, routeName)
	if err != nil {
		return nil, err
	}
	if !route.IsActive {
		return nil, types.RouteInactive(route.Name)
	}
	return route, nil
}

// selectNext is the (select, instantiate adapter) half of one attempt,
// shared by Complete and Stream; it returns a nil adapter when the
// selected provider was already tried. modelHint is the explicitly
// requested model when the caller named one (as opposed to delegating to
// the route), or "".
func (p *Pipeline) selectNext(ctx context.Context, route *store.Route, modelHint string, tried map[uint64]bool, timeout time.Duration) (routing.Decision, *store.Provider, adapters.Adapter, error) {
	candidates := route
	if route.Mode == store.ModeMulti && len(tried) > 0 {
		// Multi-mode selection always returns the first eligible node, so
		// hide nodes whose provider this call already tried; the full
		// route is used again if nothing else is selectable.
		narrowed := *route
		narrowed.Nodes = nil
		for _, n := range route.Nodes {
			if !tried[n.ProviderID] {
				narrowed.Nodes = append(narrowed.Nodes, n)
			}
		}
		candidates = &narrowed
	}
	decision, err := p.router.Select(ctx, candidates, modelHint)
	if err != nil && candidates != route {
		decision, err = p.router.Select(ctx, route, modelHint)
	}
	if err != nil {
		if p.metrics != nil {
			p.metrics.RecordRouteSelection(route.Name, string(route.Mode), string(types.CodeOf(err)))
		}
		return routing.Decision{}, nil, nil, err
	}
	if tried[decision.ProviderID] {
		return decision, nil, nil, nil
	}
	tried[decision.ProviderID] = true

	provider, err := p.store.GetProvider(ctx, decision.ProviderID)
	if err != nil {
		return decision, nil, nil, nil
	}

	decryptedKey, err := p.cipher.Decrypt(provider.APIKeyOpaque)
	if err != nil {
		return decision, provider, nil, err
	}

	if p.metrics != nil {
		p.metrics.RecordRouteSelection(route.Name, string(route.Mode), "success")
	}

	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	adapter := adapters.New(provider.Name, adapters.Config{
		BaseURL: provider.BaseURL,
		APIKey:  decryptedKey,
		Timeout: timeout,
		Logger:  p.logger,
	})
	return decision, provider, adapter, nil
}

// Complete implements the non-streaming chat pipeline: select a provider,
// call it, and retry on a different provider up to maxRetries times on a
// retryable (5xx/transport) failure. A 4xx from any provider aborts the
// retry envelope immediately.
func (p *Pipeline) Complete(ctx context.Context, req *types.ChatRequest, routeName string, timeout time.Duration, maxRetries int) (*types.ChatResponse, error) {
	route, err := p.resolveRoute(ctx, routeName)
	if err != nil {
		return nil, err
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	modelHint := ""
	if req.Model != "" && req.Model != routeName {
		modelHint = req.Model
	}

	tried := make(map[uint64]bool)
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		decision, provider, adapter, err := p.selectNext(ctx, route, modelHint, tried, timeout)
		if err != nil {
			return nil, err
		}
		if adapter == nil {
			continue
		}

		start := time.Now()
		resp, callErr := adapter.Call(ctx, req, decision.Model)
		duration := time.Since(start)

		if callErr == nil {
			if p.metrics != nil {
				prompt, completion := 0, 0
				if resp.Usage != nil {
					prompt, completion = resp.Usage.PromptTokens, resp.Usage.CompletionTokens
				}
				p.metrics.RecordProviderCall(provider.Name, decision.Model, "success", duration, prompt, completion)
			}
			return resp, nil
		}

		if p.metrics != nil {
			p.metrics.RecordProviderCall(provider.Name, decision.Model, "failure", duration, 0, 0)
		}
		lastErr = callErr
		if !types.IsRetryable(callErr) {
			return nil, callErr
		}
	}

	if lastErr == nil {
		lastErr = types.ProviderFailure(0, "no provider available")
	}
	return nil, lastErr
}

// Stream implements the streaming chat pipeline. Retry across providers
// is only possible before the first chunk has been emitted to the
// caller; once committed, a mid-stream failure becomes a terminal error
// chunk rather than a silent failover.
func (p *Pipeline) Stream(ctx context.Context, req *types.ChatRequest, routeName string, timeout time.Duration, maxRetries int) (<-chan adapters.StreamEvent, error) {
	route, err := p.resolveRoute(ctx, routeName)
	if err != nil {
		return nil, err
	}

	cancel := func() {}
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	}

	modelHint := ""
	if req.Model != "" && req.Model != routeName {
		modelHint = req.Model
	}

	tried := make(map[uint64]bool)
	var lastErr error
	var upstream <-chan adapters.StreamEvent
	var chosenProvider *store.Provider
	var chosenModel string

	for attempt := 0; attempt < maxRetries; attempt++ {
		decision, provider, adapter, err := p.selectNext(ctx, route, modelHint, tried, timeout)
		if err != nil {
			return nil, err
		}
		if adapter == nil {
			continue
		}

		events, streamErr := adapter.Stream(ctx, req, decision.Model)
		if streamErr == nil {
			upstream = events
			chosenProvider = provider
			chosenModel = decision.Model
			break
		}

		lastErr = streamErr
		if !types.IsRetryable(streamErr) {
			return nil, streamErr
		}
	}

	if upstream == nil {
		cancel()
		if lastErr == nil {
			lastErr = types.ProviderFailure(0, "no provider available")
		}
		return nil, lastErr
	}

	out := make(chan adapters.StreamEvent)
	go func() {
		defer cancel()
		defer close(out)
		start := time.Now()
		success := true
		for ev := range upstream {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Err != nil {
				success = false
			}
		}
		if p.metrics != nil {
			outcome := "success"
			if !success {
				outcome = "failure"
			}
			p.metrics.RecordProviderCall(chosenProvider.Name, chosenModel, outcome, time.Since(start), 0, 0)
		}
	}()
	return out, nil
}
