// Package adapters defines the uniform contract the chat pipeline drives
// every upstream provider dialect through, and dispatches a provider's
// name/base URL to the adapter that speaks its wire format.
package adapters

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aimi9933/llmgateway/internal/types"
)

// Adapter translates a canonical chat request into one upstream dialect and
// normalises the response (or stream) back to the canonical shape.
// Implementations must be safe for concurrent use.
type Adapter interface {
	// Call performs a one-shot, non-streaming completion against model.
	Call(ctx context.Context, req *types.ChatRequest, model string) (*types.ChatResponse, error)

	// Stream performs a streaming completion against model. The returned
	// channel is closed when the upstream stream ends or the context is
	// cancelled; a terminal error is delivered as a StreamEvent with Err set.
	Stream(ctx context.Context, req *types.ChatRequest, model string) (<-chan StreamEvent, error)
}

// StreamEvent carries either one canonical chunk or a terminal error.
// Exactly one of Chunk/Err is set.
type StreamEvent struct {
	Chunk *types.ChatCompletionChunk
	Err   error
}

// Config is the per-provider configuration an adapter is built from: the
// decrypted API key and the dial parameters the routing engine/health
// checker already resolved.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Logger  *zap.Logger
}

// New dispatches to the adapter matching name/baseURL per the gateway's
// provider-identification rule: a case-insensitive substring match against
// "anthropic"/"claude" selects the Anthropic adapter, "gemini"/"google"/
// "googleapis.com" selects the Gemini adapter, and everything else falls
// back to the OpenAI-compatible adapter.
func New(name string, cfg Config) Adapter {
	hay := strings.ToLower(name + " " + cfg.BaseURL)
	switch {
	case strings.Contains(hay, "anthropic") || strings.Contains(hay, "claude"):
		return newAnthropic(cfg)
	case strings.Contains(hay, "gemini") || strings.Contains(hay, "google") || strings.Contains(hay, "googleapis.com"):
		return newGemini(cfg)
	default:
		return newOpenAICompat(cfg)
	}
}
