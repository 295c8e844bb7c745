package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/aimi9933/llmgateway/internal/tlsutil"
	"github.com/aimi9933/llmgateway/internal/types"
)

// openAICompatAdapter passes the canonical request through unchanged: this
// is the dialect the canonical shape was modelled on, so build_request and
// parse_response are near-identity transforms.
type openAICompatAdapter struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

func newOpenAICompat(cfg Config) *openAICompatAdapter {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &openAICompatAdapter{
		cfg:    cfg,
		client: tlsutil.SecureHTTPClient(cfg.Timeout),
		logger: logger,
	}
}

func (a *openAICompatAdapter) endpoint() string {
	return strings.TrimRight(a.cfg.BaseURL, "/") + "/chat/completions"
}

func (a *openAICompatAdapter) buildRequest(ctx context.Context, req *types.ChatRequest, model string, stream bool) (*http.Request, error) {
	body := *req
	body.Model = model
	body.Stream = stream

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	return httpReq, nil
}

func (a *openAICompatAdapter) Call(ctx context.Context, req *types.ChatRequest, model string) (*types.ChatResponse, error) {
	httpReq, err := a.buildRequest(ctx, req, model, false)
	if err != nil {
		return nil, types.Internal(err)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, types.ProviderFailure(0, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, types.ProviderFailure(resp.StatusCode, readUpstreamError(resp.Body))
	}

	var out types.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, types.ProviderFailure(0, fmt.Sprintf("decode response: %v", err))
	}
	return &out, nil
}

func (a *openAICompatAdapter) Stream(ctx context.Context, req *types.ChatRequest, model string) (<-chan StreamEvent, error) {
	httpReq, err := a.buildRequest(ctx, req, model, true)
	if err != nil {
		return nil, types.Internal(err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, types.ProviderFailure(0, err.Error())
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, types.ProviderFailure(resp.StatusCode, readUpstreamError(resp.Body))
	}

	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		err := sseLines(resp.Body, func(data string) (bool, error) {
			var chunk types.ChatCompletionChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				return false, err
			}
			select {
			case out <- StreamEvent{Chunk: &chunk}:
			case <-ctx.Done():
				return true, nil
			}
			return false, nil
		})
		if err != nil {
			select {
			case out <- StreamEvent{Err: types.ProviderFailure(0, err.Error())}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

type upstreamErrorEnvelope struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// readUpstreamError lifts the "error.message" field OpenAI-shaped error
// bodies carry; falls back to the raw body when absent or unparseable.
func readUpstreamError(body io.Reader) string {
	data, _ := io.ReadAll(body)
	var env upstreamErrorEnvelope
	if err := json.Unmarshal(data, &env); err == nil && env.Error.Message != "" {
		return env.Error.Message
	}
	return strings.TrimSpace(string(data))
}
