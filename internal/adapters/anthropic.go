package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aimi9933/llmgateway/internal/tlsutil"
	"github.com/aimi9933/llmgateway/internal/types"
)

const anthropicVersion = "2023-06-01"

const anthropicDefaultMaxTokens = 1024

type anthropicAdapter struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

func newAnthropic(cfg Config) *anthropicAdapter {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &anthropicAdapter{
		cfg:    cfg,
		client: tlsutil.SecureHTTPClient(cfg.Timeout),
		logger: logger,
	}
}

func (a *anthropicAdapter) endpoint() string {
	return strings.TrimRight(a.cfg.BaseURL, "/") + "/v1/messages"
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model         string             `json:"model"`
	Messages      []anthropicMessage `json:"messages"`
	System        string             `json:"system,omitempty"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicResponse struct {
	ID           string                  `json:"id"`
	Model        string                  `json:"model"`
	Content      []anthropicContentBlock `json:"content"`
	StopReason   string                  `json:"stop_reason"`
	StopSequence string                  `json:"stop_sequence,omitempty"`
	Usage        *anthropicUsage         `json:"usage,omitempty"`
}

type anthropicErrorEnvelope struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// translateRequest extracts the first system message into Anthropic's
// top-level "system" field, leaves user/assistant roles passed through, and
// flattens the OpenAI-shaped stop field into stop_sequences.
func translateRequest(req *types.ChatRequest, model string, stream bool) anthropicRequest {
	var system string
	messages := make([]anthropicMessage, 0, len(req.Messages))
	sawSystem := false
	for _, m := range req.Messages {
		if m.Role == "system" && !sawSystem {
			system = m.Content
			sawSystem = true
			continue
		}
		messages = append(messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}

	maxTokens := anthropicDefaultMaxTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}

	return anthropicRequest{
		Model:         model,
		Messages:      messages,
		System:        system,
		MaxTokens:     maxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: []string(req.Stop),
		Stream:        stream,
	}
}

func anthropicFinishReason(stopReason string) *string {
	switch stopReason {
	case "end_turn":
		return types.FinishReasonPtr(types.FinishStop)
	case "max_tokens":
		return types.FinishReasonPtr(types.FinishLength)
	case "stop_sequence":
		return types.FinishReasonPtr(types.FinishStop)
	case "":
		return nil
	default:
		return types.FinishReasonPtr(stopReason)
	}
}

func (a *anthropicAdapter) buildHTTPRequest(ctx context.Context, body anthropicRequest) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("x-api-key", a.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	httpReq.Header.Set("Content-Type", "application/json")
	return httpReq, nil
}

func (a *anthropicAdapter) Call(ctx context.Context, req *types.ChatRequest, model string) (*types.ChatResponse, error) {
	body := translateRequest(req, model, false)
	httpReq, err := a.buildHTTPRequest(ctx, body)
	if err != nil {
		return nil, types.Internal(err)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, types.ProviderFailure(0, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, types.ProviderFailure(resp.StatusCode, readAnthropicError(resp.Body))
	}

	var ar anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return nil, types.ProviderFailure(0, fmt.Sprintf("decode response: %v", err))
	}

	var text strings.Builder
	for _, block := range ar.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	out := &types.ChatResponse{
		ID:      ar.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   ar.Model,
		Choices: []types.Choice{{
			Index:        0,
			Message:      &types.Message{Role: "assistant", Content: text.String()},
			FinishReason: anthropicFinishReason(ar.StopReason),
		}},
	}
	if ar.Usage != nil {
		out.Usage = &types.Usage{
			PromptTokens:     ar.Usage.InputTokens,
			CompletionTokens: ar.Usage.OutputTokens,
			TotalTokens:      ar.Usage.InputTokens + ar.Usage.OutputTokens,
		}
	}
	return out, nil
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
}

func (a *anthropicAdapter) Stream(ctx context.Context, req *types.ChatRequest, model string) (<-chan StreamEvent, error) {
	body := translateRequest(req, model, true)
	httpReq, err := a.buildHTTPRequest(ctx, body)
	if err != nil {
		return nil, types.Internal(err)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, types.ProviderFailure(0, err.Error())
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, types.ProviderFailure(resp.StatusCode, readAnthropicError(resp.Body))
	}

	out := make(chan StreamEvent)
	id := types.NewChatID()
	go func() {
		defer close(out)
		defer resp.Body.Close()

		emit := func(chunk *types.ChatCompletionChunk) bool {
			select {
			case out <- StreamEvent{Chunk: chunk}:
				return true
			case <-ctx.Done():
				return false
			}
		}

		err := sseLines(resp.Body, func(data string) (bool, error) {
			var event anthropicStreamEvent
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				return false, err
			}
			switch event.Type {
			case "message_start":
				if !emit(&types.ChatCompletionChunk{
					ID: id, Object: "chat.completion.chunk", Created: time.Now().Unix(), Model: model,
					Choices: []types.ChunkChoice{{Index: 0, Delta: types.Delta{Role: "assistant"}}},
				}) {
					return true, nil
				}
			case "content_block_delta":
				if event.Delta.Type == "text_delta" {
					if !emit(&types.ChatCompletionChunk{
						ID: id, Object: "chat.completion.chunk", Created: time.Now().Unix(), Model: model,
						Choices: []types.ChunkChoice{{Index: 0, Delta: types.Delta{Content: event.Delta.Text}}},
					}) {
						return true, nil
					}
				}
			case "message_delta":
				if event.Delta.StopReason != "" {
					if !emit(&types.ChatCompletionChunk{
						ID: id, Object: "chat.completion.chunk", Created: time.Now().Unix(), Model: model,
						Choices: []types.ChunkChoice{{Index: 0, FinishReason: anthropicFinishReason(event.Delta.StopReason)}},
					}) {
						return true, nil
					}
				}
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

func readAnthropicError(body io.Reader) string {
	data, _ := io.ReadAll(body)
	var env anthropicErrorEnvelope
	if err := json.Unmarshal(data, &env); err == nil && env.Error.Message != "" {
		if env.Error.Type != "" {
			return fmt.Sprintf("%s (%s)", env.Error.Message, env.Error.Type)
		}
		return env.Error.Message
	}
	return strings.TrimSpace(string(data))
}
