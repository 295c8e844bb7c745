package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aimi9933/llmgateway/internal/tlsutil"
	"github.com/aimi9933/llmgateway/internal/types"
)

type geminiAdapter struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

func newGemini(cfg Config) *geminiAdapter {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &geminiAdapter{
		cfg:    cfg,
		client: tlsutil.SecureHTTPClient(cfg.Timeout),
		logger: logger,
	}
}

func (a *geminiAdapter) endpoint(model, action string) string {
	base := strings.TrimRight(a.cfg.BaseURL, "/")
	q := url.Values{"key": {a.cfg.APIKey}}
	if action == "streamGenerateContent" {
		q.Set("alt", "sse")
	}
	return fmt.Sprintf("%s/v1/models/%s:%s?%s", base, model, action, q.Encode())
}

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiSystemInstruction struct {
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent          `json:"contents"`
	SystemInstruction *geminiSystemInstruction `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig  `json:"generationConfig,omitempty"`
}

func translateToGemini(req *types.ChatRequest) geminiRequest {
	var system *geminiSystemInstruction
	contents := make([]geminiContent, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			if system == nil {
				system = &geminiSystemInstruction{Parts: []geminiPart{{Text: m.Content}}}
			} else {
				system.Parts = append(system.Parts, geminiPart{Text: m.Content})
			}
		case "assistant":
			contents = append(contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: m.Content}}})
		default:
			contents = append(contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
		}
	}

	var genConfig *geminiGenerationConfig
	if req.Temperature != nil || req.TopP != nil || req.MaxTokens != nil || len(req.Stop) > 0 {
		genConfig = &geminiGenerationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
			StopSequences:   []string(req.Stop),
		}
	}

	return geminiRequest{
		Contents:          contents,
		SystemInstruction: system,
		GenerationConfig:  genConfig,
	}
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata,omitempty"`
}

type geminiErrorEnvelope struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func geminiFinishReason(reason string) *string {
	switch reason {
	case "STOP":
		return types.FinishReasonPtr(types.FinishStop)
	case "MAX_TOKENS":
		return types.FinishReasonPtr(types.FinishLength)
	case "SAFETY", "RECITATION":
		return types.FinishReasonPtr(types.FinishContentFilter)
	case "":
		return nil
	default:
		return types.FinishReasonPtr(reason)
	}
}

func candidateText(c geminiCandidate) string {
	var b strings.Builder
	for _, part := range c.Content.Parts {
		b.WriteString(part.Text)
	}
	return b.String()
}

func (a *geminiAdapter) buildHTTPRequest(ctx context.Context, model, action string, body geminiRequest) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint(model, action), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return httpReq, nil
}

func (a *geminiAdapter) Call(ctx context.Context, req *types.ChatRequest, model string) (*types.ChatResponse, error) {
	body := translateToGemini(req)
	httpReq, err := a.buildHTTPRequest(ctx, model, "generateContent", body)
	if err != nil {
		return nil, types.Internal(err)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, types.ProviderFailure(0, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, types.ProviderFailure(resp.StatusCode, readGeminiError(resp.Body))
	}

	var gr geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return nil, types.ProviderFailure(0, fmt.Sprintf("decode response: %v", err))
	}

	out := &types.ChatResponse{
		ID:      types.NewChatID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
	}
	if len(gr.Candidates) > 0 {
		out.Choices = []types.Choice{{
			Index:        0,
			Message:      &types.Message{Role: "assistant", Content: candidateText(gr.Candidates[0])},
			FinishReason: geminiFinishReason(gr.Candidates[0].FinishReason),
		}}
	}
	if gr.UsageMetadata != nil {
		out.Usage = &types.Usage{
			PromptTokens:     gr.UsageMetadata.PromptTokenCount,
			CompletionTokens: gr.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      gr.UsageMetadata.TotalTokenCount,
		}
	}
	return out, nil
}

func (a *geminiAdapter) Stream(ctx context.Context, req *types.ChatRequest, model string) (<-chan StreamEvent, error) {
	body := translateToGemini(req)
	httpReq, err := a.buildHTTPRequest(ctx, model, "streamGenerateContent", body)
	if err != nil {
		return nil, types.Internal(err)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, types.ProviderFailure(0, err.Error())
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, types.ProviderFailure(resp.StatusCode, readGeminiError(resp.Body))
	}

	out := make(chan StreamEvent)
	id := types.NewChatID()
	go func() {
		defer close(out)
		defer resp.Body.Close()

		err := sseLines(resp.Body, func(data string) (bool, error) {
			var gr geminiResponse
			if err := json.Unmarshal([]byte(data), &gr); err != nil {
				return false, err
			}
			if len(gr.Candidates) == 0 {
				return false, nil
			}
			cand := gr.Candidates[0]
			chunk := &types.ChatCompletionChunk{
				ID: id, Object: "chat.completion.chunk", Created: time.Now().Unix(), Model: model,
				Choices: []types.ChunkChoice{{
					Index:        0,
					Delta:        types.Delta{Content: candidateText(cand)},
					FinishReason: geminiFinishReason(cand.FinishReason),
				}},
			}
			select {
			case out <- StreamEvent{Chunk: chunk}:
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

func readGeminiError(body io.Reader) string {
	data, _ := io.ReadAll(body)
	var env geminiErrorEnvelope
	if err := json.Unmarshal(data, &env); err == nil && env.Error.Message != "" {
		return env.Error.Message
	}
	return strings.TrimSpace(string(data))
}
