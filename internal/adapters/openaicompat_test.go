package adapters

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aimi9933/llmgateway/internal/types"
)

func TestOpenAICompatCallPassesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req types.ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o", req.Model)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(types.ChatResponse{
			ID: "chatcmpl-abc123", Object: "chat.completion", Model: "gpt-4o",
			Choices: []types.Choice{{Index: 0, Message: &types.Message{Role: "assistant", Content: "hi"}, FinishReason: types.FinishReasonPtr(types.FinishStop)}},
		})
	}))
	defer srv.Close()

	a := newOpenAICompat(Config{BaseURL: srv.URL, APIKey: "sk-test", Timeout: 5 * time.Second})
	resp, err := a.Call(context.Background(), &types.ChatRequest{Messages: []types.Message{{Role: "user", Content: "hi"}}}, "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "chatcmpl-abc123", resp.ID)
	assert.Equal(t, "hi", resp.Choices[0].Message.Content)
}

func TestOpenAICompatCallNon2xxBecomesProviderFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()

	a := newOpenAICompat(Config{BaseURL: srv.URL, APIKey: "sk-test", Timeout: 5 * time.Second})
	_, err := a.Call(context.Background(), &types.ChatRequest{Messages: []types.Message{{Role: "user", Content: "hi"}}}, "gpt-4o")
	require.Error(t, err)
	assert.Equal(t, types.ErrProvider, types.CodeOf(err))
	assert.Equal(t, http.StatusTooManyRequests, types.StatusCode(err))
	assert.False(t, types.IsRetryable(err))
}

func TestOpenAICompatStreamConsumesSSEAndStopsAtDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`{"id":"chatcmpl-1","model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant"}}]}`,
			`{"id":"chatcmpl-1","model":"gpt-4o","choices":[{"index":0,"delta":{"content":"hi"}}]}`,
		}
		for _, c := range chunks {
			io.WriteString(w, "data: "+c+"\n\n")
			flusher.Flush()
		}
		io.WriteString(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer srv.Close()

	a := newOpenAICompat(Config{BaseURL: srv.URL, APIKey: "sk-test", Timeout: 5 * time.Second})
	events, err := a.Stream(context.Background(), &types.ChatRequest{Messages: []types.Message{{Role: "user", Content: "hi"}}}, "gpt-4o")
	require.NoError(t, err)

	var got []StreamEvent
	for e := range events {
		got = append(got, e)
	}
	require.Len(t, got, 2)
	assert.Equal(t, "assistant", got[0].Chunk.Choices[0].Delta.Role)
	assert.Equal(t, "hi", got[1].Chunk.Choices[0].Delta.Content)
}
