package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/aimi9933/llmgateway/internal/pipeline"
	"github.com/aimi9933/llmgateway/internal/types"
)

// ChatHandler serves the OpenAI-compatible /v1/chat/completions endpoint.
type ChatHandler struct {
	pipeline          *pipeline.Pipeline
	logger            *zap.Logger
	defaultTimeout    time.Duration
	defaultMaxRetries int
}

// NewChatHandler builds a ChatHandler. defaultTimeout bounds a single
// provider attempt; defaultMaxRetries bounds the pipeline's failover loop.
func NewChatHandler(p *pipeline.Pipeline, logger *zap.Logger, defaultTimeout time.Duration, defaultMaxRetries int) *ChatHandler {
	return &ChatHandler{pipeline: p, logger: logger, defaultTimeout: defaultTimeout, defaultMaxRetries: defaultMaxRetries}
}

// HandleCompletion routes req to the route named by the "model" field
// and returns either the aggregated chat.completion object or, when
// req.Stream is true, a server-sent-events stream of chunks.
func (h *ChatHandler) HandleCompletion(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req types.ChatRequest
	if DecodeJSONBody(w, r, &req, h.logger) != nil {
		return
	}

	if req.Model == "" {
		WriteError(w, types.Validation("model is required"), h.logger)
		return
	}
	if len(req.Messages) == 0 {
		WriteError(w, types.Validation("messages must not be empty"), h.logger)
		return
	}

	if req.Stream {
		h.handleStream(w, r, &req)
		return
	}

	resp, err := h.pipeline.Complete(r.Context(), &req, req.Model, h.defaultTimeout, h.defaultMaxRetries)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (h *ChatHandler) handleStream(w http.ResponseWriter, r *http.Request, req *types.ChatRequest) {
	events, err := h.pipeline.Stream(r.Context(), req, req.Model, h.defaultTimeout, h.defaultMaxRetries)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, types.Internal(errors.New("streaming unsupported by response writer")), h.logger)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		if ev.Err != nil {
			h.writeStreamError(w, flusher, ev.Err)
			return
		}
		payload, err := json.Marshal(ev.Chunk)
		if err != nil {
			h.writeStreamError(w, flusher, types.Internal(err))
			return
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return
		}
		flusher.Flush()
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (h *ChatHandler) writeStreamError(w http.ResponseWriter, flusher http.Flusher, err error) {
	var apiErr *types.Error
	if !errors.As(err, &apiErr) {
		apiErr = types.Internal(err)
	}
	payload, _ := json.Marshal(ErrorInfo{Code: string(apiErr.Code), Message: apiErr.Message, Retryable: apiErr.Retryable})
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
	flusher.Flush()
}
