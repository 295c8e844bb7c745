// Package handlers implements the gateway's north-bound HTTP surface:
// the OpenAI-compatible chat/model endpoints and the admin CRUD surface
// over providers and routes, all wired to internal/pipeline,
// internal/routing, internal/store, and internal/backup.
package handlers

import (
	"encoding/json"
	"mime"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/aimi9933/llmgateway/internal/types"
)

// Response is the envelope every admin-surface JSON response is wrapped
// in; the chat/model endpoints return their OpenAI-shaped body directly.
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// ErrorInfo is the JSON shape of a failed Response.
type ErrorInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// WriteJSON writes data as a JSON body with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes data wrapped in a successful Response envelope.
func WriteSuccess(w http.ResponseWriter, status int, data any) {
	WriteJSON(w, status, Response{Success: true, Data: data, Timestamp: time.Now().UTC()})
}

// WriteError writes err wrapped in a failed Response envelope, using its
// HTTPStatus, and logs it at error level.
func WriteError(w http.ResponseWriter, err error, logger *zap.Logger) {
	status := types.StatusCode(err)
	code := types.CodeOf(err)

	if logger != nil {
		logger.Error("request failed", zap.String("code", string(code)), zap.Int("status", status), zap.Error(err))
	}

	WriteJSON(w, status, Response{
		Success: false,
		Error: &ErrorInfo{
			Code:      string(code),
			Message:   err.Error(),
			Retryable: types.IsRetryable(err),
		},
		Timestamp: time.Now().UTC(),
	})
}

// DecodeJSONBody decodes r's body into dst, rejecting unknown fields and
// bodies over 1 MiB. On failure it writes the error response itself and
// returns a non-nil error the caller should treat as "already handled".
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, logger *zap.Logger) error {
	if r.Body == nil {
		err := types.Validation("request body is empty")
		WriteError(w, err, logger)
		return err
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		apiErr := types.Validation("invalid JSON body: %v", err)
		WriteError(w, apiErr, logger)
		return apiErr
	}
	return nil
}

// ValidateContentType reports whether r's Content-Type is application/json,
// writing the error response itself when it is not.
func ValidateContentType(w http.ResponseWriter, r *http.Request, logger *zap.Logger) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		WriteError(w, types.Validation("Content-Type must be application/json"), logger)
		return false
	}
	return true
}

// ResponseWriter wraps http.ResponseWriter to capture the status code
// written, for logging/metrics middleware.
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode int
	Written    bool
}

// NewResponseWriter builds a ResponseWriter defaulting to 200 until a
// handler explicitly writes a different status.
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{ResponseWriter: w, StatusCode: http.StatusOK}
}

func (rw *ResponseWriter) WriteHeader(code int) {
	if !rw.Written {
		rw.StatusCode = code
		rw.Written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.Written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// Flush implements http.Flusher so SSE handlers can flush through the
// wrapper transparently.
func (rw *ResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
