package handlers

import "net/http"

// HandlePing serves GET /ping: a liveness probe that only confirms the
// process is accepting connections, independent of provider health.
func HandlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
