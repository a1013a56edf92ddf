// Package api provides HTTP handlers for the honeypot API.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ashureev/scam-honeypot/internal/engine"
)

// Engine is the part of the orchestration core the HTTP layer depends on.
type Engine interface {
	HandleMessage(ctx context.Context, in engine.Inbound) (string, error)
	Stats() engine.Stats
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
