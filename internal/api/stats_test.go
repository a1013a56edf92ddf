package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ashureev/scam-honeypot/internal/engine"
	"github.com/ashureev/scam-honeypot/internal/store"
	"github.com/go-chi/chi/v5"
)

type fakeQueue struct{ stats store.QueueStats }

func (f fakeQueue) Stats() store.QueueStats { return f.stats }

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestStatsHandler_Stats(t *testing.T) {
	fe := &fakeEngine{stats: engine.Stats{ActiveSessions: 3, InFlightTasks: 1, Delivered: 7, Abandoned: 2}}
	r := chi.NewRouter()
	NewStatsHandler(fe, fakeQueue{stats: store.QueueStats{Queued: 4, Dropped: 1}}, nil).RegisterRoutes(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/stats", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var got struct {
		Sessions    map[string]float64 `json:"sessions"`
		Persistence map[string]float64 `json:"persistence"`
	}
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if got.Sessions["activeSessions"] != 3 || got.Sessions["reportsDelivered"] != 7 || got.Sessions["reportsAbandoned"] != 2 {
		t.Errorf("Unexpected session stats: %v", got.Sessions)
	}
	if got.Persistence["queued"] != 4 || got.Persistence["dropped"] != 1 {
		t.Errorf("Unexpected persistence stats: %v", got.Persistence)
	}
}

func TestStatsHandler_StatsWithoutPersistence(t *testing.T) {
	w := httptest.NewRecorder()
	NewStatsHandler(&fakeEngine{}, nil, nil).Stats(w, httptest.NewRequest(http.MethodGet, "/api/stats", nil))

	var got map[string]json.RawMessage
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if _, ok := got["persistence"]; ok {
		t.Errorf("persistence should be omitted, got %s", got["persistence"])
	}
}

func TestStatsHandler_Health(t *testing.T) {
	tests := []struct {
		name   string
		db     Pinger
		status int
		want   string
	}{
		{"no database", nil, http.StatusOK, "healthy"},
		{"database ok", fakePinger{}, http.StatusOK, "healthy"},
		{"database down", fakePinger{err: errors.New("closed")}, http.StatusServiceUnavailable, "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			NewStatsHandler(&fakeEngine{}, nil, tt.db).Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))

			if w.Code != tt.status {
				t.Fatalf("Expected %d, got %d", tt.status, w.Code)
			}
			var got map[string]any
			if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if got["status"] != tt.want {
				t.Errorf("Expected status %q, got %v", tt.want, got["status"])
			}
		})
	}
}
