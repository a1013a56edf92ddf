package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/scam-honeypot/internal/domain"
	"github.com/ashureev/scam-honeypot/internal/engine"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

const defaultMaxRequestBodySize = 1 << 20 // 1MB

// MessageRequest is the inbound body of POST /honeypot/message.
type MessageRequest struct {
	SessionID           string         `json:"sessionId"`
	Message             WireMessage    `json:"message"`
	ConversationHistory []WireMessage  `json:"conversationHistory"`
	Metadata            map[string]any `json:"metadata,omitempty"`
}

// WireMessage is one conversation turn as sent by the caller. Timestamps
// arrive as RFC 3339 strings or as epoch seconds or milliseconds.
type WireMessage struct {
	Sender    string          `json:"sender"`
	Text      string          `json:"text"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

// MessageResponse is returned for every accepted message.
type MessageResponse struct {
	Status string `json:"status"`
	Reply  string `json:"reply"`
}

// HoneypotHandler serves the conversation endpoint.
type HoneypotHandler struct {
	engine  Engine
	limiter *RateLimiter
	logger  *slog.Logger
	now     func() time.Time
}

// NewHoneypotHandler creates the conversation handler. A nil limiter
// disables rate limiting.
func NewHoneypotHandler(e Engine, limiter *RateLimiter, logger *slog.Logger) *HoneypotHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HoneypotHandler{
		engine:  e,
		limiter: limiter,
		logger:  logger,
		now:     time.Now,
	}
}

// RegisterRoutes registers the conversation route behind the given
// middleware.
func (h *HoneypotHandler) RegisterRoutes(r chi.Router, middlewares ...func(http.Handler) http.Handler) {
	r.With(middlewares...).Post("/honeypot/message", h.HandleMessage)
}

// HandleMessage handles POST /honeypot/message requests.
func (h *HoneypotHandler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, defaultMaxRequestBodySize)

	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID != "" && h.limiter != nil && !h.limiter.Allow(sessionID) {
		h.logger.Warn("Rate limit exceeded", "session_id", sessionID)
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	received := h.now()
	in := engine.Inbound{
		SessionID: sessionID,
		Message:   req.Message.turn(received),
		History:   make([]domain.Turn, 0, len(req.ConversationHistory)),
		Metadata:  req.Metadata,
	}
	for _, m := range req.ConversationHistory {
		if strings.TrimSpace(m.Text) == "" {
			continue
		}
		in.History = append(in.History, m.turn(time.Time{}))
	}

	text, err := h.engine.HandleMessage(r.Context(), in)
	if err != nil {
		if errors.Is(err, engine.ErrMissingSessionID) || errors.Is(err, engine.ErrEmptyMessage) {
			Error(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("Failed to handle message",
			"session_id", sessionID,
			"request_id", chiMiddleware.GetReqID(r.Context()),
			"error", err,
		)
		Error(w, http.StatusInternalServerError, "failed to process message")
		return
	}

	JSON(w, http.StatusOK, MessageResponse{Status: "success", Reply: text})
}

func (m WireMessage) turn(fallback time.Time) domain.Turn {
	ts, ok := parseTimestamp(m.Timestamp)
	if !ok {
		ts = fallback
	}
	return domain.Turn{
		Sender:    strings.TrimSpace(m.Sender),
		Text:      m.Text,
		Timestamp: ts,
	}
}

// parseTimestamp accepts RFC 3339 strings and epoch numbers. Values above
// 1e12 are taken as milliseconds.
func parseTimestamp(raw json.RawMessage) (time.Time, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, false
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		s = string(raw)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}

	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), true
	}

	n, err := strconv.ParseFloat(s, 64)
	if err != nil || n <= 0 {
		return time.Time{}, false
	}
	if n > 1e12 {
		return time.UnixMilli(int64(n)).UTC(), true
	}
	sec := int64(n)
	return time.Unix(sec, int64((n-float64(sec))*1e9)).UTC(), true
}
