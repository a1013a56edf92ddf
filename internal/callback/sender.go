package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/scam-honeypot/internal/domain"
)

// IdempotencyHeader carries a key that is stable across retries of the
// same session's report.
const IdempotencyHeader = "Idempotency-Key"

var (
	errNoCallbackURL    = errors.New("callback url not configured")
	errUnexpectedStatus = errors.New("unexpected callback status")
	reportNamespace     = uuid.MustParse("6f1c9a52-3c1e-4b8e-9a57-0d0c4b7e2a91")
)

// Sender delivers a final report to the collector.
type Sender interface {
	Send(ctx context.Context, report domain.Report) error
}

// HTTPSender posts reports as JSON.
type HTTPSender struct {
	url    string
	client *http.Client
}

// NewHTTPSender creates a sender for url with a per-request timeout.
func NewHTTPSender(url string, timeout time.Duration) *HTTPSender {
	return &HTTPSender{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// IdempotencyKey derives the deterministic delivery key for a session.
func IdempotencyKey(sessionID string) string {
	return uuid.NewSHA1(reportNamespace, []byte(sessionID)).String()
}

// Send implements Sender. Any status other than 200, 201 or 202 is an error.
func (s *HTTPSender) Send(ctx context.Context, report domain.Report) error {
	if s.url == "" {
		return errNoCallbackURL
	}

	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(IdempotencyHeader, IdempotencyKey(report.SessionID))

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("callback request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return fmt.Errorf("%w %d: %s", errUnexpectedStatus, resp.StatusCode, bytes.TrimSpace(snippet))
	}
}
