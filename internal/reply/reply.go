// Package reply produces the honeypot's side of the conversation.
package reply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/scam-honeypot/internal/domain"
)

// DefaultTimeout bounds a single reply generation.
const DefaultTimeout = 8 * time.Second

var errEmptyReply = errors.New("generator returned an empty reply")

// Generator produces the next reply given the prior history and the new
// inbound message.
type Generator interface {
	Generate(ctx context.Context, history []domain.Turn, msg domain.Turn) (string, error)
}

// Guarded bounds a primary generator with a timeout and falls back to a
// second generator when it fails. The fallback must not fail.
type Guarded struct {
	primary  Generator
	fallback Generator
	timeout  time.Duration
	logger   *slog.Logger
}

// NewGuarded creates a guarded generator. A non-positive timeout uses
// DefaultTimeout.
func NewGuarded(primary, fallback Generator, timeout time.Duration, logger *slog.Logger) *Guarded {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Guarded{primary: primary, fallback: fallback, timeout: timeout, logger: logger}
}

// Generate implements Generator.
func (g *Guarded) Generate(ctx context.Context, history []domain.Turn, msg domain.Turn) (string, error) {
	if g.primary != nil {
		text, err := g.generate(ctx, history, msg)
		if err == nil {
			return text, nil
		}
		g.logger.Warn("Reply generation failed, using fallback", "error", err)
	}
	return g.fallback.Generate(ctx, history, msg)
}

func (g *Guarded) generate(ctx context.Context, history []domain.Turn, msg domain.Turn) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	text, err := g.primary.Generate(ctx, history, msg)
	if err != nil {
		return "", fmt.Errorf("primary generator: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errEmptyReply
	}
	return text, nil
}
