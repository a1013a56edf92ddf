package classifier

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ashureev/scam-honeypot/internal/domain"
)

// DefaultTimeout bounds a single classifier call.
const DefaultTimeout = 20 * time.Second

// Council fans a transcript out to every member concurrently.
type Council struct {
	members []Classifier
	timeout time.Duration
	logger  *slog.Logger
}

// NewCouncil creates a council. A non-positive timeout uses DefaultTimeout.
func NewCouncil(members []Classifier, timeout time.Duration, logger *slog.Logger) *Council {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Council{members: members, timeout: timeout, logger: logger}
}

// Size returns the number of members.
func (c *Council) Size() int {
	return len(c.members)
}

// Analyze returns the outputs of the members that answered in time, in
// member order. A failing member is logged and left out; it never fails
// the whole council.
func (c *Council) Analyze(ctx context.Context, transcript []domain.Turn) []domain.ClassifierOutput {
	results := make([]*domain.ClassifierOutput, len(c.members))

	var g errgroup.Group
	for i, member := range c.members {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()

			start := time.Now()
			out, err := member.Analyze(callCtx, transcript)
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Warn("Classifier failed",
						"classifier", member.Name(),
						"duration", time.Since(start),
						"error", err)
				}
				return nil
			}
			if out.Source == "" {
				out.Source = member.Name()
			}
			results[i] = &out
			return nil
		})
	}
	_ = g.Wait()

	outputs := make([]domain.ClassifierOutput, 0, len(results))
	for _, r := range results {
		if r != nil {
			outputs = append(outputs, *r)
		}
	}
	return outputs
}
