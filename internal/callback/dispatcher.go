// Package callback delivers each session's final report exactly once.
package callback

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ashureev/scam-honeypot/internal/domain"
)

// Defaults for delivery retries.
const (
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 2 * time.Second
	DefaultMaxBackoff     = 10 * time.Second
)

// Outcome is the result of a Deliver call.
type Outcome int

const (
	// OutcomeAlreadyReported means another caller won the report.
	OutcomeAlreadyReported Outcome = iota
	// OutcomeDelivered means the collector accepted the report.
	OutcomeDelivered
	// OutcomeAbandoned means every attempt failed; the session was evicted anyway.
	OutcomeAbandoned
)

// String returns the log name of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeAbandoned:
		return "abandoned"
	default:
		return "already_reported"
	}
}

// Store is the subset of the session store the dispatcher needs.
type Store interface {
	MarkReported(id string) (domain.Session, bool)
	Evict(id string) bool
}

// ReportedFunc observes a session after its report was attempted and it
// was evicted.
type ReportedFunc func(s domain.Session, report domain.Report, outcome Outcome)

// Config holds the dispatcher's collaborators and retry policy.
type Config struct {
	Store          Store
	Sender         Sender
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	OnReported     ReportedFunc
	Logger         *slog.Logger
}

// Stats counts delivery outcomes since start.
type Stats struct {
	Delivered int64 `json:"delivered"`
	Abandoned int64 `json:"abandoned"`
}

// Dispatcher marks, delivers and evicts sessions.
type Dispatcher struct {
	store      Store
	sender     Sender
	attempts   int
	initial    time.Duration
	max        time.Duration
	onReported ReportedFunc
	logger     *slog.Logger

	delivered atomic.Int64
	abandoned atomic.Int64
}

// NewDispatcher creates a dispatcher, filling unset retry settings with
// the defaults.
func NewDispatcher(cfg Config) *Dispatcher {
	d := &Dispatcher{
		store:      cfg.Store,
		sender:     cfg.Sender,
		attempts:   cfg.MaxAttempts,
		initial:    cfg.InitialBackoff,
		max:        cfg.MaxBackoff,
		onReported: cfg.OnReported,
		logger:     cfg.Logger,
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.attempts <= 0 {
		d.attempts = DefaultMaxAttempts
	}
	if d.initial <= 0 {
		d.initial = DefaultInitialBackoff
	}
	if d.max <= 0 {
		d.max = DefaultMaxBackoff
	}
	return d
}

// Deliver reports the session if no one else has. The report is built from
// the state captured when the session was marked, then sent with bounded
// retries. The session is evicted whether or not delivery succeeded.
func (d *Dispatcher) Deliver(ctx context.Context, sessionID string, reason domain.CompletionReason) Outcome {
	snap, ok := d.store.MarkReported(sessionID)
	if !ok {
		return OutcomeAlreadyReported
	}

	report := BuildReport(snap)
	logger := d.logger.With(
		"session_id", sessionID,
		"reason", reason,
		"deadline_reason", snap.DeadlineReason,
		"total_messages", snap.TotalMessages,
		"scam_detected", report.ScamDetected)

	outcome := OutcomeDelivered
	if err := d.send(ctx, report, logger); err != nil {
		outcome = OutcomeAbandoned
		d.abandoned.Add(1)
		logger.Error("Report delivery abandoned", "attempts", d.attempts, "error", err)
	} else {
		d.delivered.Add(1)
		logger.Info("Report delivered")
	}

	d.store.Evict(sessionID)
	if d.onReported != nil {
		d.onReported(snap, report, outcome)
	}
	return outcome
}

func (d *Dispatcher) send(ctx context.Context, report domain.Report, logger *slog.Logger) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = d.initial
	exp.MaxInterval = d.max
	exp.MaxElapsedTime = 0

	attempt := 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(d.attempts-1)), ctx)
	return backoff.RetryNotify(func() error {
		attempt++
		err := d.sender.Send(ctx, report)
		if errors.Is(err, errNoCallbackURL) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		logger.Warn("Report delivery failed, retrying", "attempt", attempt, "retry_in", wait, "error", err)
	})
}

// Stats returns the delivery counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Delivered: d.delivered.Load(),
		Abandoned: d.abandoned.Load(),
	}
}
