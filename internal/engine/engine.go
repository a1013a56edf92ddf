// Package engine wires inbound messages through the session store, the
// analysis supervisor, the deadline scanner and the callback dispatcher.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/scam-honeypot/internal/callback"
	"github.com/ashureev/scam-honeypot/internal/domain"
	"github.com/ashureev/scam-honeypot/internal/events"
	"github.com/ashureev/scam-honeypot/internal/reply"
	"github.com/ashureev/scam-honeypot/internal/session"
	"github.com/ashureev/scam-honeypot/internal/supervisor"
	"github.com/ashureev/scam-honeypot/internal/timing"
	"github.com/ashureev/scam-honeypot/internal/verdict"
)

var (
	// ErrMissingSessionID is returned for a message without a session identifier.
	ErrMissingSessionID = errors.New("sessionId is required")
	// ErrEmptyMessage is returned for a message without text.
	ErrEmptyMessage = errors.New("message text is required")
)

// Persister records session snapshots for crash recovery. Delete receives
// the reported snapshot; later Saves for that incarnation must not bring the
// row back.
type Persister interface {
	Save(s domain.Session)
	Delete(s domain.Session)
}

// Publisher receives session lifecycle events.
type Publisher interface {
	Publish(e events.Event)
}

// Inbound is one message received from the counterpart.
type Inbound struct {
	SessionID string
	Message   domain.Turn
	// History is the caller's view of the conversation so far. It only
	// seeds a session the engine has not seen.
	History  []domain.Turn
	Metadata map[string]any
}

// Config holds the engine's collaborators and timing settings.
type Config struct {
	Policy       timing.Policy
	ScanInterval time.Duration
	GraceWindow  time.Duration
	// AnalysisWorkers caps concurrent classifier fan-outs; zero means no cap.
	AnalysisWorkers int

	Analyzer supervisor.Analyzer
	Replies  reply.Generator
	Sender   callback.Sender

	CallbackAttempts       int
	CallbackInitialBackoff time.Duration
	CallbackMaxBackoff     time.Duration

	Persister Persister
	Publisher Publisher
	Logger    *slog.Logger

	// Clock overrides the session store's time source.
	Clock func() time.Time
}

// Stats is a point-in-time summary of engine activity.
type Stats struct {
	ActiveSessions int   `json:"activeSessions"`
	InFlightTasks  int   `json:"inFlightTasks"`
	Delivered      int64 `json:"reportsDelivered"`
	Abandoned      int64 `json:"reportsAbandoned"`
}

// Engine is the session orchestration core.
type Engine struct {
	sessions   *session.Store
	supervisor *supervisor.Supervisor
	dispatcher *callback.Dispatcher
	scanner    *timing.Scanner
	replies    reply.Generator
	persister  Persister
	publisher  Publisher
	logger     *slog.Logger
}

// New builds an engine. Call Start to begin deadline scanning and Stop to
// shut it down.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		replies:   cfg.Replies,
		persister: cfg.Persister,
		publisher: cfg.Publisher,
		logger:    logger,
	}
	if e.replies == nil {
		e.replies = reply.NewPersona()
	}
	if e.persister == nil {
		e.persister = nopPersister{}
	}
	if e.publisher == nil {
		e.publisher = nopPublisher{}
	}

	opts := []session.Option{session.WithLogger(logger)}
	if cfg.Clock != nil {
		opts = append(opts, session.WithClock(cfg.Clock))
	}
	e.sessions = session.NewStore(cfg.Policy, opts...)

	e.dispatcher = callback.NewDispatcher(callback.Config{
		Store:          e.sessions,
		Sender:         cfg.Sender,
		MaxAttempts:    cfg.CallbackAttempts,
		InitialBackoff: cfg.CallbackInitialBackoff,
		MaxBackoff:     cfg.CallbackMaxBackoff,
		OnReported:     e.onReported,
		Logger:         logger,
	})

	e.supervisor = supervisor.New(supervisor.Config{
		Store:       e.sessions,
		Analyzer:    cfg.Analyzer,
		Complete:    e.Complete,
		OnCommit:    e.onCommit,
		GraceWindow: cfg.GraceWindow,
		Workers:     cfg.AnalysisWorkers,
		Logger:      logger,
	})

	e.scanner = timing.NewScanner(e.sessions, cfg.ScanInterval, func(ctx context.Context, id string) {
		e.Complete(context.WithoutCancel(ctx), id, domain.ReasonTimeout)
	}, logger)

	return e
}

// Start begins periodic deadline scanning until ctx is done or Stop is called.
func (e *Engine) Start(ctx context.Context) {
	e.scanner.Start(ctx)
}

// Stop cancels analysis and waits for background work started by the
// scanner to finish. The scanner itself stops with the context given to Start.
func (e *Engine) Stop() {
	e.supervisor.Stop()
	e.scanner.Wait()
}

// Restore loads persisted sessions into the store. They are not analyzed
// again; the scanner reports them once their deadline passes.
func (e *Engine) Restore(sessions []domain.Session) int {
	n := e.sessions.Restore(sessions)
	if n > 0 {
		e.logger.Info("Restored sessions", "count", n)
	}
	return n
}

// HandleMessage records an inbound message, returns the reply and restarts
// analysis for the session. It never waits on analysis.
func (e *Engine) HandleMessage(ctx context.Context, in Inbound) (string, error) {
	if strings.TrimSpace(in.SessionID) == "" {
		return "", ErrMissingSessionID
	}
	if strings.TrimSpace(in.Message.Text) == "" {
		return "", ErrEmptyMessage
	}

	snap := e.sessions.AppendMessage(in.SessionID, in.Message, in.History)
	e.persister.Save(snap)
	e.publisher.Publish(events.Event{
		Type:      events.TypeMessageReceived,
		SessionID: snap.ID,
		Data: map[string]any{
			"generation":    snap.Generation,
			"totalMessages": snap.TotalMessages,
			"sender":        in.Message.Sender,
		},
	})

	text, err := e.replies.Generate(ctx, snap.History[:len(snap.History)-1], in.Message)

	// The generation moved on, so the message is analyzed even without a reply.
	if snap.Reported {
		e.logger.Debug("Message for reported session, analysis skipped", "session_id", snap.ID)
	} else {
		e.supervisor.Schedule(snap)
	}

	if err != nil {
		return "", fmt.Errorf("generate reply: %w", err)
	}
	return text, nil
}

// Complete reports and evicts a session. Concurrent and repeated calls are
// safe; only the first one delivers.
func (e *Engine) Complete(ctx context.Context, sessionID string, reason domain.CompletionReason) {
	outcome := e.dispatcher.Deliver(ctx, sessionID, reason)
	if outcome == callback.OutcomeAlreadyReported {
		e.logger.Debug("Completion skipped, already reported", "session_id", sessionID, "reason", reason)
	}
}

// Session returns a snapshot of a live session.
func (e *Engine) Session(id string) (domain.Session, bool) {
	return e.sessions.Get(id)
}

// Stats returns current activity counters.
func (e *Engine) Stats() Stats {
	ds := e.dispatcher.Stats()
	return Stats{
		ActiveSessions: e.sessions.Len(),
		InFlightTasks:  e.supervisor.InFlight(),
		Delivered:      ds.Delivered,
		Abandoned:      ds.Abandoned,
	}
}

func (e *Engine) onCommit(s domain.Session, v verdict.Verdict) {
	e.persister.Save(s)
	e.publisher.Publish(events.Event{
		Type:      events.TypeVerdictCommitted,
		SessionID: s.ID,
		Data: map[string]any{
			"generation":   s.Generation,
			"decided":      v.Decided,
			"scamDetected": v.ScamDetected,
			"confidence":   v.Confidence,
			"detection":    s.Detection.String(),
			"hasEvidence":  verdict.HasEvidence(s.Intelligence),
		},
	})
}

func (e *Engine) onReported(s domain.Session, report domain.Report, outcome callback.Outcome) {
	e.supervisor.Forget(s)
	e.persister.Delete(s)
	e.publisher.Publish(events.Event{
		Type:      events.TypeSessionReported,
		SessionID: s.ID,
		Data: map[string]any{
			"outcome": outcome.String(),
			"report":  report,
		},
	})
}

type nopPersister struct{}

func (nopPersister) Save(domain.Session)   {}
func (nopPersister) Delete(domain.Session) {}

type nopPublisher struct{}

func (nopPublisher) Publish(events.Event) {}
