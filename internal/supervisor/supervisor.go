// Package supervisor runs at most one analysis task per session and makes
// sure only the task for the latest generation can commit.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ashureev/scam-honeypot/internal/domain"
	"github.com/ashureev/scam-honeypot/internal/verdict"
)

// DefaultGraceWindow is how long a first-message session waits for a
// follow-up before analysis starts.
const DefaultGraceWindow = 2 * time.Second

// Store is the subset of the session store used by analysis tasks.
type Store interface {
	Generation(id string) (uint64, bool)
	ApplyVerdict(id string, generation uint64, v verdict.Verdict) (domain.Session, bool)
}

// Analyzer consults the classifiers for a transcript.
type Analyzer interface {
	Analyze(ctx context.Context, transcript []domain.Turn) []domain.ClassifierOutput
}

// CompleteFunc hands a session to the completion path.
type CompleteFunc func(ctx context.Context, sessionID string, reason domain.CompletionReason)

// CommitFunc observes every committed verdict.
type CommitFunc func(s domain.Session, v verdict.Verdict)

// Config holds the supervisor's collaborators.
type Config struct {
	Store       Store
	Analyzer    Analyzer
	Complete    CompleteFunc
	OnCommit    CommitFunc
	GraceWindow time.Duration
	// Workers caps concurrent classifier fan-outs. Tasks over the cap queue
	// after their grace wait. Zero or less means no cap.
	Workers int
	Logger  *slog.Logger
}

type incarnation struct {
	createdAt  time.Time
	generation uint64
}

type task struct {
	incarnation
	cancel context.CancelFunc
	grace  bool

	// waiting is set while the task sits in its grace window.
	waiting atomic.Bool
}

// Supervisor owns the analysis task of every live session.
type Supervisor struct {
	store    Store
	analyzer Analyzer
	complete CompleteFunc
	onCommit CommitFunc
	grace    time.Duration
	workers  *semaphore.Weighted
	logger   *slog.Logger

	root       context.Context
	cancelRoot context.CancelFunc

	mu      sync.Mutex
	tasks   map[string]*task
	latest  map[string]incarnation
	stopped bool
	wg      sync.WaitGroup
}

// New creates a supervisor. A non-positive grace window disables the wait.
func New(cfg Config) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	grace := cfg.GraceWindow
	if grace < 0 {
		grace = 0
	}
	var workers *semaphore.Weighted
	if cfg.Workers > 0 {
		workers = semaphore.NewWeighted(int64(cfg.Workers))
	}
	root, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		store:      cfg.Store,
		analyzer:   cfg.Analyzer,
		complete:   cfg.Complete,
		onCommit:   cfg.OnCommit,
		grace:      grace,
		workers:    workers,
		logger:     logger,
		root:       root,
		cancelRoot: cancel,
		tasks:      make(map[string]*task),
		latest:     make(map[string]incarnation),
	}
}

// Schedule cancels the session's running task, if any, and starts a task
// for snap.Generation. Schedules for a generation already seen are ignored.
// A single-message session waits out the grace window first; a follow-up
// that arrives during the wait restarts it.
func (s *Supervisor) Schedule(snap domain.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || snap.Reported {
		return
	}
	if _, ok := s.store.Generation(snap.ID); !ok {
		// Reported and evicted while the caller was replying.
		return
	}
	if last, ok := s.latest[snap.ID]; ok && last.createdAt.Equal(snap.CreatedAt) && last.generation >= snap.Generation {
		return
	}
	grace := snap.TotalMessages <= 1
	if prev, ok := s.tasks[snap.ID]; ok {
		grace = grace || prev.waiting.Load()
		prev.cancel()
		s.logger.Debug("Analysis superseded",
			"session_id", snap.ID,
			"generation", prev.generation,
			"superseded_by", snap.Generation)
	}

	ctx, cancel := context.WithCancel(s.root)
	t := &task{
		incarnation: incarnation{createdAt: snap.CreatedAt, generation: snap.Generation},
		cancel:      cancel,
		grace:       grace && s.grace > 0,
	}
	t.waiting.Store(t.grace)
	s.tasks[snap.ID] = t
	s.latest[snap.ID] = t.incarnation

	s.wg.Add(1)
	go s.run(ctx, t, snap.ID, snap.History)
}

// Forget cancels and drops the bookkeeping for the incarnation of the
// session described by snap. A newer incarnation with the same identifier
// is left alone.
func (s *Supervisor) Forget(snap domain.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tasks[snap.ID]; ok && t.createdAt.Equal(snap.CreatedAt) {
		t.cancel()
		delete(s.tasks, snap.ID)
	}
	if last, ok := s.latest[snap.ID]; ok && last.createdAt.Equal(snap.CreatedAt) {
		delete(s.latest, snap.ID)
	}
}

// InFlight returns the number of running analysis tasks.
func (s *Supervisor) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Stop cancels every task and waits for them to return. Schedule is a
// no-op afterwards.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.cancelRoot()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Analysis supervisor stopped")
}

func (s *Supervisor) run(ctx context.Context, t *task, id string, transcript []domain.Turn) {
	defer s.wg.Done()
	defer func() {
		t.cancel()
		s.mu.Lock()
		if s.tasks[id] == t {
			delete(s.tasks, id)
		}
		if last, ok := s.latest[id]; ok && last.createdAt.Equal(t.createdAt) && last.generation == t.generation {
			if _, live := s.store.Generation(id); !live {
				delete(s.latest, id)
			}
		}
		s.mu.Unlock()
	}()

	logger := s.logger.With("session_id", id, "generation", t.generation)

	if t.grace {
		timer := time.NewTimer(s.grace)
		select {
		case <-timer.C:
			t.waiting.Store(false)
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
	if !s.current(id, t.generation) {
		return
	}

	start := time.Now()
	outputs, err := s.analyze(ctx, transcript)
	if err != nil {
		logger.Debug("Analysis discarded", "reason", err)
		return
	}

	v := verdict.Aggregate(outputs)
	committed, ok := s.store.ApplyVerdict(id, t.generation, v)
	if !ok {
		logger.Debug("Stale verdict dropped")
		return
	}
	logger.Info("Verdict committed",
		"decided", v.Decided,
		"scam_detected", v.ScamDetected,
		"confidence", v.Confidence,
		"outputs", v.Received,
		"duration", time.Since(start))
	if s.onCommit != nil {
		s.onCommit(committed, v)
	}

	if !verdict.HasEvidence(committed.Intelligence) || ctx.Err() != nil || !s.current(id, t.generation) {
		return
	}
	if s.complete != nil {
		// Completion outlives the task context.
		s.complete(context.WithoutCancel(ctx), id, domain.ReasonEvidence)
	}
}

// analyze runs the classifiers once a worker slot is free. A task that is
// cancelled while queued gives up its place.
func (s *Supervisor) analyze(ctx context.Context, transcript []domain.Turn) ([]domain.ClassifierOutput, error) {
	if s.workers != nil {
		if err := s.workers.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer s.workers.Release(1)
	}
	outputs := s.analyzer.Analyze(ctx, transcript)
	return outputs, ctx.Err()
}

func (s *Supervisor) current(id string, generation uint64) bool {
	g, ok := s.store.Generation(id)
	return ok && g == generation
}
