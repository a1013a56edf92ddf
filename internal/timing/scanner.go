package timing

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultScanInterval is how often expired sessions are swept.
const DefaultScanInterval = time.Second

// ExpiredLister returns the identifiers of unreported sessions whose deadline
// is at or before now.
type ExpiredLister interface {
	Expired(now time.Time) []string
}

// ExpireCallback is called once per expired session found by a sweep.
type ExpireCallback func(ctx context.Context, sessionID string)

// Scanner periodically sweeps the session store for expired sessions.
type Scanner struct {
	sessions ExpiredLister
	interval time.Duration
	onExpire ExpireCallback
	now      func() time.Time
	logger   *slog.Logger

	// inflight tracks sessions already handed to onExpire so a slow
	// completion is not re-triggered on the next tick.
	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup
}

// NewScanner creates a scanner. A non-positive interval uses DefaultScanInterval.
func NewScanner(sessions ExpiredLister, interval time.Duration, onExpire ExpireCallback, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultScanInterval
	}
	return &Scanner{
		sessions: sessions,
		interval: interval,
		onExpire: onExpire,
		now:      time.Now,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start runs the sweep loop in a background goroutine until ctx is done.
func (s *Scanner) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		s.logger.Info("Deadline scanner started", "interval", s.interval)

		for {
			select {
			case <-ticker.C:
				s.Sweep(ctx)
			case <-ctx.Done():
				s.logger.Info("Deadline scanner shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Wait blocks until the sweep loop and every completion it started return.
func (s *Scanner) Wait() {
	s.wg.Wait()
}

// Sweep runs a single pass and returns the number of completions started.
// Completions run concurrently so one slow delivery does not stall the sweep.
func (s *Scanner) Sweep(ctx context.Context) int {
	expired := s.sessions.Expired(s.now())
	if len(expired) == 0 {
		return 0
	}

	started := 0
	for _, id := range expired {
		s.mu.Lock()
		if _, busy := s.inflight[id]; busy {
			s.mu.Unlock()
			continue
		}
		s.inflight[id] = struct{}{}
		s.mu.Unlock()

		started++
		s.wg.Add(1)
		go func(sessionID string) {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.inflight, sessionID)
				s.mu.Unlock()
			}()
			s.onExpire(ctx, sessionID)
		}(id)
	}

	if started > 0 {
		s.logger.Info("Deadline scanner found expired sessions", "count", started)
	}
	return started
}
