// Package session provides the authoritative in-memory table of session state.
package session

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ashureev/scam-honeypot/internal/domain"
	"github.com/ashureev/scam-honeypot/internal/verdict"
)

// maxNotes bounds the classifier notes kept per session.
const maxNotes = 32

// DeadlinePolicy computes a session's next deadline.
type DeadlinePolicy interface {
	Deadline(s *domain.Session) (time.Time, domain.DeadlineReason)
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for timestamps and deadlines.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

type entry struct {
	mu      sync.Mutex
	state   domain.Session
	evicted bool
}

// Store owns all mutation of session data. The map lock only guards lookup
// and insertion; each session is serialized by its own entry lock so
// unrelated sessions never contend.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	policy  DeadlinePolicy
	now     func() time.Time
	logger  *slog.Logger
}

// NewStore creates an empty store that recomputes deadlines with policy.
func NewStore(policy DeadlinePolicy, opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]*entry),
		policy:  policy,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) lookup(id string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[id]
}

func (s *Store) getOrCreate(id string) *entry {
	if e := s.lookup(id); e != nil {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		return e
	}

	now := s.now()
	e := &entry{state: domain.Session{
		ID:            id,
		CreatedAt:     now,
		LastMessageAt: now,
		Intelligence:  domain.Intelligence{},
	}}
	e.refresh(s.policy)
	s.entries[id] = e
	s.logger.Info("Session created", "session_id", id)
	return e
}

// refresh recomputes the deadline. Callers hold e.mu.
func (e *entry) refresh(policy DeadlinePolicy) {
	if policy == nil {
		return
	}
	e.state.Deadline, e.state.DeadlineReason = policy.Deadline(&e.state)
}

// lockedCreate runs fn with the entry lock held, retrying against a fresh entry if
// the one found was evicted concurrently.
func (s *Store) lockedCreate(id string, fn func(e *entry)) {
	for {
		e := s.getOrCreate(id)
		e.mu.Lock()
		if e.evicted {
			e.mu.Unlock()
			continue
		}
		fn(e)
		e.mu.Unlock()
		return
	}
}

// GetOrCreate returns a snapshot of the session, creating it if needed.
func (s *Store) GetOrCreate(id string) domain.Session {
	var snap domain.Session
	s.lockedCreate(id, func(e *entry) {
		snap = e.state.Clone()
	})
	return snap
}

// Get returns a snapshot of the session if it exists.
func (s *Store) Get(id string) (domain.Session, bool) {
	e := s.lookup(id)
	if e == nil {
		return domain.Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted {
		return domain.Session{}, false
	}
	return e.state.Clone(), true
}

// Generation returns the session's current analysis generation.
func (s *Store) Generation(id string) (uint64, bool) {
	e := s.lookup(id)
	if e == nil {
		return 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted {
		return 0, false
	}
	return e.state.Generation, true
}

// AppendMessage records an inbound turn and starts a new analysis generation.
// When the session is new and seed is non-empty, the transcript is seeded
// with the caller's prior history first.
func (s *Store) AppendMessage(id string, turn domain.Turn, seed []domain.Turn) domain.Session {
	var snap domain.Session
	s.lockedCreate(id, func(e *entry) {
		now := s.now()
		if turn.Timestamp.IsZero() {
			turn.Timestamp = now
		}
		if len(e.state.History) == 0 && len(seed) > 0 {
			e.state.History = slices.Clone(seed)
		}
		e.state.History = append(e.state.History, turn)
		e.state.TotalMessages = len(e.state.History)
		e.state.LastMessageAt = now
		e.state.Generation++
		e.refresh(s.policy)
		snap = e.state.Clone()
	})
	return snap
}

// MergeIntelligence unions partial into the session when generation is still
// current. It returns false, changing nothing, for a stale generation or a
// session that is gone or already reported.
func (s *Store) MergeIntelligence(id string, generation uint64, partial domain.Intelligence) bool {
	_, ok := s.commit(id, generation, func(st *domain.Session) {
		st.Intelligence.Merge(partial)
	})
	return ok
}

// ApplyVerdict commits an aggregated verdict for generation. An undecided
// verdict still contributes its intelligence and notes but leaves the
// detection state untouched.
func (s *Store) ApplyVerdict(id string, generation uint64, v verdict.Verdict) (domain.Session, bool) {
	return s.commit(id, generation, func(st *domain.Session) {
		st.Intelligence.Merge(v.Intelligence)
		if v.Decided {
			if v.ScamDetected {
				st.Detection = domain.DetectionScam
			} else {
				st.Detection = domain.DetectionNotScam
			}
			st.Confidence = v.Confidence
		}
		for _, note := range v.Notes {
			if len(st.Notes) >= maxNotes {
				break
			}
			if !slices.Contains(st.Notes, note) {
				st.Notes = append(st.Notes, note)
			}
		}
	})
}

func (s *Store) commit(id string, generation uint64, apply func(*domain.Session)) (domain.Session, bool) {
	e := s.lookup(id)
	if e == nil {
		return domain.Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted || e.state.Reported || e.state.Generation != generation {
		return domain.Session{}, false
	}
	if e.state.Intelligence == nil {
		e.state.Intelligence = domain.Intelligence{}
	}
	apply(&e.state)
	e.refresh(s.policy)
	return e.state.Clone(), true
}

// MarkReported sets the reported flag. It returns true, with the snapshot
// the final report must be built from, only for the first caller.
func (s *Store) MarkReported(id string) (domain.Session, bool) {
	e := s.lookup(id)
	if e == nil {
		return domain.Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted || e.state.Reported {
		return domain.Session{}, false
	}
	e.state.Reported = true
	return e.state.Clone(), true
}

// Evict removes a reported session. Unreported sessions are never evicted.
func (s *Store) Evict(id string) bool {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	e.mu.Lock()
	if !e.state.Reported {
		e.mu.Unlock()
		s.mu.Unlock()
		s.logger.Warn("Refusing to evict unreported session", "session_id", id)
		return false
	}
	e.evicted = true
	e.mu.Unlock()
	delete(s.entries, id)
	s.mu.Unlock()

	s.logger.Info("Session evicted", "session_id", id)
	return true
}

// Expired returns the sorted identifiers of unreported sessions whose
// deadline is at or before now.
func (s *Store) Expired(now time.Time) []string {
	s.mu.RLock()
	candidates := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		candidates = append(candidates, e)
	}
	s.mu.RUnlock()

	var ids []string
	for _, e := range candidates {
		e.mu.Lock()
		if !e.evicted && !e.state.Reported && !e.state.Deadline.After(now) {
			ids = append(ids, e.state.ID)
		}
		e.mu.Unlock()
	}
	slices.Sort(ids)
	return ids
}

// Restore inserts previously persisted sessions that are not already present.
// Restored sessions are never marked reported so they still get a report.
func (s *Store) Restore(sessions []domain.Session) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	restored := 0
	for _, st := range sessions {
		if _, exists := s.entries[st.ID]; exists || st.Reported {
			continue
		}
		e := &entry{state: st.Clone()}
		if e.state.Intelligence == nil {
			e.state.Intelligence = domain.Intelligence{}
		}
		e.state.TotalMessages = len(e.state.History)
		e.refresh(s.policy)
		s.entries[st.ID] = e
		restored++
	}
	return restored
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
