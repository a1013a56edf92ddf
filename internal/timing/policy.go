// Package timing computes per-session deadlines and sweeps for expired sessions.
package timing

import (
	"time"

	"github.com/ashureev/scam-honeypot/internal/domain"
)

// Policy holds the timeouts that bound a session's lifetime.
type Policy struct {
	// ShortInactivity applies while the transcript holds a single turn.
	ShortInactivity time.Duration
	// LongInactivity applies once a back-and-forth has started.
	LongInactivity time.Duration
	// HardDeadline is measured from session creation, regardless of activity.
	HardDeadline time.Duration
}

// DefaultPolicy returns the default timeouts.
func DefaultPolicy() Policy {
	return Policy{
		ShortInactivity: 10 * time.Second,
		LongInactivity:  30 * time.Second,
		HardDeadline:    3 * time.Minute,
	}
}

// Inactivity returns the inactivity timeout for a transcript of n turns.
func (p Policy) Inactivity(totalMessages int) time.Duration {
	if totalMessages <= 1 {
		return p.ShortInactivity
	}
	return p.LongInactivity
}

// Deadline returns the earlier of the inactivity expiry and the hard deadline.
func (p Policy) Deadline(s *domain.Session) (time.Time, domain.DeadlineReason) {
	idle := s.LastMessageAt.Add(p.Inactivity(s.TotalMessages))
	if p.HardDeadline <= 0 {
		return idle, domain.DeadlineInactivity
	}
	hard := s.CreatedAt.Add(p.HardDeadline)
	if !hard.After(idle) {
		return hard, domain.DeadlineHard
	}
	return idle, domain.DeadlineInactivity
}
