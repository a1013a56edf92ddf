// Package store persists session snapshots for crash recovery.
package store

import (
	"context"
	"time"

	"github.com/ashureev/scam-honeypot/internal/domain"
)

// Repository defines the interface for persisting session snapshots.
type Repository interface {
	// SaveSession creates or replaces the snapshot of a session.
	SaveSession(ctx context.Context, s domain.Session) error

	// DeleteSession removes a session's snapshot. Deleting a missing
	// session is not an error.
	DeleteSession(ctx context.Context, sessionID string) error

	// LoadSessions returns every stored snapshot ordered by creation time.
	LoadSessions(ctx context.Context) ([]domain.Session, error)

	// PruneBefore removes snapshots last written before t.
	PruneBefore(ctx context.Context, t time.Time) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
