package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/scam-honeypot/internal/domain"
	"github.com/ashureev/scam-honeypot/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	maxBusyRetries = 3
	baseBusyDelay  = 100 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.Mutex // Serializes writes to prevent SQLITE_BUSY
	logger *slog.Logger
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, logger: logger}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		last_message_at INTEGER NOT NULL,
		generation INTEGER NOT NULL,
		detection INTEGER NOT NULL DEFAULT 0,
		confidence REAL NOT NULL DEFAULT 0,
		history_json TEXT NOT NULL,
		intelligence_json TEXT NOT NULL,
		notes_json TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// SaveSession creates or replaces the snapshot of a session.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess domain.Session) error {
	history, err := json.Marshal(sess.History)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	intel, err := json.Marshal(encodeIntelligence(sess.Intelligence))
	if err != nil {
		return fmt.Errorf("encode intelligence: %w", err)
	}
	notes, err := json.Marshal(sess.Notes)
	if err != nil {
		return fmt.Errorf("encode notes: %w", err)
	}

	query := `
	INSERT INTO sessions (
		session_id, created_at, last_message_at, generation, detection,
		confidence, history_json, intelligence_json, notes_json, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		created_at = excluded.created_at,
		last_message_at = excluded.last_message_at,
		generation = excluded.generation,
		detection = excluded.detection,
		confidence = excluded.confidence,
		history_json = excluded.history_json,
		intelligence_json = excluded.intelligence_json,
		notes_json = excluded.notes_json,
		updated_at = excluded.updated_at
	WHERE excluded.created_at <> sessions.created_at
		OR excluded.generation >= sessions.generation`

	return s.withBusyRetry(ctx, "save session", sess.ID, func() error {
		_, err := s.db.ExecContext(ctx, query,
			sess.ID, sess.CreatedAt.UnixMilli(), sess.LastMessageAt.UnixMilli(),
			int64(sess.Generation), int(sess.Detection), sess.Confidence,
			string(history), string(intel), string(notes), time.Now().UnixMilli(),
		)
		return err
	})
}

// DeleteSession removes a session's snapshot.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	return s.withBusyRetry(ctx, "delete session", sessionID, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
		return err
	})
}

// LoadSessions returns every stored snapshot ordered by creation time.
func (s *SQLiteStore) LoadSessions(ctx context.Context) ([]domain.Session, error) {
	query := `
		SELECT session_id, created_at, last_message_at, generation, detection,
		       confidence, history_json, intelligence_json, notes_json
		FROM sessions ORDER BY created_at, session_id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var sessions []domain.Session
	for rows.Next() {
		var sess domain.Session
		var createdAt, lastMessageAt, generation int64
		var detection int
		var historyJSON, intelJSON, notesJSON string

		if err := rows.Scan(
			&sess.ID, &createdAt, &lastMessageAt, &generation, &detection,
			&sess.Confidence, &historyJSON, &intelJSON, &notesJSON,
		); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}

		if err := json.Unmarshal([]byte(historyJSON), &sess.History); err != nil {
			return nil, fmt.Errorf("decode history for %s: %w", sess.ID, err)
		}
		var intel map[domain.Category][]string
		if err := json.Unmarshal([]byte(intelJSON), &intel); err != nil {
			return nil, fmt.Errorf("decode intelligence for %s: %w", sess.ID, err)
		}
		if err := json.Unmarshal([]byte(notesJSON), &sess.Notes); err != nil {
			return nil, fmt.Errorf("decode notes for %s: %w", sess.ID, err)
		}

		sess.CreatedAt = time.UnixMilli(createdAt)
		sess.LastMessageAt = time.UnixMilli(lastMessageAt)
		sess.Generation = uint64(generation)
		sess.Detection = domain.Detection(detection)
		sess.Intelligence = domain.NewIntelligence(intel)
		sess.TotalMessages = len(sess.History)
		sessions = append(sessions, sess)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}

	return sessions, nil
}

// PruneBefore removes snapshots last written before t.
func (s *SQLiteStore) PruneBefore(ctx context.Context, t time.Time) (int64, error) {
	var affected int64
	err := s.withBusyRetry(ctx, "prune sessions", "", func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, t.UnixMilli())
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	return affected, err
}

// withBusyRetry runs fn under the write lock, retrying with exponential
// backoff while SQLite reports a locked database.
func (s *SQLiteStore) withBusyRetry(ctx context.Context, op, sessionID string, fn func() error) error {
	for i := 0; i < maxBusyRetries; i++ {
		s.mu.Lock()
		err := fn()
		s.mu.Unlock()
		if err == nil {
			return nil
		}

		if shared.IsSQLiteConflictError(err) && i < maxBusyRetries-1 {
			delay := baseBusyDelay * time.Duration(1<<i) // 100ms, 200ms, 400ms
			s.logger.Debug("SQLite busy, retrying",
				"op", op,
				"session_id", sessionID,
				"attempt", i+1,
				"delay", delay)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return fmt.Errorf("%s: %w", op, ctx.Err())
			}
		}

		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func encodeIntelligence(in domain.Intelligence) map[domain.Category][]string {
	out := make(map[domain.Category][]string, len(in))
	for c := range in {
		if in.Len(c) > 0 {
			out[c] = in.Values(c)
		}
	}
	return out
}
