package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ashureev/scam-honeypot/internal/domain"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "data", "honeypot.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleSession(id string, generation uint64) domain.Session {
	created := time.UnixMilli(1_760_000_000_000).UTC()
	return domain.Session{
		ID:            id,
		CreatedAt:     created,
		LastMessageAt: created.Add(5 * time.Second),
		History: []domain.Turn{
			{Sender: "scammer", Text: "pay to fraud@ybl", Timestamp: created},
			{Sender: "user", Text: "why?", Timestamp: created.Add(5 * time.Second)},
		},
		TotalMessages: 2,
		Generation:    generation,
		Detection:     domain.DetectionScam,
		Confidence:    0.8,
		Notes:         []string{"rules: urgency"},
		Intelligence: domain.NewIntelligence(map[domain.Category][]string{
			domain.CategoryPaymentHandles: {"fraud@ybl"},
		}),
	}
}

func TestSQLiteStore_SaveLoadDelete(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.SaveSession(ctx, sampleSession("s1", 2)))

	loaded, err := s.LoadSessions(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)

	got := loaded[0]
	require.Equal(t, "s1", got.ID)
	require.Equal(t, uint64(2), got.Generation)
	require.Equal(t, 2, got.TotalMessages)
	require.Equal(t, domain.DetectionScam, got.Detection)
	require.InDelta(t, 0.8, got.Confidence, 1e-9)
	require.True(t, got.CreatedAt.Equal(sampleSession("s1", 2).CreatedAt))
	require.True(t, got.Intelligence.Has(domain.CategoryPaymentHandles, "fraud@ybl"))
	require.Equal(t, []string{"rules: urgency"}, got.Notes)
	require.Equal(t, "why?", got.History[1].Text)

	require.NoError(t, s.DeleteSession(ctx, "s1"))
	require.NoError(t, s.DeleteSession(ctx, "s1"))
	loaded, err = s.LoadSessions(ctx)
	require.NoError(t, err)
	require.Empty(t, loaded)
}

func TestSQLiteStore_IgnoresOlderGeneration(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSession(ctx, sampleSession("s1", 5)))
	older := sampleSession("s1", 3)
	older.Notes = []string{"stale"}
	require.NoError(t, s.SaveSession(ctx, older))

	loaded, err := s.LoadSessions(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(5), loaded[0].Generation)
	require.Equal(t, []string{"rules: urgency"}, loaded[0].Notes)

	// A new incarnation of the same identifier always replaces the row.
	fresh := sampleSession("s1", 1)
	fresh.CreatedAt = fresh.CreatedAt.Add(time.Hour)
	require.NoError(t, s.SaveSession(ctx, fresh))
	loaded, err = s.LoadSessions(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), loaded[0].Generation)
}

func TestSQLiteStore_PruneBefore(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	require.NoError(t, s.SaveSession(ctx, sampleSession("s1", 1)))

	n, err := s.PruneBefore(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = s.PruneBefore(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}
