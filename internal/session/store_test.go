package session

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ashureev/scam-honeypot/internal/domain"
	"github.com/ashureev/scam-honeypot/internal/timing"
	"github.com/ashureev/scam-honeypot/internal/verdict"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(c *clock) *Store {
	return NewStore(timing.DefaultPolicy(), WithClock(c.Now))
}

func scammer(text string) domain.Turn {
	return domain.Turn{Sender: "scammer", Text: text}
}

func TestStore_AppendMessageBumpsGeneration(t *testing.T) {
	c := newClock()
	s := newTestStore(c)

	first := s.AppendMessage("s1", scammer("hello"), nil)
	require.Equal(t, uint64(1), first.Generation)
	require.Equal(t, 1, first.TotalMessages)
	require.Equal(t, c.Now().Add(10*time.Second), first.Deadline)
	require.Equal(t, domain.DeadlineInactivity, first.DeadlineReason)

	c.Advance(5 * time.Second)
	second := s.AppendMessage("s1", scammer("send money"), nil)
	require.Equal(t, uint64(2), second.Generation)
	require.Equal(t, 2, second.TotalMessages)
	require.Equal(t, c.Now().Add(30*time.Second), second.Deadline)
	require.Equal(t, c.Now(), second.LastMessageAt)
}

func TestStore_AppendMessageSeedsHistoryOnce(t *testing.T) {
	s := newTestStore(newClock())
	seed := []domain.Turn{scammer("earlier"), {Sender: "user", Text: "who is this?"}}

	snap := s.AppendMessage("s1", scammer("now"), seed)
	require.Equal(t, 3, snap.TotalMessages)

	snap = s.AppendMessage("s1", scammer("again"), seed)
	require.Equal(t, 4, snap.TotalMessages)
	require.Equal(t, "again", snap.History[3].Text)
}

func TestStore_StaleGenerationRejected(t *testing.T) {
	s := newTestStore(newClock())
	s.AppendMessage("s1", scammer("one"), nil)
	s.AppendMessage("s1", scammer("two"), nil)

	partial := domain.NewIntelligence(map[domain.Category][]string{domain.CategoryPaymentHandles: {"a@ybl"}})
	require.False(t, s.MergeIntelligence("s1", 1, partial))

	_, ok := s.ApplyVerdict("s1", 1, verdict.Verdict{Decided: true, ScamDetected: true, Confidence: 0.9})
	require.False(t, ok)

	snap, _ := s.Get("s1")
	require.Equal(t, domain.DetectionUnknown, snap.Detection)
	require.True(t, snap.Intelligence.Empty())

	require.True(t, s.MergeIntelligence("s1", 2, partial))
	snap, _ = s.Get("s1")
	require.True(t, snap.Intelligence.Has(domain.CategoryPaymentHandles, "a@ybl"))
}

func TestStore_ApplyVerdict(t *testing.T) {
	s := newTestStore(newClock())
	snap := s.AppendMessage("s1", scammer("pay now"), nil)

	v := verdict.Verdict{
		Decided:      true,
		ScamDetected: true,
		Confidence:   0.8,
		Intelligence: domain.NewIntelligence(map[domain.Category][]string{domain.CategoryLinks: {"https://x.example.com"}}),
		Notes:        []string{"rules: urgency", "rules: urgency"},
	}
	got, ok := s.ApplyVerdict("s1", snap.Generation, v)
	require.True(t, ok)
	require.Equal(t, domain.DetectionScam, got.Detection)
	require.InDelta(t, 0.8, got.Confidence, 1e-9)
	require.Equal(t, []string{"rules: urgency"}, got.Notes)

	got, ok = s.ApplyVerdict("s1", snap.Generation, verdict.Verdict{Intelligence: domain.Intelligence{}})
	require.True(t, ok)
	require.Equal(t, domain.DetectionScam, got.Detection, "undecided verdict must not change detection")
	require.True(t, got.Intelligence.Has(domain.CategoryLinks, "https://x.example.com"))
}

func TestStore_IntelligenceIsMonotone(t *testing.T) {
	s := newTestStore(newClock())
	snap := s.AppendMessage("s1", scammer("a"), nil)
	s.MergeIntelligence("s1", snap.Generation, domain.NewIntelligence(map[domain.Category][]string{domain.CategoryPhoneNumbers: {"+919876543210"}}))

	snap = s.AppendMessage("s1", scammer("b"), nil)
	s.ApplyVerdict("s1", snap.Generation, verdict.Verdict{Decided: true, Intelligence: domain.Intelligence{}})

	got, _ := s.Get("s1")
	require.True(t, got.Intelligence.Has(domain.CategoryPhoneNumbers, "+919876543210"))
	require.Equal(t, domain.DetectionNotScam, got.Detection)
}

func TestStore_MarkReportedOnce(t *testing.T) {
	s := newTestStore(newClock())
	s.AppendMessage("s1", scammer("hi"), nil)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := s.MarkReported("s1"); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), wins.Load())

	snap, _ := s.Get("s1")
	_, ok := s.ApplyVerdict("s1", snap.Generation, verdict.Verdict{Decided: true, ScamDetected: true})
	require.False(t, ok, "reported session must reject commits")
}

func TestStore_EvictRequiresReported(t *testing.T) {
	s := newTestStore(newClock())
	s.AppendMessage("s1", scammer("hi"), nil)

	require.False(t, s.Evict("s1"))
	require.Equal(t, 1, s.Len())

	_, ok := s.MarkReported("s1")
	require.True(t, ok)
	require.True(t, s.Evict("s1"))
	require.Equal(t, 0, s.Len())

	_, ok = s.Get("s1")
	require.False(t, ok)
	require.False(t, s.Evict("s1"))
}

func TestStore_MessageAfterEvictionStartsFresh(t *testing.T) {
	s := newTestStore(newClock())
	s.AppendMessage("s1", scammer("hi"), nil)
	s.MarkReported("s1")
	s.Evict("s1")

	snap := s.AppendMessage("s1", scammer("back again"), nil)
	require.Equal(t, 1, snap.TotalMessages)
	require.False(t, snap.Reported)
	require.Equal(t, uint64(1), snap.Generation)
}

func TestStore_Expired(t *testing.T) {
	c := newClock()
	s := newTestStore(c)
	s.AppendMessage("b", scammer("one"), nil)
	s.AppendMessage("a", scammer("one"), nil)
	s.AppendMessage("a", scammer("two"), nil)
	s.AppendMessage("c", scammer("one"), nil)
	s.MarkReported("c")

	require.Empty(t, s.Expired(c.Now()))

	c.Advance(10 * time.Second)
	require.Equal(t, []string{"b"}, s.Expired(c.Now()))

	c.Advance(20 * time.Second)
	require.Equal(t, []string{"a", "b"}, s.Expired(c.Now()))
}

func TestStore_Restore(t *testing.T) {
	c := newClock()
	s := newTestStore(c)
	s.AppendMessage("live", scammer("x"), nil)

	restored := s.Restore([]domain.Session{
		{ID: "live", History: []domain.Turn{scammer("old")}},
		{ID: "done", Reported: true},
		{ID: "r1", History: []domain.Turn{scammer("1"), scammer("2")}, CreatedAt: c.Now(), LastMessageAt: c.Now(), Generation: 7},
	})
	require.Equal(t, 1, restored)
	require.Equal(t, 2, s.Len())

	snap, ok := s.Get("r1")
	require.True(t, ok)
	require.Equal(t, 2, snap.TotalMessages)
	require.Equal(t, uint64(7), snap.Generation)
	require.Equal(t, c.Now().Add(30*time.Second), snap.Deadline)
	require.NotNil(t, snap.Intelligence)
}

func TestStore_SnapshotsAreIsolated(t *testing.T) {
	s := newTestStore(newClock())
	snap := s.AppendMessage("s1", scammer("hi"), nil)
	snap.History[0].Text = "mutated"
	snap.Intelligence.Add(domain.CategoryKeywords, "leak")

	got, _ := s.Get("s1")
	require.Equal(t, "hi", got.History[0].Text)
	require.False(t, got.Intelligence.Has(domain.CategoryKeywords, "leak"))
}

func TestStore_ConcurrentSessions(t *testing.T) {
	s := newTestStore(newClock())
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n))
			for range 50 {
				snap := s.AppendMessage(id, scammer("m"), nil)
				s.ApplyVerdict(id, snap.Generation, verdict.Verdict{Decided: true, Intelligence: domain.Intelligence{}})
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 8, s.Len())
	got, _ := s.Get("a")
	require.Equal(t, uint64(50), got.Generation)
	require.Equal(t, 50, got.TotalMessages)
}
