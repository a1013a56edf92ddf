package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ashureev/scam-honeypot/internal/domain"
	"github.com/ashureev/scam-honeypot/internal/session"
	"github.com/ashureev/scam-honeypot/internal/timing"
	"github.com/ashureev/scam-honeypot/internal/verdict"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type analyzerFunc func(ctx context.Context, transcript []domain.Turn) []domain.ClassifierOutput

func (f analyzerFunc) Analyze(ctx context.Context, transcript []domain.Turn) []domain.ClassifierOutput {
	return f(ctx, transcript)
}

type completion struct {
	id     string
	reason domain.CompletionReason
}

type recorder struct {
	mu    sync.Mutex
	calls []completion
	ch    chan completion
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan completion, 16)}
}

func (r *recorder) complete(_ context.Context, id string, reason domain.CompletionReason) {
	r.mu.Lock()
	r.calls = append(r.calls, completion{id, reason})
	r.mu.Unlock()
	r.ch <- completion{id, reason}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func scamOutputs(handles ...string) []domain.ClassifierOutput {
	intel := domain.NewIntelligence(map[domain.Category][]string{domain.CategoryPaymentHandles: handles})
	return []domain.ClassifierOutput{
		{Source: "a", Detected: true, Confidence: 0.9, Intelligence: intel},
		{Source: "b", Detected: true, Confidence: 0.7},
	}
}

func message(text string) domain.Turn {
	return domain.Turn{Sender: "scammer", Text: text}
}

func TestSupervisor_EvidenceCompletesOnce(t *testing.T) {
	store := session.NewStore(timing.DefaultPolicy())
	rec := newRecorder()
	sup := New(Config{
		Store: store,
		Analyzer: analyzerFunc(func(context.Context, []domain.Turn) []domain.ClassifierOutput {
			return scamOutputs("fraud@ybl")
		}),
		Complete:    rec.complete,
		GraceWindow: -1,
	})
	defer sup.Stop()

	sup.Schedule(store.AppendMessage("s1", message("pay to fraud@ybl"), nil))

	select {
	case c := <-rec.ch:
		require.Equal(t, completion{"s1", domain.ReasonEvidence}, c)
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for completion")
	}

	snap, ok := store.Get("s1")
	require.True(t, ok)
	require.Equal(t, domain.DetectionScam, snap.Detection)
	require.True(t, snap.Intelligence.Has(domain.CategoryPaymentHandles, "fraud@ybl"))
}

func TestSupervisor_NoEvidenceNoCompletion(t *testing.T) {
	store := session.NewStore(timing.DefaultPolicy())
	rec := newRecorder()
	committed := make(chan domain.Session, 1)
	sup := New(Config{
		Store: store,
		Analyzer: analyzerFunc(func(context.Context, []domain.Turn) []domain.ClassifierOutput {
			return scamOutputs()
		}),
		Complete:    rec.complete,
		OnCommit:    func(s domain.Session, _ verdict.Verdict) { committed <- s },
		GraceWindow: -1,
	})

	sup.Schedule(store.AppendMessage("s1", message("hello"), nil))

	select {
	case s := <-committed:
		require.Equal(t, domain.DetectionScam, s.Detection)
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for commit")
	}
	sup.Stop()
	require.Zero(t, rec.count())
}

func TestSupervisor_SupersededTaskNeverCommits(t *testing.T) {
	store := session.NewStore(timing.DefaultPolicy())
	rec := newRecorder()

	var calls atomic.Int32
	firstStarted := make(chan struct{})
	firstCancelled := make(chan struct{})
	sup := New(Config{
		Store: store,
		Analyzer: analyzerFunc(func(ctx context.Context, transcript []domain.Turn) []domain.ClassifierOutput {
			if calls.Add(1) == 1 {
				close(firstStarted)
				<-ctx.Done()
				close(firstCancelled)
				// A late answer from a cancelled call must still be discarded.
				return scamOutputs("stale@ybl")
			}
			return scamOutputs("fresh@ybl")
		}),
		Complete:    rec.complete,
		GraceWindow: -1,
	})
	defer sup.Stop()

	sup.Schedule(store.AppendMessage("s1", message("one"), nil))
	<-firstStarted
	sup.Schedule(store.AppendMessage("s1", message("two"), nil))
	<-firstCancelled

	select {
	case <-rec.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for completion")
	}

	snap, _ := store.Get("s1")
	require.True(t, snap.Intelligence.Has(domain.CategoryPaymentHandles, "fresh@ybl"))
	require.False(t, snap.Intelligence.Has(domain.CategoryPaymentHandles, "stale@ybl"))
	require.Equal(t, 1, rec.count())
}

func TestSupervisor_GraceWindowCoalescesFollowUp(t *testing.T) {
	store := session.NewStore(timing.DefaultPolicy())
	rec := newRecorder()

	var mu sync.Mutex
	var seen []int
	sup := New(Config{
		Store: store,
		Analyzer: analyzerFunc(func(_ context.Context, transcript []domain.Turn) []domain.ClassifierOutput {
			mu.Lock()
			seen = append(seen, len(transcript))
			mu.Unlock()
			return scamOutputs("x@ybl")
		}),
		Complete:    rec.complete,
		GraceWindow: 200 * time.Millisecond,
	})
	defer sup.Stop()

	sup.Schedule(store.AppendMessage("s1", message("hi"), nil))
	sup.Schedule(store.AppendMessage("s1", message("send money to x@ybl"), nil))

	select {
	case <-rec.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for completion")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{2}, seen)
}

func TestSupervisor_FollowUpRestartsGraceWait(t *testing.T) {
	store := session.NewStore(timing.DefaultPolicy())
	started := make(chan time.Time, 4)
	sup := New(Config{
		Store: store,
		Analyzer: analyzerFunc(func(context.Context, []domain.Turn) []domain.ClassifierOutput {
			started <- time.Now()
			return nil
		}),
		GraceWindow: 300 * time.Millisecond,
	})
	defer sup.Stop()

	sup.Schedule(store.AppendMessage("s1", message("hi"), nil))
	time.Sleep(200 * time.Millisecond)
	followUp := time.Now()
	sup.Schedule(store.AppendMessage("s1", message("are you there"), nil))

	select {
	case at := <-started:
		require.GreaterOrEqual(t, at.Sub(followUp), 300*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for analysis")
	}
}

func TestSupervisor_IgnoresOldOrDuplicateGeneration(t *testing.T) {
	store := session.NewStore(timing.DefaultPolicy())
	release := make(chan struct{})
	var calls atomic.Int32
	sup := New(Config{
		Store: store,
		Analyzer: analyzerFunc(func(ctx context.Context, _ []domain.Turn) []domain.ClassifierOutput {
			calls.Add(1)
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		}),
		GraceWindow: -1,
	})

	first := store.AppendMessage("s1", message("one"), nil)
	second := store.AppendMessage("s1", message("two"), nil)
	sup.Schedule(second)
	sup.Schedule(second)
	sup.Schedule(first)

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, sup.InFlight())

	close(release)
	sup.Stop()
	require.Equal(t, int32(1), calls.Load())
	require.Zero(t, sup.InFlight())
}

func TestSupervisor_ForgetCancelsTask(t *testing.T) {
	store := session.NewStore(timing.DefaultPolicy())
	cancelled := make(chan struct{})
	sup := New(Config{
		Store: store,
		Analyzer: analyzerFunc(func(ctx context.Context, _ []domain.Turn) []domain.ClassifierOutput {
			<-ctx.Done()
			close(cancelled)
			return nil
		}),
		GraceWindow: -1,
	})
	defer sup.Stop()

	snap := store.AppendMessage("s1", message("one"), nil)
	sup.Schedule(snap)
	require.Eventually(t, func() bool { return sup.InFlight() == 1 }, time.Second, 5*time.Millisecond)

	stale := snap
	stale.CreatedAt = snap.CreatedAt.Add(-time.Hour)
	sup.Forget(stale)
	require.Equal(t, 1, sup.InFlight(), "forgetting another incarnation must not cancel the task")

	sup.Forget(snap)
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("Task was not cancelled")
	}
	require.Zero(t, sup.InFlight())
}

func TestSupervisor_StopCancelsGraceWait(t *testing.T) {
	store := session.NewStore(timing.DefaultPolicy())
	sup := New(Config{
		Store: store,
		Analyzer: analyzerFunc(func(context.Context, []domain.Turn) []domain.ClassifierOutput {
			t.Error("analysis must not start after stop")
			return nil
		}),
		GraceWindow: time.Hour,
	})

	sup.Schedule(store.AppendMessage("s1", message("one"), nil))
	sup.Stop()
	sup.Schedule(store.AppendMessage("s1", message("two"), nil))
	require.Zero(t, sup.InFlight())
}

func TestSupervisor_ReportedSessionNotScheduled(t *testing.T) {
	store := session.NewStore(timing.DefaultPolicy())
	sup := New(Config{Store: store, Analyzer: analyzerFunc(nil), GraceWindow: -1})
	defer sup.Stop()

	snap := store.AppendMessage("s1", message("one"), nil)
	snap.Reported = true
	sup.Schedule(snap)
	require.Zero(t, sup.InFlight())
}

func TestSupervisor_WorkersCapConcurrentAnalysis(t *testing.T) {
	const workers = 3
	store := session.NewStore(timing.DefaultPolicy())
	release := make(chan struct{})
	var running, peak, finished atomic.Int32
	sup := New(Config{
		Store: store,
		Analyzer: analyzerFunc(func(ctx context.Context, _ []domain.Turn) []domain.ClassifierOutput {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			select {
			case <-release:
			case <-ctx.Done():
			}
			running.Add(-1)
			finished.Add(1)
			return nil
		}),
		GraceWindow: -1,
		Workers:     workers,
	})
	defer sup.Stop()

	const sessions = 20
	for i := 0; i < sessions; i++ {
		sup.Schedule(store.AppendMessage(fmt.Sprintf("s%d", i), message("hello"), nil))
	}

	require.Eventually(t, func() bool { return running.Load() == workers }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(workers), peak.Load())
	require.Equal(t, sessions, sup.InFlight(), "tasks over the cap wait for a slot")

	close(release)
	require.Eventually(t, func() bool { return finished.Load() == sessions }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, int32(workers), peak.Load())
}

func TestSupervisor_QueuedTaskGivesUpSlotWhenSuperseded(t *testing.T) {
	store := session.NewStore(timing.DefaultPolicy())
	release := make(chan struct{})
	var mu sync.Mutex
	var analyzed []string
	sup := New(Config{
		Store: store,
		Analyzer: analyzerFunc(func(ctx context.Context, transcript []domain.Turn) []domain.ClassifierOutput {
			mu.Lock()
			analyzed = append(analyzed, transcript[len(transcript)-1].Text)
			mu.Unlock()
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		}),
		GraceWindow: -1,
		Workers:     1,
	})
	defer sup.Stop()

	sup.Schedule(store.AppendMessage("busy", message("holds the slot"), nil))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(analyzed) == 1
	}, time.Second, 5*time.Millisecond)

	sup.Schedule(store.AppendMessage("s1", message("one"), nil))
	sup.Schedule(store.AppendMessage("s1", message("two"), nil))
	close(release)

	require.Eventually(t, func() bool { return sup.InFlight() == 0 }, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"holds the slot", "two"}, analyzed)
}

func TestSupervisor_ScheduleAfterEvictionLeavesNoState(t *testing.T) {
	store := session.NewStore(timing.DefaultPolicy())
	sup := New(Config{Store: store, Analyzer: analyzerFunc(nil), GraceWindow: -1})
	defer sup.Stop()

	snap := store.AppendMessage("s1", message("one"), nil)
	_, ok := store.MarkReported("s1")
	require.True(t, ok)
	require.True(t, store.Evict("s1"))
	sup.Forget(snap)

	sup.Schedule(snap)

	require.Zero(t, sup.InFlight())
	sup.mu.Lock()
	_, tracked := sup.latest["s1"]
	sup.mu.Unlock()
	require.False(t, tracked)
}

func TestSupervisor_FinishedTaskForEvictedSessionIsDropped(t *testing.T) {
	store := session.NewStore(timing.DefaultPolicy())
	started := make(chan struct{})
	release := make(chan struct{})
	sup := New(Config{
		Store: store,
		Analyzer: analyzerFunc(func(context.Context, []domain.Turn) []domain.ClassifierOutput {
			close(started)
			<-release
			return nil
		}),
		GraceWindow: -1,
	})
	defer sup.Stop()

	sup.Schedule(store.AppendMessage("s1", message("one"), nil))
	<-started
	_, ok := store.MarkReported("s1")
	require.True(t, ok)
	require.True(t, store.Evict("s1"))
	close(release)

	require.Eventually(t, func() bool {
		sup.mu.Lock()
		defer sup.mu.Unlock()
		_, tracked := sup.latest["s1"]
		return !tracked && len(sup.tasks) == 0
	}, time.Second, 5*time.Millisecond)
}
