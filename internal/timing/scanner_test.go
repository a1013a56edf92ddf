package timing

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

type fakeLister struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeLister) Expired(time.Time) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

func (f *fakeLister) set(ids ...string) {
	f.mu.Lock()
	f.ids = ids
	f.mu.Unlock()
}

func TestScanner_SweepSkipsInflight(t *testing.T) {
	lister := &fakeLister{}
	lister.set("a", "b")

	release := make(chan struct{})
	var calls atomic.Int32
	s := NewScanner(lister, time.Hour, func(_ context.Context, _ string) {
		calls.Add(1)
		<-release
	}, nil)

	if n := s.Sweep(context.Background()); n != 2 {
		t.Fatalf("Expected 2 completions started, got %d", n)
	}
	if n := s.Sweep(context.Background()); n != 0 {
		t.Errorf("Expected in-flight sessions to be skipped, got %d started", n)
	}

	close(release)
	s.Wait()

	if calls.Load() != 2 {
		t.Errorf("Expected 2 calls, got %d", calls.Load())
	}
	if n := s.Sweep(context.Background()); n != 2 {
		t.Errorf("Expected sessions to be eligible again after completion, got %d", n)
	}
	s.Wait()
}

func TestScanner_SweepEmpty(t *testing.T) {
	s := NewScanner(&fakeLister{}, 0, func(context.Context, string) {
		t.Error("onExpire must not be called")
	}, nil)
	if s.interval != DefaultScanInterval {
		t.Errorf("Expected default interval, got %v", s.interval)
	}
	if n := s.Sweep(context.Background()); n != 0 {
		t.Errorf("Expected 0, got %d", n)
	}
}

func TestScanner_StartStops(t *testing.T) {
	defer goleak.VerifyNone(t)

	lister := &fakeLister{}
	lister.set("s1")
	fired := make(chan string, 8)
	s := NewScanner(lister, 5*time.Millisecond, func(_ context.Context, id string) {
		lister.set()
		fired <- id
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	select {
	case id := <-fired:
		if id != "s1" {
			t.Errorf("Expected s1, got %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for sweep")
	}

	cancel()
	s.Wait()
}
