package store

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/scam-honeypot/internal/domain"
)

// DefaultQueueSize is the write-behind queue capacity.
const DefaultQueueSize = 256

// slowWrite is the duration above which a single write is logged.
const slowWrite = 100 * time.Millisecond

// tombstoneTTL is how long a deleted incarnation keeps rejecting saves.
const tombstoneTTL = time.Hour

type tombstone struct {
	createdAt time.Time
	deletedAt time.Time
}

type writeOp struct {
	session domain.Session
	delete  bool
}

// WriteBehind queues snapshot writes and applies them on a background
// goroutine so request handling never waits on the database. When the queue
// is full the oldest pending write is dropped.
//
// Delete leaves a tombstone for the session's incarnation: later saves of
// that incarnation are discarded, and a delete lost to back-pressure is
// replayed when the queue is closed.
type WriteBehind struct {
	repo  Repository
	queue chan writeOp

	mu         sync.Mutex
	tombstones map[string]tombstone
	lost       map[string]time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger
	dropped atomic.Int64
	failed  atomic.Int64
	closed  atomic.Bool
}

// NewWriteBehind starts a write-behind queue in front of repo.
func NewWriteBehind(repo Repository, size int, logger *slog.Logger) *WriteBehind {
	if logger == nil {
		logger = slog.Default()
	}
	if size <= 0 {
		size = DefaultQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &WriteBehind{
		repo:   repo,
		queue:      make(chan writeOp, size),
		tombstones: make(map[string]tombstone),
		lost:       make(map[string]time.Time),
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger,
	}

	w.wg.Add(1)
	go w.process()

	return w
}

// Save queues a snapshot write. Snapshots of a deleted incarnation are
// discarded; a newer incarnation clears the tombstone.
func (w *WriteBehind) Save(s domain.Session) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if ts, ok := w.tombstones[s.ID]; ok {
		if !s.CreatedAt.After(ts.createdAt) {
			w.logger.Debug("Discarded save for deleted session",
				"session_id", s.ID,
				"generation", s.Generation)
			return
		}
		delete(w.tombstones, s.ID)
		delete(w.lost, s.ID)
	}
	w.enqueue(writeOp{session: s})
}

// Delete queues removal of a session's snapshot and tombstones the
// incarnation s belongs to.
func (w *WriteBehind) Delete(s domain.Session) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	for id, ts := range w.tombstones {
		if now.Sub(ts.deletedAt) > tombstoneTTL {
			delete(w.tombstones, id)
		}
	}
	w.tombstones[s.ID] = tombstone{createdAt: s.CreatedAt, deletedAt: now}
	w.enqueue(writeOp{session: domain.Session{ID: s.ID, CreatedAt: s.CreatedAt}, delete: true})
}

// enqueue must be called with w.mu held.
func (w *WriteBehind) enqueue(op writeOp) {
	if w.closed.Load() {
		return
	}

	select {
	case w.queue <- op:
		return
	default:
	}

	// Queue full: drop the oldest write to make room.
	select {
	case old := <-w.queue:
		w.drop(old)
		w.logger.Warn("Persistence queue full, dropped oldest write",
			"session_id", old.session.ID,
			"queue_len", len(w.queue))
	default:
	}

	select {
	case w.queue <- op:
	default:
		w.drop(op)
		w.logger.Warn("Persistence queue full, dropped write", "session_id", op.session.ID)
	}
}

// drop counts a lost write and remembers lost deletes for replay.
func (w *WriteBehind) drop(op writeOp) {
	w.dropped.Add(1)
	if op.delete {
		w.lost[op.session.ID] = op.session.CreatedAt
	}
}

func (w *WriteBehind) process() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			w.drain()
			return
		case op := <-w.queue:
			w.apply(op)
		}
	}
}

// drain applies whatever is still queued at shutdown, then replays deletes
// that were dropped under back-pressure.
func (w *WriteBehind) drain() {
loop:
	for {
		select {
		case op := <-w.queue:
			w.apply(op)
		default:
			break loop
		}
	}

	w.mu.Lock()
	lost := w.lost
	w.lost = make(map[string]time.Time)
	w.mu.Unlock()

	for id, createdAt := range lost {
		w.apply(writeOp{session: domain.Session{ID: id, CreatedAt: createdAt}, delete: true})
	}
}

func (w *WriteBehind) apply(op writeOp) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	var err error
	if op.delete {
		err = w.repo.DeleteSession(ctx, op.session.ID)
	} else {
		err = w.repo.SaveSession(ctx, op.session)
	}
	if err != nil {
		w.failed.Add(1)
		w.logger.Warn("Persistence write failed",
			"session_id", op.session.ID,
			"delete", op.delete,
			"error", err)
		return
	}

	if d := time.Since(start); d > slowWrite {
		w.logger.Warn("Slow persistence write",
			"session_id", op.session.ID,
			"duration_ms", d.Milliseconds())
	}
}

// Close stops accepting writes, flushes the queue and waits for the worker.
func (w *WriteBehind) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	w.logger.Info("Closing persistence queue", "queue_remaining", len(w.queue))
	w.cancel()
	w.wg.Wait()
	return nil
}

// QueueStats reports queue depth and loss counters.
type QueueStats struct {
	Queued  int   `json:"queued"`
	Dropped int64 `json:"dropped"`
	Failed  int64 `json:"failed"`
}

// Stats returns queue statistics.
func (w *WriteBehind) Stats() QueueStats {
	return QueueStats{
		Queued:  len(w.queue),
		Dropped: w.dropped.Load(),
		Failed:  w.failed.Load(),
	}
}
