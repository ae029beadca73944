package persistence

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/talgya/cult-world/internal/governance"
)

var (
	// ErrQueueFull is returned when the writer has fallen behind and a write
	// was dropped.
	ErrQueueFull = errors.New("replication queue full")
	// ErrClosed is returned for writes after Close.
	ErrClosed = errors.New("replicator closed")
)

// Applier stores one write. *DB is the production implementation.
type Applier interface {
	Apply(ctx context.Context, w governance.Write) error
}

// DefaultQueueSize holds a few thousand cycles of bursty governance writes.
const DefaultQueueSize = 65536

const applyTimeout = 5 * time.Second

// Async is a governance.Replicator that queues writes for a single writer
// goroutine. Replicate never blocks: a full queue drops the write and
// reports ErrQueueFull, which the engine logs.
type Async struct {
	dst Applier

	mu     sync.RWMutex // guards ch against send-after-close
	ch     chan governance.Write
	closed atomic.Bool
	once   sync.Once
	wg     sync.WaitGroup

	applied atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

var _ governance.Replicator = (*Async)(nil)

// NewAsync starts the writer goroutine. A queueSize below one uses
// DefaultQueueSize.
func NewAsync(dst Applier, queueSize int) *Async {
	if queueSize < 1 {
		queueSize = DefaultQueueSize
	}
	a := &Async{
		dst: dst,
		ch:  make(chan governance.Write, queueSize),
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.loop()
	}()
	return a
}

// Replicate enqueues w.
func (a *Async) Replicate(w governance.Write) error {
	if a.closed.Load() {
		return ErrClosed
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed.Load() {
		return ErrClosed
	}
	select {
	case a.ch <- w:
		return nil
	default:
		a.dropped.Add(1)
		return ErrQueueFull
	}
}

func (a *Async) loop() {
	for w := range a.ch {
		ctx, cancel := context.WithTimeout(context.Background(), applyTimeout)
		err := a.dst.Apply(ctx, w)
		cancel()
		if err != nil {
			a.failed.Add(1)
			slog.Warn("replication write failed", "kind", w.Kind, "entity", w.EntityID(), "error", err)
			continue
		}
		a.applied.Add(1)
	}
}

// Close stops accepting writes and waits for queued ones to be applied.
func (a *Async) Close() error {
	a.once.Do(func() {
		a.mu.Lock()
		a.closed.Store(true)
		close(a.ch)
		a.mu.Unlock()
		a.wg.Wait()
	})
	return nil
}

// AsyncStats counts writer activity.
type AsyncStats struct {
	Applied int64 `json:"applied"`
	Failed  int64 `json:"failed"`
	Dropped int64 `json:"dropped"`
	Queued  int   `json:"queued"`
}

// Stats returns writer counters.
func (a *Async) Stats() AsyncStats {
	return AsyncStats{
		Applied: a.applied.Load(),
		Failed:  a.failed.Load(),
		Dropped: a.dropped.Load(),
		Queued:  len(a.ch),
	}
}
