// Package retry holds remote writes that failed and resubmits them on a
// fixed interval until they succeed or their record stops being retryable.
package retry

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/forecourt/internal/lifecycle"
	"github.com/banshee-data/forecourt/internal/monitoring"
	"github.com/banshee-data/forecourt/internal/timeutil"
)

var queueLog = monitoring.Component("retry")

// PendingWrite is one failed write awaiting resubmission.
type PendingWrite struct {
	Kind           lifecycle.WriteKind
	LocalID        string
	Payload        interface{} // opaque to the queue
	Attempt        int         // attempts already made, the initial one included
	NextEligibleAt time.Time
	OriginKey      string // local id of the owning VehicleRecord
}

// Handler performs writes on behalf of the queue.
type Handler interface {
	// Attempt performs the write and applies a success to the store. A nil
	// error means the write is done.
	Attempt(ctx context.Context, w PendingWrite) error
	// Failed records a failed attempt and reports whether the owning record
	// still accepts another one.
	Failed(w PendingWrite, err error) bool
}

// Config contains configuration for Queue.
type Config struct {
	// Handler performs and confirms writes
	Handler Handler
	// Interval is both the drain period and the backoff between attempts
	Interval time.Duration
	// MaxAttempts caps attempts per write; the handler may stop earlier
	MaxAttempts int
	// Clock is optional; if nil, uses the real clock
	Clock timeutil.Clock
}

// Queue is the retry queue. Enqueue never blocks on remote I/O.
type Queue struct {
	handler     Handler
	interval    time.Duration
	maxAttempts int
	clock       timeutil.Clock

	mu      sync.Mutex
	items   []PendingWrite
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a Queue.
func New(cfg Config) *Queue {
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	return &Queue{
		handler:     cfg.Handler,
		interval:    interval,
		maxAttempts: maxAttempts,
		clock:       clock,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Enqueue adds w. A zero NextEligibleAt is set one interval from now.
func (q *Queue) Enqueue(w PendingWrite) {
	if w.NextEligibleAt.IsZero() {
		w.NextEligibleAt = q.clock.Now().Add(q.interval)
	}
	if w.OriginKey == "" {
		w.OriginKey = w.LocalID
	}
	q.mu.Lock()
	q.items = append(q.items, w)
	q.mu.Unlock()
}

// Len returns the number of queued writes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pending returns a copy of the queued writes.
func (q *Queue) Pending() []PendingWrite {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]PendingWrite, len(q.items))
	copy(out, q.items)
	return out
}

// take removes and returns every write eligible at now.
func (q *Queue) take(now time.Time) []PendingWrite {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []PendingWrite
	keep := q.items[:0]
	for _, w := range q.items {
		if !now.Before(w.NextEligibleAt) {
			due = append(due, w)
		} else {
			keep = append(keep, w)
		}
	}
	// Clear the tail so dropped payloads can be collected.
	for i := len(keep); i < len(q.items); i++ {
		q.items[i] = PendingWrite{}
	}
	q.items = keep
	return due
}

// Drain attempts every eligible write once, outside the queue lock, and
// returns how many were attempted.
func (q *Queue) Drain(ctx context.Context) int {
	due := q.take(q.clock.Now())
	for _, w := range due {
		err := q.handler.Attempt(ctx, w)
		if err == nil {
			continue
		}
		w.Attempt++
		retry := q.handler.Failed(w, err)
		if retry && w.Attempt < q.maxAttempts {
			w.NextEligibleAt = q.clock.Now().Add(q.interval)
			q.Enqueue(w)
			queueLog("%s write for %s failed (attempt %d/%d): %v", w.Kind, w.LocalID, w.Attempt, q.maxAttempts, err)
			continue
		}
		queueLog("dropping %s write for %s after %d attempts: %v", w.Kind, w.LocalID, w.Attempt, err)
	}
	return len(due)
}

// Run drains the queue every interval. It blocks until the context is
// cancelled or Stop is called, letting the current pass finish.
func (q *Queue) Run(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = true
	q.stopCh = make(chan struct{})
	q.doneCh = make(chan struct{})
	stopCh, doneCh := q.stopCh, q.doneCh
	q.mu.Unlock()

	defer func() {
		close(doneCh)
		q.mu.Lock()
		q.running = false
		q.mu.Unlock()
	}()

	ticker := q.clock.NewTicker(q.interval)
	defer ticker.Stop()

	queueLog("retry queue started: interval=%v max_attempts=%d", q.interval, q.maxAttempts)

	for {
		select {
		case <-ctx.Done():
			queueLog("retry queue stopping due to context cancellation (%d pending)", q.Len())
			return nil
		case <-stopCh:
			queueLog("retry queue stopping due to Stop() call (%d pending)", q.Len())
			return nil
		case <-ticker.C():
			if ctx.Err() != nil {
				return nil
			}
			q.Drain(context.WithoutCancel(ctx))
		}
	}
}

// Stop requests the worker to stop and waits for it. It is safe to call
// multiple times.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	select {
	case <-q.stopCh:
	default:
		close(q.stopCh)
	}
	doneCh := q.doneCh
	q.mu.Unlock()

	<-doneCh
}

// IsRunning returns whether the worker is running.
func (q *Queue) IsRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}
