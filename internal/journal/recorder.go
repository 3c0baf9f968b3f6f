package journal

import (
	"context"
	"sync/atomic"

	"github.com/banshee-data/forecourt/internal/lifecycle"
)

// Appender is the write side of a Journal.
type Appender interface {
	Append(ctx context.Context, ev lifecycle.Event) error
}

// Recorder buffers events between the store's event sink and the journal.
// Record never blocks; events arriving while the buffer is full are
// dropped and counted.
type Recorder struct {
	journal Appender
	ch      chan lifecycle.Event
	dropped atomic.Int64
	written atomic.Int64
}

// NewRecorder creates a Recorder with the given buffer size.
func NewRecorder(j Appender, buffer int) *Recorder {
	if buffer < 1 {
		buffer = 256
	}
	return &Recorder{journal: j, ch: make(chan lifecycle.Event, buffer)}
}

// Record queues ev for writing.
func (r *Recorder) Record(ev lifecycle.Event) {
	select {
	case r.ch <- ev:
	default:
		if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
			journalLog("buffer full, %d events dropped", n)
		}
	}
}

// Run writes queued events until ctx is cancelled, then flushes whatever
// is still buffered.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-r.ch:
			r.write(ctx, ev)
		case <-ctx.Done():
			r.flush()
			return nil
		}
	}
}

func (r *Recorder) flush() {
	ctx := context.Background()
	for {
		select {
		case ev := <-r.ch:
			r.write(ctx, ev)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, ev lifecycle.Event) {
	if err := r.journal.Append(context.WithoutCancel(ctx), ev); err != nil {
		journalLog("append failed: %v", err)
		return
	}
	r.written.Add(1)
}

// Dropped returns the number of events discarded because the buffer was full.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Written returns the number of events appended to the journal.
func (r *Recorder) Written() int64 { return r.written.Load() }
