package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/banshee-data/forecourt/internal/lifecycle"
	"github.com/banshee-data/forecourt/internal/monitoring"
	"github.com/banshee-data/forecourt/internal/remote"
	"github.com/banshee-data/forecourt/internal/retry"
)

var dispatchLog = monitoring.Component("dispatch")

// Remote is the record-keeping service as seen by the engine. It is bound
// to one site and pump.
type Remote interface {
	SiteID() string
	PumpNumber() string
	PostEntry(ctx context.Context, p remote.EntryPayload) (lifecycle.Identifier, error)
	PutExit(ctx context.Context, id lifecycle.Identifier, p remote.ExitPayload) error
	Records(ctx context.Context, vehicleID string) ([]remote.Record, error)
}

// Dispatcher turns store obligations into remote calls. Each call runs on
// its own goroutine, bounded by a weighted semaphore, and its outcome is
// applied back to the store. Failures go to the retry queue.
type Dispatcher struct {
	store  *lifecycle.Store
	remote Remote
	queue  *retry.Queue
	sem    *semaphore.Weighted

	wg       sync.WaitGroup
	inFlight atomic.Int64
}

// NewDispatcher creates a Dispatcher. The queue is attached with SetQueue
// because the queue itself needs the dispatcher as its handler.
func NewDispatcher(store *lifecycle.Store, rem Remote, maxInFlight int) *Dispatcher {
	if maxInFlight < 1 {
		maxInFlight = 10
	}
	return &Dispatcher{
		store:  store,
		remote: rem,
		sem:    semaphore.NewWeighted(int64(maxInFlight)),
	}
}

// SetQueue attaches the retry queue.
func (d *Dispatcher) SetQueue(q *retry.Queue) { d.queue = q }

// Dispatch starts one remote call per obligation and returns immediately.
func (d *Dispatcher) Dispatch(obs []lifecycle.Obligation) {
	for _, ob := range obs {
		d.wg.Add(1)
		go d.run(ob)
	}
}

func (d *Dispatcher) run(ob lifecycle.Obligation) {
	defer d.wg.Done()
	w := retry.PendingWrite{
		Kind:      ob.Kind,
		LocalID:   ob.LocalID,
		Payload:   ob,
		OriginKey: ob.LocalID,
	}
	err := d.Attempt(context.Background(), w)
	if err == nil {
		return
	}
	w.Attempt = 1
	if d.Failed(w, err) && d.queue != nil {
		d.queue.Enqueue(w)
	}
}

// Attempt performs one write and applies a success to the store. Outcomes
// the store refuses (closed store, identity conflict) are logged and not
// retried.
func (d *Dispatcher) Attempt(ctx context.Context, w retry.PendingWrite) error {
	ob, ok := w.Payload.(lifecycle.Obligation)
	if !ok {
		return fmt.Errorf("dispatch %s for %s: unexpected payload %T", w.Kind, w.LocalID, w.Payload)
	}

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	d.inFlight.Add(1)
	defer func() {
		d.inFlight.Add(-1)
		d.sem.Release(1)
	}()

	switch ob.Kind {
	case lifecycle.WriteEntry:
		p := remote.NewEntryPayload(d.remote.SiteID(), d.remote.PumpNumber(), ob.ClassLabel, ob.Target.Value, ob.At)
		id, err := d.remote.PostEntry(ctx, p)
		if err != nil {
			return err
		}
		d.settle(ob, d.store.ConfirmPost(ob.LocalID, id))
		return nil

	case lifecycle.WriteExit:
		target := ob.Target
		// A late entry ack may have supplied the server id since the exit
		// was first issued.
		if rec, ok := d.store.Vehicle(ob.LocalID); ok && rec.ServerID.IsServer() {
			target = rec.ServerID
		}
		if ob.Override {
			dispatchLog("POLICY EXCEPTION: exit for %s sent to %s before entry confirmation", ob.LocalID, target)
		}
		if err := d.remote.PutExit(ctx, target, remote.NewExitPayload(ob.At, ob.Dwell)); err != nil {
			return err
		}
		_, err := d.store.ConfirmPut(ob.LocalID, true)
		d.settle(ob, err)
		return nil
	}
	return fmt.Errorf("dispatch %s: unknown write kind %q", ob.LocalID, ob.Kind)
}

// settle logs a confirmation the store did not accept.
func (d *Dispatcher) settle(ob lifecycle.Obligation, err error) {
	if err == nil {
		return
	}
	var conflict *lifecycle.IdentityConflictError
	switch {
	case errors.Is(err, lifecycle.ErrStoreClosed):
		dispatchLog("discarding %s outcome for %s: store closed", ob.Kind, ob.LocalID)
	case errors.As(err, &conflict):
		dispatchLog("entry for %s: %v", ob.LocalID, conflict)
	default:
		dispatchLog("%s outcome for %s not applied: %v", ob.Kind, ob.LocalID, err)
	}
}

// Failed records a failed attempt and reports whether the record still
// accepts a retry.
func (d *Dispatcher) Failed(w retry.PendingWrite, cause error) bool {
	var (
		retryable bool
		err       error
	)
	switch w.Kind {
	case lifecycle.WriteEntry:
		retryable, err = d.store.ConfirmPostFailed(w.LocalID)
	case lifecycle.WriteExit:
		retryable, err = d.store.ConfirmPut(w.LocalID, false)
	default:
		return false
	}
	if err != nil {
		dispatchLog("%s failure for %s not applied: %v (cause: %v)", w.Kind, w.LocalID, err, cause)
		return false
	}
	if !remote.IsTransient(cause) {
		dispatchLog("%s for %s failed with non-remote error: %v", w.Kind, w.LocalID, cause)
	}
	return retryable
}

// InFlight returns the number of remote calls currently running.
func (d *Dispatcher) InFlight() int { return int(d.inFlight.Load()) }

// Wait blocks until every dispatched call has finished or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
