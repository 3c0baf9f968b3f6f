// Package reconcile wires the lifecycle store, dispatcher, retry queue and
// staleness reaper into one explicitly started and stopped Engine, and is
// the entry point for per-frame detections.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/forecourt/internal/lifecycle"
	"github.com/banshee-data/forecourt/internal/monitoring"
	"github.com/banshee-data/forecourt/internal/reaper"
	"github.com/banshee-data/forecourt/internal/region"
	"github.com/banshee-data/forecourt/internal/remote"
	"github.com/banshee-data/forecourt/internal/retry"
	"github.com/banshee-data/forecourt/internal/timeutil"
)

var engineLog = monitoring.Component("engine")

// Detection is one tracked object in a processed frame.
type Detection struct {
	TrackID string `json:"track_id"`
	// ClassID is the detector's class id; Class, when set, takes precedence.
	ClassID int        `json:"class_id"`
	Class   string     `json:"class,omitempty"`
	Box     region.Box `json:"box"`
}

// Config configures an Engine.
type Config struct {
	Store lifecycle.StoreConfig

	// Remote supplies the site and pump every write is made for.
	Remote Remote

	MaxInFlight    int
	RetryInterval  time.Duration
	ReaperInterval time.Duration
	MaxDwell       time.Duration
	Retention      time.Duration

	// Inside is the region predicate; nil treats every point as inside.
	Inside func(region.Point) bool
	// Clock is optional; if nil, uses the real clock.
	Clock timeutil.Clock
}

// Engine owns the reconciliation components.
type Engine struct {
	store      *lifecycle.Store
	remote     Remote
	dispatcher *Dispatcher
	queue      *retry.Queue
	reaper     *reaper.Reaper
	inside     func(region.Point) bool

	mu      sync.RWMutex
	closing bool
	started bool
	cancel  context.CancelFunc
	workers sync.WaitGroup
}

// ErrShuttingDown is returned for frames and commands received during or
// after Shutdown.
var ErrShuttingDown = errors.New("reconcile: engine shutting down")

// New creates an Engine. Background workers are not running until Start.
func New(cfg Config) *Engine {
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	storeCfg := cfg.Store
	if storeCfg.Clock == nil {
		storeCfg.Clock = clock
	}
	store := lifecycle.NewStore(storeCfg)

	d := NewDispatcher(store, cfg.Remote, cfg.MaxInFlight)
	attempts := storeCfg.MaxPostAttempts
	if storeCfg.MaxPutAttempts > attempts {
		attempts = storeCfg.MaxPutAttempts
	}
	q := retry.New(retry.Config{
		Handler:     d,
		Interval:    cfg.RetryInterval,
		MaxAttempts: attempts,
		Clock:       clock,
	})
	d.SetQueue(q)

	r := reaper.New(reaper.Config{
		Store:      store,
		Dispatcher: d,
		Interval:   cfg.ReaperInterval,
		MaxDwell:   cfg.MaxDwell,
		Retention:  cfg.Retention,
		Clock:      clock,
	})

	inside := cfg.Inside
	if inside == nil {
		inside = region.Everywhere
	}
	return &Engine{
		store:      store,
		remote:     cfg.Remote,
		dispatcher: d,
		queue:      q,
		reaper:     r,
		inside:     inside,
	}
}

// Start launches the retry and reaper workers.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started || e.closing {
		return
	}
	e.started = true
	ctx, e.cancel = context.WithCancel(ctx)

	e.workers.Add(2)
	go func() {
		defer e.workers.Done()
		if err := e.queue.Run(ctx); err != nil {
			engineLog("retry queue exited: %v", err)
		}
	}()
	go func() {
		defer e.workers.Done()
		if err := e.reaper.Run(ctx); err != nil {
			engineLog("reaper exited: %v", err)
		}
	}()
}

// Store returns the lifecycle store for read access.
func (e *Engine) Store() *lifecycle.Store { return e.store }

// Queue returns the retry queue.
func (e *Engine) Queue() *retry.Queue { return e.queue }

// Reaper returns the staleness reaper.
func (e *Engine) Reaper() *reaper.Reaper { return e.reaper }

// ProcessFrame applies one frame of detections and dispatches the writes
// it produces. It returns the lifecycle events for the frame. Detections
// whose class is not a tracked vehicle type are ignored.
func (e *Engine) ProcessFrame(dets []Detection) ([]lifecycle.Event, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closing {
		return nil, ErrShuttingDown
	}

	obs := make([]lifecycle.Observation, 0, len(dets))
	for _, det := range dets {
		if det.TrackID == "" {
			continue
		}
		class := det.Class
		if class == "" {
			if !remote.IsVehicleClass(det.ClassID) {
				continue
			}
			class = remote.ClassForDetector(det.ClassID)
		}
		obs = append(obs, lifecycle.Observation{
			LocalID:    det.TrackID,
			ClassLabel: class,
			Inside:     e.inside(det.Box.Center()),
		})
	}

	res, err := e.store.ObserveFrame(obs)
	if err != nil {
		return nil, err
	}
	e.dispatcher.Dispatch(res.Obligations)
	return res.Events, nil
}

// ForceExit synthesizes an exit for the vehicle addressed by id, which may
// be a local or a server identifier.
func (e *Engine) ForceExit(id string, override bool) ([]lifecycle.Event, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closing {
		return nil, ErrShuttingDown
	}
	localID, ok := e.store.Resolve(id)
	if !ok {
		return nil, fmt.Errorf("force exit %s: %w", id, lifecycle.ErrUnknownVehicle)
	}
	res, err := e.store.ForceExit(localID, lifecycle.ReasonAdmin, override)
	e.dispatcher.Dispatch(res.Obligations)
	return res.Events, err
}

// ForceExitAll force-exits every vehicle still inside the region and
// returns how many exits were issued.
func (e *Engine) ForceExitAll(override bool) (int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closing {
		return 0, ErrShuttingDown
	}
	issued := 0
	for _, rec := range e.store.Snapshot() {
		if !rec.State.Inside() {
			continue
		}
		res, err := e.store.ForceExit(rec.LocalID, lifecycle.ReasonAdmin, override)
		if err != nil && !errors.Is(err, lifecycle.ErrOrderingViolation) && !errors.Is(err, lifecycle.ErrInvalidTransition) {
			return issued, err
		}
		issued += len(res.Obligations)
		e.dispatcher.Dispatch(res.Obligations)
	}
	return issued, nil
}

// RemoteRecords reads what the remote service holds for the site, or for
// one vehicle when vehicleID is non-empty. It does not touch the store.
func (e *Engine) RemoteRecords(ctx context.Context, vehicleID string) ([]remote.Record, error) {
	return e.remote.Records(ctx, vehicleID)
}

// Stats is the engine-wide summary.
type Stats struct {
	lifecycle.Stats
	QueueDepth int `json:"retry_queue_depth"`
	InFlight   int `json:"in_flight"`
}

// Stats summarises records, queue depth and in-flight calls.
func (e *Engine) Stats() Stats {
	return Stats{
		Stats:      e.store.Stats(),
		QueueDepth: e.queue.Len(),
		InFlight:   e.dispatcher.InFlight(),
	}
}

// WaitIdle blocks until no dispatched call is in flight or ctx is done.
func (e *Engine) WaitIdle(ctx context.Context) error {
	return e.dispatcher.Wait(ctx)
}

// Shutdown stops the workers after their current pass, waits for in-flight
// calls until ctx is done, then closes the store so later outcomes are
// discarded.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		return nil
	}
	e.closing = true
	cancel := e.cancel
	e.mu.Unlock()

	e.reaper.Stop()
	e.queue.Stop()
	if cancel != nil {
		cancel()
	}
	e.workers.Wait()

	err := e.dispatcher.Wait(ctx)
	if err != nil {
		engineLog("shutdown: %d calls still in flight: %v", e.dispatcher.InFlight(), err)
	}
	e.store.Close()
	return err
}
