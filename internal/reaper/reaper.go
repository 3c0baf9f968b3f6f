// Package reaper runs the periodic staleness pass over the lifecycle store:
// deferred exits are re-evaluated, vehicles the detector has likely lost
// are forced out, and completed records past retention are evicted.
package reaper

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/forecourt/internal/lifecycle"
	"github.com/banshee-data/forecourt/internal/monitoring"
	"github.com/banshee-data/forecourt/internal/timeutil"
)

var reaperLog = monitoring.Component("reaper")

// Store is the subset of *lifecycle.Store the reaper drives.
type Store interface {
	ReleaseDeferredExits() (lifecycle.Result, error)
	ExpireDwell(maxDwell time.Duration) (lifecycle.Result, error)
	Evict(retention time.Duration) ([]string, error)
}

// Dispatcher issues the exit writes produced by a pass.
type Dispatcher interface {
	Dispatch(obs []lifecycle.Obligation)
}

// Config contains configuration for Reaper.
type Config struct {
	Store      Store
	Dispatcher Dispatcher
	// Interval between passes (default 30s)
	Interval time.Duration
	// MaxDwell is the time-in-region ceiling (default 120s)
	MaxDwell time.Duration
	// Retention is how long completed records are kept (default 600s)
	Retention time.Duration
	// Clock is optional; if nil, uses the real clock
	Clock timeutil.Clock
}

// PassResult summarises one pass.
type PassResult struct {
	Released int      `json:"released"`
	Forced   int      `json:"forced"`
	Evicted  []string `json:"evicted"`
}

// Reaper is the staleness worker.
type Reaper struct {
	store      Store
	dispatcher Dispatcher
	interval   time.Duration
	maxDwell   time.Duration
	retention  time.Duration
	clock      timeutil.Clock

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a Reaper.
func New(cfg Config) *Reaper {
	r := &Reaper{
		store:      cfg.Store,
		dispatcher: cfg.Dispatcher,
		interval:   cfg.Interval,
		maxDwell:   cfg.MaxDwell,
		retention:  cfg.Retention,
		clock:      cfg.Clock,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	if r.interval <= 0 {
		r.interval = 30 * time.Second
	}
	if r.maxDwell <= 0 {
		r.maxDwell = 120 * time.Second
	}
	if r.retention <= 0 {
		r.retention = 600 * time.Second
	}
	if r.clock == nil {
		r.clock = timeutil.RealClock{}
	}
	return r
}

// RunOnce performs a single pass. Exit writes are handed to the dispatcher
// after the store has released its lock.
func (r *Reaper) RunOnce() (PassResult, error) {
	var out PassResult

	released, err := r.store.ReleaseDeferredExits()
	if err != nil {
		return out, err
	}
	out.Released = len(released.Obligations)
	r.dispatch(released.Obligations)

	forced, err := r.store.ExpireDwell(r.maxDwell)
	if err != nil {
		return out, err
	}
	out.Forced = len(forced.Obligations)
	r.dispatch(forced.Obligations)

	out.Evicted, err = r.store.Evict(r.retention)
	if err != nil {
		return out, err
	}

	if out.Released > 0 || out.Forced > 0 || len(out.Evicted) > 0 {
		reaperLog("pass: released=%d forced=%d evicted=%d", out.Released, out.Forced, len(out.Evicted))
	}
	return out, nil
}

func (r *Reaper) dispatch(obs []lifecycle.Obligation) {
	if len(obs) == 0 || r.dispatcher == nil {
		return
	}
	r.dispatcher.Dispatch(obs)
}

// Run performs a pass every interval until the context is cancelled or Stop
// is called.
func (r *Reaper) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	stopCh, doneCh := r.stopCh, r.doneCh
	r.mu.Unlock()

	defer func() {
		close(doneCh)
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	reaperLog("reaper started: interval=%v max_dwell=%v retention=%v", r.interval, r.maxDwell, r.retention)

	for {
		select {
		case <-ctx.Done():
			reaperLog("reaper stopping due to context cancellation")
			return nil
		case <-stopCh:
			reaperLog("reaper stopping due to Stop() call")
			return nil
		case <-ticker.C():
			if ctx.Err() != nil {
				return nil
			}
			if _, err := r.RunOnce(); err != nil {
				reaperLog("pass failed: %v", err)
			}
		}
	}
}

// Stop requests the worker to stop and waits for the current pass.
func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
	doneCh := r.doneCh
	r.mu.Unlock()

	<-doneCh
}

// IsRunning returns whether the worker is running.
func (r *Reaper) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}
