package reaper

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/forecourt/internal/lifecycle"
	"github.com/banshee-data/forecourt/internal/testutil"
	"github.com/banshee-data/forecourt/internal/timeutil"
)

type recordingDispatcher struct {
	mu  sync.Mutex
	obs []lifecycle.Obligation
}

func (d *recordingDispatcher) Dispatch(obs []lifecycle.Obligation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.obs = append(d.obs, obs...)
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.obs)
}

func setup(t *testing.T) (*lifecycle.Store, *Reaper, *recordingDispatcher, *timeutil.MockClock) {
	t.Helper()
	clock := testutil.NewClock()
	n := 0
	cfg := lifecycle.DefaultStoreConfig()
	cfg.Clock = clock
	cfg.NewID = func() string { n++; return fmt.Sprintf("prov-%d", n) }
	store := lifecycle.NewStore(cfg)
	d := &recordingDispatcher{}
	r := New(Config{
		Store:      store,
		Dispatcher: d,
		Interval:   30 * time.Second,
		MaxDwell:   120 * time.Second,
		Retention:  600 * time.Second,
		Clock:      clock,
	})
	return store, r, d, clock
}

func enterAndConfirm(t *testing.T, s *lifecycle.Store, id, server string) {
	t.Helper()
	_, err := s.Observe(lifecycle.Observation{LocalID: id, ClassLabel: "Car", Inside: true})
	require.NoError(t, err)
	require.NoError(t, s.ConfirmPost(id, lifecycle.Server(server)))
	_, err = s.Observe(lifecycle.Observation{LocalID: id, ClassLabel: "Car", Inside: true})
	require.NoError(t, err)
}

func TestScenarioD_ForcedExitAfterMaxDwell(t *testing.T) {
	store, r, d, clock := setup(t)
	enterAndConfirm(t, store, "L4", "140004")

	clock.Advance(150 * time.Second)
	res, err := r.RunOnce()
	require.NoError(t, err)
	assert.Equal(t, 1, res.Forced)

	require.Equal(t, 1, d.count())
	ob := d.obs[0]
	assert.Equal(t, lifecycle.WriteExit, ob.Kind)
	assert.Equal(t, lifecycle.Server("140004"), ob.Target)
	assert.GreaterOrEqual(t, ob.Dwell, 120*time.Second)

	rec, _ := store.Vehicle("L4")
	assert.Equal(t, lifecycle.StateExitPendingPut, rec.State)
	assert.Equal(t, lifecycle.ReasonDwellExceeded, rec.ExitReason)

	// A second pass does not force it again.
	res, err = r.RunOnce()
	require.NoError(t, err)
	assert.Zero(t, res.Forced)
	assert.Equal(t, 1, d.count())
}

func TestScenarioE_EvictionAfterRetention(t *testing.T) {
	store, r, _, clock := setup(t)
	enterAndConfirm(t, store, "L5", "140005")
	_, err := store.Observe(lifecycle.Observation{LocalID: "L5", Inside: false})
	require.NoError(t, err)
	_, err = store.ConfirmPut("L5", true)
	require.NoError(t, err)

	clock.Advance(700 * time.Second)
	res, err := r.RunOnce()
	require.NoError(t, err)
	assert.Equal(t, []string{"L5"}, res.Evicted)

	_, ok := store.Vehicle("L5")
	assert.False(t, ok)
	_, ok = store.VehicleByServerID("140005")
	assert.False(t, ok)
}

func TestAbandonedRecordsAreNotEvicted(t *testing.T) {
	store, r, _, clock := setup(t)
	_, _ = store.Observe(lifecycle.Observation{LocalID: "L1", Inside: true})
	for i := 0; i < 3; i++ {
		_, _ = store.ConfirmPostFailed("L1")
	}
	clock.Advance(time.Hour)
	res, err := r.RunOnce()
	require.NoError(t, err)
	assert.Empty(t, res.Evicted)
	assert.Equal(t, 1, store.Len())
}

func TestPassReleasesDeferredExit(t *testing.T) {
	store, r, d, clock := setup(t)
	_, _ = store.Observe(lifecycle.Observation{LocalID: "L6", Inside: true})
	clock.Advance(3 * time.Second)
	_, _ = store.Observe(lifecycle.Observation{LocalID: "L6", Inside: false})
	require.NoError(t, store.ConfirmPost("L6", lifecycle.Server("140006")))

	res, err := r.RunOnce()
	require.NoError(t, err)
	assert.Equal(t, 1, res.Released)
	require.Equal(t, 1, d.count())
	assert.Equal(t, 3*time.Second, d.obs[0].Dwell)
}

func TestRunOnceClosedStore(t *testing.T) {
	store, r, _, _ := setup(t)
	store.Close()
	_, err := r.RunOnce()
	assert.ErrorIs(t, err, lifecycle.ErrStoreClosed)
}

func TestRunTicksAndStops(t *testing.T) {
	store, r, d, clock := setup(t)
	enterAndConfirm(t, store, "L1", "1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()
	require.Eventually(t, func() bool { return clock.TickerCount() == 1 }, time.Second, time.Millisecond)

	clock.Advance(150 * time.Second)
	require.Eventually(t, func() bool { return d.count() == 1 }, time.Second, time.Millisecond)

	r.Stop()
	assert.NoError(t, <-errCh)
	assert.False(t, r.IsRunning())
}
