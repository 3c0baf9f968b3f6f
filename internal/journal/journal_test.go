package journal

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/forecourt/internal/lifecycle"
	"github.com/banshee-data/forecourt/internal/testutil"
)

func openTemp(t *testing.T) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j, path
}

func sampleEvents() []lifecycle.Event {
	at := testutil.Epoch
	return []lifecycle.Event{
		{Kind: lifecycle.EventEntered, LocalID: "7", ClassLabel: "Car", State: lifecycle.StateEnteredPendingPost, At: at},
		{Kind: lifecycle.EventPosted, LocalID: "7", ServerID: lifecycle.Server("140001"), ClassLabel: "Car", State: lifecycle.StatePosted, At: at.Add(time.Second)},
		{Kind: lifecycle.EventEntered, LocalID: "9", ClassLabel: "Bus", State: lifecycle.StateEnteredPendingPost, At: at.Add(2 * time.Second)},
		{Kind: lifecycle.EventExited, LocalID: "7", ServerID: lifecycle.Server("140001"), ClassLabel: "Car", State: lifecycle.StateExitPendingPut, At: at.Add(20 * time.Second), Dwell: 20 * time.Second, Reason: lifecycle.ReasonLeftRegion},
	}
}

func TestOpen_AppliesMigrations(t *testing.T) {
	j, path := openTemp(t)

	v, err := j.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), v)
	require.NoError(t, j.Close())

	// Reopening an up-to-date journal is not an error.
	j2, err := Open(path)
	require.NoError(t, err)
	defer j2.Close()
	v, err = j2.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), v)
}

func TestAppendAndQuery(t *testing.T) {
	j, _ := openTemp(t)
	ctx := context.Background()

	events := sampleEvents()
	for _, ev := range events {
		require.NoError(t, j.Append(ctx, ev))
	}

	n, err := j.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(events), n)

	all, err := j.Events(ctx, "", 0)
	require.NoError(t, err)
	if diff := cmp.Diff(events, all); diff != "" {
		t.Errorf("Events mismatch (-want +got):\n%s", diff)
	}

	seven, err := j.Events(ctx, "7", 0)
	require.NoError(t, err)
	require.Len(t, seven, 3)
	assert.Equal(t, lifecycle.EventExited, seven[2].Kind)
	assert.Equal(t, 20*time.Second, seven[2].Dwell)

	limited, err := j.Events(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestRecorder_WritesAndFlushes(t *testing.T) {
	j, _ := openTemp(t)
	r := NewRecorder(j, 16)

	events := sampleEvents()
	for _, ev := range events {
		r.Record(ev)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// A cancelled Run still flushes the buffer.
	require.NoError(t, r.Run(ctx))

	assert.Equal(t, int64(len(events)), r.Written())
	n, err := j.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, len(events), n)
}

type blockingAppender struct {
	mu   sync.Mutex
	seen []lifecycle.Event
	err  error
}

func (b *blockingAppender) Append(_ context.Context, ev lifecycle.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.seen = append(b.seen, ev)
	return nil
}

func TestRecorder_DropsWhenFull(t *testing.T) {
	app := &blockingAppender{}
	r := NewRecorder(app, 2)

	for _, ev := range sampleEvents() {
		r.Record(ev)
	}
	assert.Equal(t, int64(2), r.Dropped())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, r.Run(ctx))
	assert.Len(t, app.seen, 2)
	assert.Equal(t, "7", app.seen[0].LocalID)
}

func TestRecorder_AppendErrorNotCounted(t *testing.T) {
	app := &blockingAppender{err: errors.New("disk full")}
	r := NewRecorder(app, 4)
	r.Record(sampleEvents()[0])

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, r.Run(ctx))
	assert.Equal(t, int64(0), r.Written())
}
