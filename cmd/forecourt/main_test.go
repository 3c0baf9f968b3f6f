package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/forecourt/internal/config"
	"github.com/banshee-data/forecourt/internal/httputil"
	"github.com/banshee-data/forecourt/internal/lifecycle"
	"github.com/banshee-data/forecourt/internal/reconcile"
	"github.com/banshee-data/forecourt/internal/region"
)

func TestFlagDefaults(t *testing.T) {
	if *configFile != config.DefaultConfigPath {
		t.Errorf("config default = %q, want %q", *configFile, config.DefaultConfigPath)
	}
	if *listen != ":8080" {
		t.Errorf("listen default = %q, want :8080", *listen)
	}
	if *journalPath != "" {
		t.Errorf("journal should be disabled by default, got %q", *journalPath)
	}
	if *replayPath != "" {
		t.Errorf("replay should be disabled by default, got %q", *replayPath)
	}
}

func TestEngineConfig_FromDefaults(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Region = []config.Point{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 10}, {X: 0, Y: 10}}

	ec, err := engineConfig(cfg, httputil.NewMockHTTPClient(), nil)
	require.NoError(t, err)

	assert.Equal(t, "IOCL-1", ec.Remote.SiteID())
	assert.Equal(t, "1", ec.Remote.PumpNumber())
	assert.Equal(t, 10, ec.MaxInFlight)
	assert.Equal(t, 2*time.Second, ec.Store.GracePeriod)
	assert.Equal(t, 3, ec.Store.MaxPostAttempts)
	assert.Equal(t, 1000, ec.Store.AuditCapacity)
	assert.Equal(t, 120*time.Second, ec.MaxDwell)
	require.NotNil(t, ec.Inside)
	assert.True(t, ec.Inside(region.Point{X: 5, Y: 5}))
	assert.False(t, ec.Inside(region.Point{X: 15, Y: 5}))
}

func TestEngineConfig_NoRegionMeansEverywhere(t *testing.T) {
	ec, err := engineConfig(config.EmptyConfig(), httputil.NewMockHTTPClient(), nil)
	require.NoError(t, err)
	assert.Nil(t, ec.Inside)
}

func TestEngineConfig_DegenerateRegion(t *testing.T) {
	cfg := config.EmptyConfig()
	cfg.Region = []config.Point{{X: 0, Y: 0}, {X: 1, Y: 1}}
	_, err := engineConfig(cfg, httputil.NewMockHTTPClient(), nil)
	assert.Error(t, err)
}

func TestReplayFrames(t *testing.T) {
	var mu sync.Mutex
	nextID := 140000
	mock := httputil.NewMockHTTPClient()
	mock.DoFunc = func(req *http.Request) (*http.Response, error) {
		mu.Lock()
		defer mu.Unlock()
		if req.Method == http.MethodPost {
			nextID++
			return httputil.NewResponse(req, http.StatusCreated, fmt.Sprintf(`{"VehicleID":"%d"}`, nextID)), nil
		}
		return httputil.NewResponse(req, http.StatusOK, ""), nil
	}

	var events []lifecycle.Event
	var evMu sync.Mutex
	ec, err := engineConfig(config.EmptyConfig(), mock, func(ev lifecycle.Event) {
		evMu.Lock()
		events = append(events, ev)
		evMu.Unlock()
	})
	require.NoError(t, err)
	engine := reconcile.New(ec)
	defer engine.Shutdown(context.Background())

	input := strings.Join([]string{
		`{"detections":[{"track_id":"7","class_id":2,"box":{"x1":1,"y1":1,"x2":3,"y2":3}}]}`,
		``,
		`{"detections":[{"track_id":"7","class_id":2,"box":{"x1":1,"y1":1,"x2":3,"y2":3}},{"track_id":"8","class_id":5,"box":{"x1":1,"y1":1,"x2":3,"y2":3}}]}`,
	}, "\n")

	n, err := replayFrames(context.Background(), engine, strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, engine.WaitIdle(ctx))

	bus, ok := engine.Store().Vehicle("8")
	require.True(t, ok)
	assert.Equal(t, "Bus", bus.ClassLabel)
	assert.Equal(t, lifecycle.StatePosted, bus.State)

	evMu.Lock()
	defer evMu.Unlock()
	assert.NotEmpty(t, events)
}

func TestReplayFrames_MalformedLine(t *testing.T) {
	ec, err := engineConfig(config.EmptyConfig(), httputil.NewMockHTTPClient(), nil)
	require.NoError(t, err)
	engine := reconcile.New(ec)
	defer engine.Shutdown(context.Background())

	n, err := replayFrames(context.Background(), engine, strings.NewReader("{\"detections\":[]}\nnot json\n"))
	assert.Equal(t, 1, n)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}
