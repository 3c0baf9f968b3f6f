package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/forecourt/internal/httputil"
	"github.com/banshee-data/forecourt/internal/lifecycle"
)

var entered = time.Date(2026, 3, 2, 9, 15, 4, 0, time.UTC)

func newMockClient() (*Client, *httputil.MockHTTPClient) {
	mock := httputil.NewMockHTTPClient()
	c := NewClient(Config{BaseURL: "http://remote.test/", SiteID: "IOCL-1", HTTPClient: mock})
	return c, mock
}

func TestPostEntry_Success(t *testing.T) {
	c, mock := newMockClient()
	mock.AddResponse(http.StatusCreated, `{"VehicleID": "140001"}`)

	p := NewEntryPayload("IOCL-1", c.PumpNumber(), ClassTruck, "prov-1", entered)
	id, err := c.PostEntry(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Server("140001"), id)

	req := mock.GetRequest(0)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "http://remote.test/PetrolPumps/details/", req.URL.String())
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))

	var sent map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(mock.GetBody(0)), &sent))
	assert.Equal(t, map[string]interface{}{
		"petrolPumpID":     "IOCL-1",
		"VehicleType":      "Truck",
		"PetrolPumpNumber": "1",
		"Helmet":           true,
		"EnteringTime":     "09:15:04",
		"ExitTime":         "",
		"FillingTime":      "",
		"Date":             "2026-03-02",
		"ServerUpdate":     true,
		"VehicleID":        "prov-1",
	}, sent)
}

func TestPostEntry_NumericVehicleID(t *testing.T) {
	c, mock := newMockClient()
	mock.AddResponse(http.StatusCreated, `{"VehicleID": 140002}`)
	id, err := c.PostEntry(context.Background(), EntryPayload{})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Server("140002"), id)
}

func TestPostEntry_Failures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		err    error
	}{
		{name: "server error", status: http.StatusInternalServerError, body: "boom"},
		{name: "ok is not created", status: http.StatusOK, body: `{"VehicleID":"1"}`},
		{name: "created without id", status: http.StatusCreated, body: `{}`},
		{name: "created with empty body", status: http.StatusCreated, body: ``},
		{name: "created with junk", status: http.StatusCreated, body: `not json`},
		{name: "transport error", err: errors.New("connection refused")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, mock := newMockClient()
			if tt.err != nil {
				mock.AddErrorResponse(tt.err)
			} else {
				mock.AddResponse(tt.status, tt.body)
			}
			id, err := c.PostEntry(context.Background(), EntryPayload{})
			require.Error(t, err)
			assert.True(t, IsTransient(err), "want *remote.Error, got %T", err)
			assert.True(t, id.IsZero())
		})
	}
}

func TestPutExit(t *testing.T) {
	c, mock := newMockClient()
	mock.AddResponse(http.StatusOK, "")
	mock.AddResponse(http.StatusNotFound, "no such vehicle")

	p := NewExitPayload(entered.Add(30*time.Second), 30*time.Second)
	require.NoError(t, c.PutExit(context.Background(), lifecycle.Server("140001"), p))

	req := mock.GetRequest(0)
	assert.Equal(t, http.MethodPut, req.Method)
	assert.Equal(t, "/PetrolPumps/details/IOCL-1/vehicle/140001", req.URL.Path)
	assert.JSONEq(t, `{"ExitTime":"09:15:34","FillingTime":"30 seconds"}`, mock.GetBody(0))

	err := c.PutExit(context.Background(), lifecycle.Local("prov-9"), p)
	var re *Error
	require.True(t, errors.As(err, &re))
	assert.Equal(t, http.StatusNotFound, re.StatusCode)
	assert.Equal(t, "put_exit", re.Op)
	assert.Contains(t, err.Error(), "no such vehicle")
	assert.Equal(t, "/PetrolPumps/details/IOCL-1/vehicle/prov-9", mock.GetRequest(1).URL.Path)

	assert.Error(t, c.PutExit(context.Background(), lifecycle.Identifier{}, p))
	assert.Equal(t, 2, mock.RequestCount())
}

func TestRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/PetrolPumps/details/IOCL-1":
			_, _ = w.Write([]byte(`[
				{"VehicleID":"140001","VehicleType":"Bus","EnteringTime":"09:00:00","ExitTime":"09:00:30","FillingTime":"30 seconds","Date":"2026-03-02","ServerConnected":"1","ServerUpdate":true},
				{"VehicleID":140002}
			]`))
		case "/PetrolPumps/details/IOCL-1/vehicle/140001":
			_, _ = w.Write([]byte(`{"VehicleID":"140001","VehicleType":"Bus","ServerConnected":true}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, SiteID: "IOCL-1", Timeout: time.Second})

	all, err := c.Records(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, Record{
		VehicleID: "140001", VehicleType: "Bus", EnteringTime: "09:00:00", ExitTime: "09:00:30",
		FillingTime: "30 seconds", Date: "2026-03-02", ServerConnected: "1", ServerUpdate: true,
	}, all[0])
	assert.Equal(t, "140002", all[1].VehicleID)
	assert.Equal(t, ClassCar, all[1].VehicleType)
	assert.Equal(t, "0", all[1].ServerConnected)

	one, err := c.Records(context.Background(), "140001")
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "true", one[0].ServerConnected)

	_, err = c.Records(context.Background(), "missing")
	assert.True(t, IsTransient(err))
}

func TestRequestTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	c := NewClient(Config{BaseURL: srv.URL, SiteID: "IOCL-1", Timeout: 50 * time.Millisecond})
	_, err := c.PostEntry(context.Background(), EntryPayload{})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestFormatFillingTime(t *testing.T) {
	assert.Equal(t, "0 seconds", FormatFillingTime(-time.Second))
	assert.Equal(t, "30 seconds", FormatFillingTime(30*time.Second+900*time.Millisecond))
	assert.Equal(t, "150 seconds", FormatFillingTime(150*time.Second))
}

func TestClassForDetector(t *testing.T) {
	assert.Equal(t, ClassCar, ClassForDetector(2))
	assert.Equal(t, ClassMotorcycle, ClassForDetector(3))
	assert.Equal(t, ClassBus, ClassForDetector(5))
	assert.Equal(t, ClassTruck, ClassForDetector(7))
	assert.Equal(t, ClassCar, ClassForDetector(0))
	assert.True(t, IsVehicleClass(7))
	assert.False(t, IsVehicleClass(0))
}
