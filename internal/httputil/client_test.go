package httputil

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func get(t *testing.T, c HTTPClient, url string) (*http.Response, error) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	return c.Do(req)
}

func TestStandardClient_Wraps(t *testing.T) {
	customClient := &http.Client{}
	client := NewStandardClient(customClient)

	if client.Client != customClient {
		t.Error("expected custom client to be wrapped")
	}
	if NewStandardClient(nil).Client != http.DefaultClient {
		t.Error("expected nil to fall back to http.DefaultClient")
	}
}

func TestNewTimeoutClient(t *testing.T) {
	c := NewTimeoutClient(3 * time.Second)
	if c.Timeout != 3*time.Second {
		t.Errorf("Timeout = %v, want 3s", c.Timeout)
	}
}

func TestMockHTTPClient_QueuedResponses(t *testing.T) {
	mock := NewMockHTTPClient()
	mock.AddResponse(http.StatusCreated, "first")
	mock.AddResponse(http.StatusInternalServerError, "second")

	resp1, err := get(t, mock, "http://example.com/1")
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	body1, _ := io.ReadAll(resp1.Body)
	resp1.Body.Close()
	if resp1.StatusCode != http.StatusCreated || string(body1) != "first" {
		t.Errorf("first response: got %d %q", resp1.StatusCode, body1)
	}

	resp2, _ := get(t, mock, "http://example.com/2")
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusInternalServerError {
		t.Errorf("second response: got status %d", resp2.StatusCode)
	}

	// exhausted queue falls back to 200
	resp3, _ := get(t, mock, "http://example.com/3")
	resp3.Body.Close()
	if resp3.StatusCode != http.StatusOK {
		t.Errorf("default response: got status %d", resp3.StatusCode)
	}

	if mock.RequestCount() != 3 {
		t.Errorf("got %d requests, want 3", mock.RequestCount())
	}
}

func TestMockHTTPClient_RecordsBody(t *testing.T) {
	mock := NewMockHTTPClient()
	req, _ := http.NewRequest(http.MethodPut, "http://example.com/x", strings.NewReader(`{"a":1}`))
	resp, err := mock.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()

	if got := mock.GetBody(0); got != `{"a":1}` {
		t.Errorf("GetBody(0) = %q", got)
	}
	if got := mock.GetBody(5); got != "" {
		t.Errorf("GetBody(5) = %q, want empty", got)
	}
	if mock.GetRequest(0).Method != http.MethodPut {
		t.Errorf("method = %s, want PUT", mock.GetRequest(0).Method)
	}
}

func TestMockHTTPClient_Errors(t *testing.T) {
	mock := NewMockHTTPClient()
	queued := errors.New("connection refused")
	mock.AddErrorResponse(queued)

	if _, err := get(t, mock, "http://example.com/api"); err != queued {
		t.Errorf("got error %v, want %v", err, queued)
	}

	fallback := errors.New("network error")
	mock.DefaultError = fallback
	if _, err := get(t, mock, "http://example.com/api"); err != fallback {
		t.Errorf("got error %v, want %v", err, fallback)
	}
}

func TestMockHTTPClient_DoFunc(t *testing.T) {
	mock := NewMockHTTPClient()
	mock.DoFunc = func(req *http.Request) (*http.Response, error) {
		return NewResponse(req, http.StatusTeapot, "custom"), nil
	}

	resp, _ := get(t, mock, "http://example.com/api")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusTeapot {
		t.Errorf("got status %d, want %d", resp.StatusCode, http.StatusTeapot)
	}
}

func TestMockHTTPClient_Reset(t *testing.T) {
	mock := NewMockHTTPClient()
	mock.AddResponse(http.StatusOK, "test")
	mock.DefaultError = errors.New("error")
	get(t, mock, "http://example.com/api")
	mock.Reset()

	if mock.RequestCount() != 0 || len(mock.Responses) != 0 || mock.DefaultError != nil {
		t.Error("Reset should clear requests, responses and DefaultError")
	}
}
