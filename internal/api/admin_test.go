package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/forecourt/internal/reconcile"
	"github.com/banshee-data/forecourt/internal/testutil"
)

// localHostRequest creates an httptest request that appears to come from localhost.
// tsweb only serves debug pages to loopback callers.
func localHostRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func adminMux(t *testing.T, h *harness) *http.ServeMux {
	t.Helper()
	mux := http.NewServeMux()
	h.server.AttachAdminRoutes(mux)
	return mux
}

func TestAttachAdminRoutes_Audit(t *testing.T) {
	h := setupTestServer(t, http.StatusCreated, nil)
	testutil.Serve(t, h.h, http.MethodPost, "/frames", frame("7"))
	h.waitIdle(t)

	w := httptest.NewRecorder()
	adminMux(t, h).ServeHTTP(w, localHostRequest(http.MethodGet, "/debug/audit", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/plain"))
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	assert.Equal(t, h.engine.Store().AuditLog(), lines)
}

func TestAttachAdminRoutes_Stats(t *testing.T) {
	h := setupTestServer(t, http.StatusCreated, nil)
	testutil.Serve(t, h.h, http.MethodPost, "/frames", frame("7", "9"))
	h.waitIdle(t)

	w := httptest.NewRecorder()
	adminMux(t, h).ServeHTTP(w, localHostRequest(http.MethodGet, "/debug/stats", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var stats reconcile.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.PostsCompleted)
}

func TestAttachAdminRoutes_Index(t *testing.T) {
	h := setupTestServer(t, http.StatusCreated, nil)

	w := httptest.NewRecorder()
	adminMux(t, h).ServeHTTP(w, localHostRequest(http.MethodGet, "/debug/", nil))

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	for _, want := range []string{"Vehicles tracked", "Retry queue depth", "Remote calls in flight", "audit", "stats"} {
		if !strings.Contains(body, want) {
			t.Errorf("Expected debug index to contain %q", want)
		}
	}
}

func TestAttachAdminRoutes_RejectsRemoteCaller(t *testing.T) {
	h := setupTestServer(t, http.StatusCreated, nil)

	req := httptest.NewRequest(http.MethodGet, "/debug/audit", nil)
	req.RemoteAddr = "203.0.113.7:4000"
	w := httptest.NewRecorder()
	adminMux(t, h).ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("Expected status 403 for a non-loopback caller, got %d", w.Code)
	}
}
