// Package api exposes the frame ingest and diagnostics HTTP routes.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/forecourt/internal/httputil"
	"github.com/banshee-data/forecourt/internal/journal"
	"github.com/banshee-data/forecourt/internal/lifecycle"
	"github.com/banshee-data/forecourt/internal/reconcile"
	"github.com/banshee-data/forecourt/internal/remote"
	"github.com/banshee-data/forecourt/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// maxFrameBytes caps a POST /frames body.
const maxFrameBytes = 1 << 20

// Server serves the forecourt HTTP API. The journal is optional.
type Server struct {
	engine  *reconcile.Engine
	journal *journal.Journal
	started time.Time
}

func NewServer(engine *reconcile.Engine, j *journal.Journal) *Server {
	return &Server{
		engine:  engine,
		journal: j,
		started: time.Now(),
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/frames", s.handleFrames)
	mux.HandleFunc("/vehicles", s.listVehicles)
	mux.HandleFunc("/vehicles/", s.handleVehicleByID)
	mux.HandleFunc("/force-exit-all", s.forceExitAll)
	mux.HandleFunc("/remote/records", s.listRemoteRecords)
	mux.HandleFunc("/audit", s.showAudit)
	mux.HandleFunc("/stats", s.showStats)
	mux.HandleFunc("/healthz", s.healthz)
	return mux
}

// FrameRequest is one frame of tracker output.
type FrameRequest struct {
	Detections []reconcile.Detection `json:"detections"`
}

// FrameResponse lists the lifecycle events the frame produced.
type FrameResponse struct {
	Events []lifecycle.Event `json:"events"`
}

// handleFrames handles POST /frames
func (s *Server) handleFrames(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	var req FrameRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxFrameBytes)).Decode(&req); err != nil {
		httputil.BadRequest(w, "invalid frame: "+err.Error())
		return
	}

	events, err := s.engine.ProcessFrame(req.Detections)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if events == nil {
		events = []lifecycle.Event{}
	}
	httputil.WriteJSONOK(w, FrameResponse{Events: events})
}

// listVehicles handles GET /vehicles[?state=...]
func (s *Server) listVehicles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	records := s.engine.Store().Snapshot()
	if want := r.URL.Query().Get("state"); want != "" {
		filtered := records[:0]
		for _, rec := range records {
			if string(rec.State) == want {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}
	httputil.WriteJSONOK(w, records)
}

// handleVehicleByID handles GET /vehicles/:id, GET /vehicles/:id/events
// and POST /vehicles/:id/force-exit. The id may be a local or server id.
func (s *Server) handleVehicleByID(w http.ResponseWriter, r *http.Request) {
	pathParts := strings.Split(strings.TrimPrefix(r.URL.Path, "/vehicles/"), "/")
	if len(pathParts) == 0 || pathParts[0] == "" {
		httputil.BadRequest(w, "missing vehicle id")
		return
	}
	id := pathParts[0]

	action := ""
	if len(pathParts) > 1 {
		action = pathParts[1]
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}
		s.showVehicle(w, id)
	case "events":
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}
		s.listVehicleEvents(w, r, id)
	case "force-exit":
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		s.forceExit(w, r, id)
	default:
		httputil.NotFound(w, "unknown vehicle action "+action)
	}
}

func (s *Server) showVehicle(w http.ResponseWriter, id string) {
	store := s.engine.Store()
	localID, ok := store.Resolve(id)
	if !ok {
		httputil.NotFound(w, "vehicle not found")
		return
	}
	rec, ok := store.Vehicle(localID)
	if !ok {
		httputil.NotFound(w, "vehicle not found")
		return
	}
	httputil.WriteJSONOK(w, rec)
}

func (s *Server) listVehicleEvents(w http.ResponseWriter, r *http.Request, id string) {
	if s.journal == nil {
		httputil.NotFound(w, "journal not enabled")
		return
	}
	localID := id
	if resolved, ok := s.engine.Store().Resolve(id); ok {
		localID = resolved
	}
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			httputil.BadRequest(w, "invalid 'limit' parameter")
			return
		}
		limit = n
	}
	events, err := s.journal.Events(r.Context(), localID, limit)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, "failed to read journal: "+err.Error())
		return
	}
	if events == nil {
		events = []lifecycle.Event{}
	}
	httputil.WriteJSONOK(w, events)
}

// ForceExitResponse reports an administrative exit request.
type ForceExitResponse struct {
	Deferred bool              `json:"deferred"`
	Events   []lifecycle.Event `json:"events"`
}

// forceExit handles POST /vehicles/:id/force-exit[?override=true]. A
// vehicle whose entry is unconfirmed has its exit deferred unless override
// is set.
func (s *Server) forceExit(w http.ResponseWriter, r *http.Request, id string) {
	override, ok := parseOverride(w, r)
	if !ok {
		return
	}

	events, err := s.engine.ForceExit(id, override)
	if events == nil {
		events = []lifecycle.Event{}
	}
	switch {
	case err == nil:
		httputil.WriteJSONOK(w, ForceExitResponse{Events: events})
	case errors.Is(err, lifecycle.ErrOrderingViolation):
		httputil.WriteJSON(w, http.StatusAccepted, ForceExitResponse{Deferred: true, Events: events})
	default:
		writeEngineError(w, err)
	}
}

// forceExitAll handles POST /force-exit-all[?override=true]. Vehicles whose
// entry is unconfirmed are deferred, not counted.
func (s *Server) forceExitAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	override, ok := parseOverride(w, r)
	if !ok {
		return
	}
	issued, err := s.engine.ForceExitAll(override)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]int{"issued": issued})
}

func parseOverride(w http.ResponseWriter, r *http.Request) (bool, bool) {
	o := r.URL.Query().Get("override")
	if o == "" {
		return false, true
	}
	v, err := strconv.ParseBool(o)
	if err != nil {
		httputil.BadRequest(w, "invalid 'override' parameter")
		return false, false
	}
	return v, true
}

// listRemoteRecords handles GET /remote/records[?vehicle_id=N], a read
// passthrough to the record-keeping service.
func (s *Server) listRemoteRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	records, err := s.engine.RemoteRecords(r.Context(), r.URL.Query().Get("vehicle_id"))
	if err != nil {
		var re *remote.Error
		if errors.As(err, &re) && re.StatusCode == http.StatusNotFound {
			httputil.NotFound(w, err.Error())
			return
		}
		httputil.WriteJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	if records == nil {
		records = []remote.Record{}
	}
	httputil.WriteJSONOK(w, records)
}

// AuditResponse is the audit ring, oldest line first.
type AuditResponse struct {
	Capacity int      `json:"capacity"`
	Lines    []string `json:"lines"`
}

// showAudit handles GET /audit[?tail=N]
func (s *Server) showAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	lines := s.engine.Store().AuditLog()
	if t := r.URL.Query().Get("tail"); t != "" {
		n, err := strconv.Atoi(t)
		if err != nil || n < 1 {
			httputil.BadRequest(w, "invalid 'tail' parameter")
			return
		}
		if n < len(lines) {
			lines = lines[len(lines)-n:]
		}
	}
	if lines == nil {
		lines = []string{}
	}
	httputil.WriteJSONOK(w, AuditResponse{
		Capacity: s.engine.Store().Config().AuditCapacity,
		Lines:    lines,
	})
}

// showStats handles GET /stats
func (s *Server) showStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.engine.Stats())
}

// HealthResponse is the liveness payload.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Uptime   string `json:"uptime"`
	Vehicles int    `json:"vehicles"`
}

// healthz handles GET /healthz
func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	store := s.engine.Store()
	if store.Closed() {
		httputil.WriteJSON(w, http.StatusServiceUnavailable, HealthResponse{
			Status:  "shutting_down",
			Version: version.String(),
		})
		return
	}
	httputil.WriteJSONOK(w, HealthResponse{
		Status:   "ok",
		Version:  version.String(),
		Uptime:   time.Since(s.started).Round(time.Second).String(),
		Vehicles: store.Len(),
	})
}

func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrUnknownVehicle):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		httputil.Conflict(w, err.Error())
	case errors.Is(err, reconcile.ErrShuttingDown), errors.Is(err, lifecycle.ErrStoreClosed):
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, err.Error())
	default:
		httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
	}
}
