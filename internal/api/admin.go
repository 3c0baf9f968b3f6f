package api

import (
	"fmt"
	"net/http"

	"tailscale.com/tsweb"

	"github.com/banshee-data/forecourt/internal/httputil"
)

// AttachAdminRoutes adds engine counters to the tsweb debug index and
// serves the audit ring and stats under /debug/.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.KVFunc("Vehicles tracked", func() any { return s.engine.Store().Len() })
	debug.KVFunc("Retry queue depth", func() any { return s.engine.Queue().Len() })
	debug.KVFunc("Remote calls in flight", func() any { return s.engine.Stats().InFlight })

	debug.HandleFunc("audit", "Recent lifecycle audit lines", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		for _, line := range s.engine.Store().AuditLog() {
			fmt.Fprintln(w, line)
		}
	})
	debug.HandleFunc("stats", "Record counts by state", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, s.engine.Stats())
	})
}
