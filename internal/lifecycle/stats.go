package lifecycle

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Stats summarises a set of records.
type Stats struct {
	Total   int           `json:"total"`
	ByState map[State]int `json:"by_state"`

	PostsCompleted int `json:"posts_completed"`
	PostsPending   int `json:"posts_pending"`
	PutsAttempted  int `json:"puts_attempted"`
	PutsCompleted  int `json:"puts_completed"`
	PutsPending    int `json:"puts_pending"`

	// ExitSuccessRate is PutsCompleted / PutsAttempted as a percentage.
	ExitSuccessRate float64 `json:"exit_success_rate"`

	DeferredExits     int `json:"deferred_exits"`
	IdentityConflicts int `json:"identity_conflicts"`

	// Dwell over Completed records, in seconds.
	DwellMean float64 `json:"dwell_mean_s"`
	DwellP50  float64 `json:"dwell_p50_s"`
	DwellP95  float64 `json:"dwell_p95_s"`
}

// ComputeStats derives Stats from records.
func ComputeStats(records []VehicleRecord) Stats {
	st := Stats{
		Total:   len(records),
		ByState: make(map[State]int, len(AllStates)),
	}
	var dwell []float64
	for _, rec := range records {
		st.ByState[rec.State]++
		if rec.ServerID.IsServer() {
			st.PostsCompleted++
		}
		if rec.State == StateEnteredPendingPost {
			st.PostsPending++
		}
		if !rec.ExitedAt.IsZero() {
			st.PutsAttempted++
		}
		switch rec.State {
		case StateExitPendingPut:
			st.PutsPending++
		case StateCompleted:
			st.PutsCompleted++
			dwell = append(dwell, rec.Dwell().Seconds())
		}
		if rec.ExitDeferred {
			st.DeferredExits++
		}
		if rec.IdentityConflict {
			st.IdentityConflicts++
		}
	}

	if st.PutsAttempted > 0 {
		st.ExitSuccessRate = 100 * float64(st.PutsCompleted) / float64(st.PutsAttempted)
	}
	if len(dwell) > 0 {
		sort.Float64s(dwell)
		st.DwellMean = stat.Mean(dwell, nil)
		st.DwellP50 = stat.Quantile(0.5, stat.Empirical, dwell, nil)
		st.DwellP95 = stat.Quantile(0.95, stat.Empirical, dwell, nil)
	}
	return st
}

// Stats summarises the current record set.
func (s *Store) Stats() Stats {
	return ComputeStats(s.Snapshot())
}
