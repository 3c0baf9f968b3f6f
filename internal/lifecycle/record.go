package lifecycle

import "time"

// State represents the lifecycle state of a vehicle record.
type State string

const (
	StateDetected           State = "detected"             // First sighting inside the region
	StateEnteredPendingPost State = "entered_pending_post" // Entry write issued, not acknowledged
	StatePosted             State = "posted"               // Entry acknowledged, server id held
	StateInsideConfirmed    State = "inside_confirmed"     // Seen inside again after the entry ack
	StateExitPendingPut     State = "exit_pending_put"     // Exit write issued, not acknowledged
	StateCompleted          State = "completed"            // Exit acknowledged
	StateAbandoned          State = "abandoned"            // Retry ceiling exceeded, no further writes
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{
	StateDetected,
	StateEnteredPendingPost,
	StatePosted,
	StateInsideConfirmed,
	StateExitPendingPut,
	StateCompleted,
	StateAbandoned,
}

// Inside reports whether a record in this state is still considered present
// in the region.
func (s State) Inside() bool {
	switch s {
	case StateDetected, StateEnteredPendingPost, StatePosted, StateInsideConfirmed:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAbandoned
}

// transitions is the permitted edge set. Observations of a record that fall
// outside it are rejected with ErrInvalidTransition.
var transitions = map[State][]State{
	StateDetected:           {StateEnteredPendingPost},
	StateEnteredPendingPost: {StatePosted, StateExitPendingPut, StateAbandoned},
	StatePosted:             {StateInsideConfirmed, StateExitPendingPut},
	StateInsideConfirmed:    {StateExitPendingPut},
	StateExitPendingPut:     {StateCompleted, StateAbandoned},
}

// CanTransition reports whether from → to is a permitted edge.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Exit reasons recorded on a record and carried in exit events.
const (
	ReasonLeftRegion    = "left_region"
	ReasonVanished      = "vanished"
	ReasonDwellExceeded = "dwell_exceeded"
	ReasonAdmin         = "admin"

	// ReasonIdentityConflict marks a record abandoned because the server id
	// returned for its entry already belongs to another record.
	ReasonIdentityConflict = "identity_conflict"
)

// VehicleRecord is the per-object lifecycle record. Records handed out by
// the Store are copies.
type VehicleRecord struct {
	LocalID       string     `json:"local_id"`
	ProvisionalID Identifier `json:"provisional_id"`
	ServerID      Identifier `json:"server_id"`
	ClassLabel    string     `json:"class_label"`
	State         State      `json:"state"`

	EnteredAt   time.Time `json:"entered_at"`
	ExitedAt    time.Time `json:"exited_at,omitzero"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	LastRetryAt time.Time `json:"last_retry_at,omitzero"`

	PostAttempts int `json:"post_attempts"`
	PutAttempts  int `json:"put_attempts"`

	// ExitDeferred is set while an observed exit waits for entry
	// confirmation. DeferredAt is the time the vehicle was seen leaving.
	ExitDeferred bool      `json:"exit_deferred,omitempty"`
	DeferredAt   time.Time `json:"deferred_at,omitzero"`
	ExitReason   string    `json:"exit_reason,omitempty"`

	IdentityConflict bool `json:"identity_conflict,omitempty"`
}

// Dwell returns ExitedAt - EnteredAt, or zero if the record has not exited.
func (r VehicleRecord) Dwell() time.Duration {
	if r.ExitedAt.IsZero() {
		return 0
	}
	return r.ExitedAt.Sub(r.EnteredAt)
}

// ExitTarget returns the identifier an exit write must address: the server
// id when held, otherwise the provisional id.
func (r VehicleRecord) ExitTarget() Identifier {
	if r.ServerID.IsServer() {
		return r.ServerID
	}
	return r.ProvisionalID
}
