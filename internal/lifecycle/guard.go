package lifecycle

import "time"

// Consent is the ordering guard's answer for one exit request.
type Consent struct {
	Allowed bool
	// ServerID is set only when the entry has been confirmed.
	ServerID Identifier
	// Target is the identifier the exit write will address.
	Target Identifier
	// Override marks an exit permitted only because the caller forced it.
	Override bool
	Reason   string
}

// Guard reasons.
const (
	ConsentConfirmed = "entry_confirmed"
	ConsentGrace     = "grace_window"
	ConsentOverride  = "override"
	ConsentDenied    = "entry_unconfirmed"
	ConsentBadState  = "not_inside"
)

// OrderingGuard decides whether an exit write may be issued for a record.
type OrderingGuard struct {
	// GracePeriod is how long after creation an unconfirmed record may still
	// exit, addressed by its provisional id.
	GracePeriod time.Duration
}

// Check evaluates rec at now. serverID is the registry's mapping for the
// record, if any. override forces consent for a record still inside the
// region; it is never normal flow and the caller must log it.
func (g OrderingGuard) Check(rec *VehicleRecord, serverID Identifier, now time.Time, override bool) Consent {
	switch rec.State {
	case StatePosted, StateInsideConfirmed:
		c := Consent{Allowed: true, ServerID: serverID, Target: serverID, Reason: ConsentConfirmed}
		if !serverID.IsServer() {
			c.ServerID = Identifier{}
			c.Target = rec.ProvisionalID
		}
		return c
	case StateEnteredPendingPost, StateDetected:
		if now.Sub(rec.EnteredAt) < g.GracePeriod {
			return Consent{Allowed: true, Target: rec.ProvisionalID, Reason: ConsentGrace}
		}
		if override {
			return Consent{Allowed: true, Target: rec.ProvisionalID, Override: true, Reason: ConsentOverride}
		}
		return Consent{Reason: ConsentDenied}
	default:
		return Consent{Reason: ConsentBadState}
	}
}
