// Package lifecycle holds the authoritative per-vehicle record set for a
// monitored forecourt region and the rules that move each record from first
// sighting to a confirmed exit on the remote record-keeping service.
//
// A Store owns the records, the identity Registry derived from them, the
// ordering guard and the audit ring. All of it is protected by a single
// mutex held for the duration of one transition. Methods never perform
// remote calls; operations that require one return an Obligation which the
// caller dispatches after the lock is released, then reports the outcome
// back through ConfirmPost, ConfirmPostFailed or ConfirmPut.
package lifecycle
