package lifecycle

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/forecourt/internal/monitoring"
	"github.com/banshee-data/forecourt/internal/timeutil"
)

var storeLog = monitoring.Component("lifecycle")

// WriteKind identifies which remote write an Obligation asks for.
type WriteKind string

const (
	WriteEntry WriteKind = "entry"
	WriteExit  WriteKind = "exit"
)

// Obligation is a remote write the caller must dispatch once the store lock
// has been released.
type Obligation struct {
	Kind       WriteKind
	LocalID    string
	Target     Identifier // provisional id for entries, exit target for exits
	ClassLabel string
	At         time.Time // entry time or exit time
	Dwell      time.Duration
	Override   bool
	Reason     string
}

// EventKind classifies lifecycle events.
type EventKind string

const (
	EventEntered          EventKind = "entered"
	EventPosted           EventKind = "posted"
	EventExitDeferred     EventKind = "exit_deferred"
	EventExited           EventKind = "exited"
	EventForcedExit       EventKind = "forced_exit"
	EventCompleted        EventKind = "completed"
	EventAbandoned        EventKind = "abandoned"
	EventIdentityConflict EventKind = "identity_conflict"
	EventEvicted          EventKind = "evicted"
)

// Event is a state change surfaced to overlays, statistics and the journal.
type Event struct {
	Kind       EventKind     `json:"kind"`
	LocalID    string        `json:"local_id"`
	ServerID   Identifier    `json:"server_id"`
	ClassLabel string        `json:"class_label"`
	State      State         `json:"state"`
	At         time.Time     `json:"at"`
	Dwell      time.Duration `json:"dwell_ns,omitempty"`
	Reason     string        `json:"reason,omitempty"`
}

// Result collects what one store operation produced.
type Result struct {
	Events      []Event
	Obligations []Obligation
}

// Observation is one tracked object reported for a frame.
type Observation struct {
	LocalID    string
	ClassLabel string
	Inside     bool
}

// StoreConfig holds the policy thresholds and collaborators for a Store.
type StoreConfig struct {
	GracePeriod       time.Duration // Unconfirmed records younger than this may exit
	MaxPostAttempts   int           // Entry attempts, initial included, before Abandoned
	MaxPutAttempts    int           // Exit attempts, initial included, before Abandoned
	ExitOverrideAfter time.Duration // Deferred exits older than this are forced; 0 disables
	AuditCapacity     int           // Audit ring size

	Clock   timeutil.Clock // nil uses the real clock
	NewID   func() string  // provisional id generator; nil uses uuid
	OnEvent func(Event)    // called after the lock is released; may be nil
}

// DefaultStoreConfig returns the default policy.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		GracePeriod:     2 * time.Second,
		MaxPostAttempts: 3,
		MaxPutAttempts:  3,
		AuditCapacity:   1000,
	}
}

// Store is the lock-guarded aggregate of vehicle records and their
// identity registry.
type Store struct {
	mu       sync.RWMutex
	cfg      StoreConfig
	guard    OrderingGuard
	records  map[string]*VehicleRecord
	registry *Registry
	audit    *AuditLog
	clock    timeutil.Clock
	newID    func() string
	closed   bool
}

// NewStore creates an empty store.
func NewStore(cfg StoreConfig) *Store {
	def := DefaultStoreConfig()
	if cfg.MaxPostAttempts < 1 {
		cfg.MaxPostAttempts = def.MaxPostAttempts
	}
	if cfg.MaxPutAttempts < 1 {
		cfg.MaxPutAttempts = def.MaxPutAttempts
	}
	if cfg.AuditCapacity < 1 {
		cfg.AuditCapacity = def.AuditCapacity
	}
	s := &Store{
		cfg:      cfg,
		guard:    OrderingGuard{GracePeriod: cfg.GracePeriod},
		records:  make(map[string]*VehicleRecord),
		registry: NewRegistry(),
		audit:    NewAuditLog(cfg.AuditCapacity),
		clock:    cfg.Clock,
		newID:    cfg.NewID,
	}
	if s.clock == nil {
		s.clock = timeutil.RealClock{}
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s
}

// Config returns the store's policy.
func (s *Store) Config() StoreConfig { return s.cfg }

// logf writes to the audit ring and the diagnostic logger. Caller holds s.mu.
func (s *Store) logf(now time.Time, format string, args ...interface{}) {
	s.audit.Add(now, format, args...)
	storeLog(format, args...)
}

func (s *Store) emit(events []Event) {
	if s.cfg.OnEvent == nil {
		return
	}
	for _, ev := range events {
		s.cfg.OnEvent(ev)
	}
}

func newEvent(kind EventKind, rec *VehicleRecord, at time.Time) Event {
	return Event{
		Kind:       kind,
		LocalID:    rec.LocalID,
		ServerID:   rec.ServerID,
		ClassLabel: rec.ClassLabel,
		State:      rec.State,
		At:         at,
	}
}

// Observe applies one observation for the current frame.
func (s *Store) Observe(o Observation) (Result, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Result{}, ErrStoreClosed
	}
	var res Result
	s.observeLocked(s.clock.Now(), o, &res)
	s.mu.Unlock()

	s.emit(res.Events)
	return res, nil
}

// ObserveFrame applies every observation of one frame. Records still inside
// the region that are absent from the frame are treated as having vanished
// from the tracker and produce an exit. Deferred exits are re-evaluated
// after the frame has been applied.
func (s *Store) ObserveFrame(frame []Observation) (Result, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Result{}, ErrStoreClosed
	}
	now := s.clock.Now()
	var res Result

	seen := make(map[string]struct{}, len(frame))
	for _, o := range frame {
		if _, dup := seen[o.LocalID]; dup {
			continue
		}
		seen[o.LocalID] = struct{}{}
		s.observeLocked(now, o, &res)
	}

	for _, id := range s.sortedIDsLocked() {
		rec := s.records[id]
		if _, ok := seen[id]; ok || !rec.State.Inside() || rec.ExitDeferred {
			continue
		}
		_ = s.requestExitLocked(rec, now, now, ReasonVanished, false, &res)
	}

	s.releaseDeferredLocked(now, &res)
	s.mu.Unlock()

	s.emit(res.Events)
	return res, nil
}

func (s *Store) observeLocked(now time.Time, o Observation, res *Result) {
	rec, ok := s.records[o.LocalID]
	if !ok {
		if !o.Inside {
			return
		}
		rec = &VehicleRecord{
			LocalID:       o.LocalID,
			ProvisionalID: Local(s.newID()),
			ClassLabel:    o.ClassLabel,
			State:         StateDetected,
			EnteredAt:     now,
			LastSeenAt:    now,
		}
		s.records[o.LocalID] = rec
		rec.State = StateEnteredPendingPost
		s.logf(now, "ENTRY %s (%s) provisional %s", rec.LocalID, rec.ClassLabel, rec.ProvisionalID.Value)
		res.Events = append(res.Events, newEvent(EventEntered, rec, now))
		res.Obligations = append(res.Obligations, Obligation{
			Kind:       WriteEntry,
			LocalID:    rec.LocalID,
			Target:     rec.ProvisionalID,
			ClassLabel: rec.ClassLabel,
			At:         rec.EnteredAt,
		})
		return
	}

	// Exiting and terminal records keep their identity: a re-sighting never
	// creates a second record for the same local id.
	if !rec.State.Inside() {
		return
	}

	if !o.Inside {
		if rec.ExitDeferred {
			return
		}
		_ = s.requestExitLocked(rec, now, now, ReasonLeftRegion, false, res)
		return
	}

	rec.LastSeenAt = now
	if rec.ExitDeferred {
		rec.ExitDeferred = false
		rec.DeferredAt = time.Time{}
		rec.ExitReason = ""
		s.logf(now, "EXIT DEFERRAL CANCELLED %s: seen inside again", rec.LocalID)
	}
	if rec.State == StatePosted {
		rec.State = StateInsideConfirmed
	}
}

// requestExitLocked asks the guard for consent and, when granted, moves rec
// to ExitPendingPut with exitedAt = observedAt. A denied request is held as a
// deferred exit. Caller holds s.mu.
func (s *Store) requestExitLocked(rec *VehicleRecord, now, observedAt time.Time, reason string, override bool, res *Result) error {
	sid, _ := s.registry.LookupByLocalID(rec.LocalID)
	consent := s.guard.Check(rec, sid, now, override)
	if !consent.Allowed {
		if consent.Reason == ConsentBadState {
			return fmt.Errorf("exit %s in state %s: %w", rec.LocalID, rec.State, ErrInvalidTransition)
		}
		if !rec.ExitDeferred {
			rec.ExitDeferred = true
			rec.DeferredAt = observedAt
			rec.ExitReason = reason
			s.logf(now, "EXIT DEFERRED %s (%s): entry not confirmed after %s",
				rec.LocalID, reason, now.Sub(rec.EnteredAt).Round(time.Millisecond))
			ev := newEvent(EventExitDeferred, rec, now)
			ev.Reason = reason
			res.Events = append(res.Events, ev)
		}
		return fmt.Errorf("exit %s: %w", rec.LocalID, ErrOrderingViolation)
	}

	if consent.Override {
		s.logf(now, "POLICY EXCEPTION: exit for %s forced before entry confirmation (%s)", rec.LocalID, reason)
	}

	rec.State = StateExitPendingPut
	rec.ExitedAt = observedAt
	rec.ExitReason = reason
	rec.ExitDeferred = false
	rec.DeferredAt = time.Time{}
	dwell := rec.Dwell()

	kind := EventExited
	if reason == ReasonDwellExceeded || reason == ReasonAdmin {
		kind = EventForcedExit
	}
	s.logf(now, "EXIT %s via %s target %s dwell %.1fs (%s)",
		rec.LocalID, consent.Reason, consent.Target, dwell.Seconds(), reason)
	ev := newEvent(kind, rec, now)
	ev.Dwell = dwell
	ev.Reason = reason
	res.Events = append(res.Events, ev)
	res.Obligations = append(res.Obligations, Obligation{
		Kind:       WriteExit,
		LocalID:    rec.LocalID,
		Target:     consent.Target,
		ClassLabel: rec.ClassLabel,
		At:         rec.ExitedAt,
		Dwell:      dwell,
		Override:   consent.Override,
		Reason:     reason,
	})
	return nil
}

func (s *Store) releaseDeferredLocked(now time.Time, res *Result) {
	for _, id := range s.sortedIDsLocked() {
		rec := s.records[id]
		if !rec.ExitDeferred {
			continue
		}
		override := s.cfg.ExitOverrideAfter > 0 && now.Sub(rec.DeferredAt) >= s.cfg.ExitOverrideAfter
		_ = s.requestExitLocked(rec, now, rec.DeferredAt, rec.ExitReason, override, res)
	}
}

// ReleaseDeferredExits re-evaluates every deferred exit against the guard.
func (s *Store) ReleaseDeferredExits() (Result, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Result{}, ErrStoreClosed
	}
	var res Result
	s.releaseDeferredLocked(s.clock.Now(), &res)
	s.mu.Unlock()

	s.emit(res.Events)
	return res, nil
}

// MayWriteExit reports the guard's decision for localID without changing
// any state.
func (s *Store) MayWriteExit(localID string, override bool) (Consent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[localID]
	if !ok {
		return Consent{}, ErrUnknownVehicle
	}
	sid, _ := s.registry.LookupByLocalID(localID)
	return s.guard.Check(rec, sid, s.clock.Now(), override), nil
}

// ForceExit synthesizes an exit for a record still inside the region,
// stamped with the current time, or with the observed leave time when the
// record already holds a deferred exit. The exit still goes through the
// ordering guard; override forces consent and is logged as a policy
// exception.
func (s *Store) ForceExit(localID, reason string, override bool) (Result, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Result{}, ErrStoreClosed
	}
	rec, ok := s.records[localID]
	if !ok {
		s.mu.Unlock()
		return Result{}, fmt.Errorf("force exit %s: %w", localID, ErrUnknownVehicle)
	}
	now := s.clock.Now()
	observedAt := now
	if rec.ExitDeferred {
		observedAt = rec.DeferredAt
	}
	var res Result
	err := s.requestExitLocked(rec, now, observedAt, reason, override, &res)
	s.mu.Unlock()

	s.emit(res.Events)
	return res, err
}

// ExpireDwell forces an exit for every entry-confirmed record whose time in
// the region exceeds maxDwell.
func (s *Store) ExpireDwell(maxDwell time.Duration) (Result, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Result{}, ErrStoreClosed
	}
	now := s.clock.Now()
	var res Result
	for _, id := range s.sortedIDsLocked() {
		rec := s.records[id]
		if rec.State != StateInsideConfirmed && rec.State != StatePosted {
			continue
		}
		if now.Sub(rec.EnteredAt) <= maxDwell {
			continue
		}
		_ = s.requestExitLocked(rec, now, now, ReasonDwellExceeded, false, &res)
	}
	s.mu.Unlock()

	s.emit(res.Events)
	return res, nil
}

// Evict deletes Completed records whose exit is older than retention and
// drops their registry mappings. It returns the evicted local ids.
func (s *Store) Evict(retention time.Duration) ([]string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStoreClosed
	}
	now := s.clock.Now()
	var evicted []string
	var events []Event
	for _, id := range s.sortedIDsLocked() {
		rec := s.records[id]
		if rec.State != StateCompleted || now.Sub(rec.ExitedAt) <= retention {
			continue
		}
		events = append(events, newEvent(EventEvicted, rec, now))
		s.registry.Remove(id)
		delete(s.records, id)
		evicted = append(evicted, id)
	}
	if len(evicted) > 0 {
		s.logf(now, "EVICTED %d completed records older than %s", len(evicted), retention)
	}
	s.mu.Unlock()

	s.emit(events)
	return evicted, nil
}

// ConfirmPost applies a successful entry write. Re-confirming with the same
// server id is a no-op; a different id is flagged as an identity conflict
// and the original is kept. A waiting record offered an id owned by another
// record is flagged and abandoned. A late acknowledgement for a record already
// exiting records the id without moving the state backwards.
func (s *Store) ConfirmPost(localID string, serverID Identifier) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	rec, ok := s.records[localID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("confirm post %s: %w", localID, ErrUnknownVehicle)
	}
	if !serverID.IsServer() {
		s.mu.Unlock()
		return fmt.Errorf("confirm post %s: %w", localID, ErrNotServerIdentifier)
	}
	now := s.clock.Now()
	var events []Event
	err := s.confirmPostLocked(rec, serverID, now, &events)
	s.mu.Unlock()

	s.emit(events)
	return err
}

func (s *Store) confirmPostLocked(rec *VehicleRecord, serverID Identifier, now time.Time, events *[]Event) error {
	if rec.ServerID.IsServer() {
		if rec.ServerID == serverID {
			return nil
		}
		return s.flagConflictLocked(rec, &IdentityConflictError{LocalID: rec.LocalID, Held: rec.ServerID, Offered: serverID}, now, events)
	}

	if err := s.registry.Register(serverID, rec.LocalID); err != nil {
		var conflict *IdentityConflictError
		if !errors.As(err, &conflict) {
			return err
		}
		err = s.flagConflictLocked(rec, conflict, now, events)
		// With no server id of its own the record can neither be confirmed
		// nor exit under the guard, so it ends here.
		if rec.State == StateEnteredPendingPost {
			rec.State = StateAbandoned
			rec.ExitDeferred = false
			rec.DeferredAt = time.Time{}
			s.logf(now, "ABANDONED %s: server id %s already belongs to %s",
				rec.LocalID, serverID.Value, conflict.Owner)
			ev := newEvent(EventAbandoned, rec, now)
			ev.Reason = ReasonIdentityConflict
			*events = append(*events, ev)
		}
		return err
	}

	rec.ServerID = serverID
	switch rec.State {
	case StateEnteredPendingPost:
		rec.State = StatePosted
		s.logf(now, "POSTED %s as %s after %d failed attempts", rec.LocalID, serverID.Value, rec.PostAttempts)
	default:
		s.logf(now, "LATE ENTRY ACK %s as %s in state %s", rec.LocalID, serverID.Value, rec.State)
	}
	*events = append(*events, newEvent(EventPosted, rec, now))
	return nil
}

func (s *Store) flagConflictLocked(rec *VehicleRecord, conflict *IdentityConflictError, now time.Time, events *[]Event) error {
	rec.IdentityConflict = true
	s.logf(now, "IDENTITY CONFLICT %s; keeping original", conflict.Error())
	ev := newEvent(EventIdentityConflict, rec, now)
	ev.Reason = conflict.Offered.String()
	*events = append(*events, ev)
	return conflict
}

// ConfirmPostFailed counts a failed entry write. It reports whether another
// attempt may be made; reaching the ceiling abandons a record still waiting
// for its entry.
func (s *Store) ConfirmPostFailed(localID string) (bool, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, ErrStoreClosed
	}
	rec, ok := s.records[localID]
	if !ok {
		s.mu.Unlock()
		return false, fmt.Errorf("confirm post failed %s: %w", localID, ErrUnknownVehicle)
	}
	now := s.clock.Now()
	rec.PostAttempts++
	rec.LastRetryAt = now

	var events []Event
	retry := false
	switch {
	case rec.State == StateEnteredPendingPost && rec.PostAttempts >= s.cfg.MaxPostAttempts:
		rec.State = StateAbandoned
		rec.ExitDeferred = false
		s.logf(now, "ABANDONED %s: entry failed %d times", rec.LocalID, rec.PostAttempts)
		events = append(events, newEvent(EventAbandoned, rec, now))
	case rec.State == StateEnteredPendingPost:
		retry = true
		s.logf(now, "ENTRY FAILED %s (attempt %d/%d)", rec.LocalID, rec.PostAttempts, s.cfg.MaxPostAttempts)
	default:
		retry = rec.State != StateAbandoned && !rec.ServerID.IsServer() && rec.PostAttempts < s.cfg.MaxPostAttempts
		s.logf(now, "ENTRY FAILED %s in state %s (attempt %d/%d)",
			rec.LocalID, rec.State, rec.PostAttempts, s.cfg.MaxPostAttempts)
	}
	s.mu.Unlock()

	s.emit(events)
	return retry, nil
}

// ConfirmPut applies the outcome of an exit write. On failure it reports
// whether another attempt may be made; reaching the ceiling abandons the
// record with its exit time preserved.
func (s *Store) ConfirmPut(localID string, success bool) (bool, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, ErrStoreClosed
	}
	rec, ok := s.records[localID]
	if !ok {
		s.mu.Unlock()
		return false, fmt.Errorf("confirm put %s: %w", localID, ErrUnknownVehicle)
	}
	if rec.State == StateCompleted && success {
		s.mu.Unlock()
		return false, nil
	}
	if rec.State != StateExitPendingPut {
		s.mu.Unlock()
		return false, fmt.Errorf("confirm put %s in state %s: %w", localID, rec.State, ErrInvalidTransition)
	}
	now := s.clock.Now()

	var events []Event
	retry := false
	if success {
		rec.State = StateCompleted
		s.logf(now, "COMPLETED %s dwell %.1fs", rec.LocalID, rec.Dwell().Seconds())
		ev := newEvent(EventCompleted, rec, now)
		ev.Dwell = rec.Dwell()
		events = append(events, ev)
	} else {
		rec.PutAttempts++
		rec.LastRetryAt = now
		if rec.PutAttempts >= s.cfg.MaxPutAttempts {
			rec.State = StateAbandoned
			s.logf(now, "ABANDONED %s: exit failed %d times", rec.LocalID, rec.PutAttempts)
			events = append(events, newEvent(EventAbandoned, rec, now))
		} else {
			retry = true
			s.logf(now, "EXIT FAILED %s (attempt %d/%d)", rec.LocalID, rec.PutAttempts, s.cfg.MaxPutAttempts)
		}
	}
	s.mu.Unlock()

	s.emit(events)
	return retry, nil
}

// Close stops the store accepting mutations. Outcomes that arrive later are
// discarded with ErrStoreClosed. Reads keep working.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.logf(s.clock.Now(), "STORE CLOSED with %d records", len(s.records))
}

// Closed reports whether Close has been called.
func (s *Store) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *Store) sortedIDsLocked() []string {
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Vehicle returns a copy of the record for localID.
func (s *Store) Vehicle(localID string) (VehicleRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[localID]
	if !ok {
		return VehicleRecord{}, false
	}
	return *rec, true
}

// VehicleByServerID returns a copy of the record mapped to serverID.
func (s *Store) VehicleByServerID(serverID string) (VehicleRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	localID, ok := s.registry.LookupByServerID(serverID)
	if !ok {
		return VehicleRecord{}, false
	}
	rec, ok := s.records[localID]
	if !ok {
		return VehicleRecord{}, false
	}
	return *rec, true
}

// Resolve maps an operator-supplied id to a local id. Server ids take
// precedence over local ids with the same text.
func (s *Store) Resolve(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if localID, ok := s.registry.LookupByServerID(id); ok {
		return localID, true
	}
	if _, ok := s.records[id]; ok {
		return id, true
	}
	return "", false
}

// Snapshot returns copies of every record ordered by entry time, then id.
func (s *Store) Snapshot() []VehicleRecord {
	s.mu.RLock()
	out := make([]VehicleRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].EnteredAt.Equal(out[j].EnteredAt) {
			return out[i].EnteredAt.Before(out[j].EnteredAt)
		}
		return out[i].LocalID < out[j].LocalID
	})
	return out
}

// Mappings returns a copy of the registry's server id → local id index.
func (s *Store) Mappings() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registry.Mappings()
}

// RebuildRegistry re-derives the registry from the current records.
func (s *Store) RebuildRegistry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := make([]VehicleRecord, 0, len(s.records))
	for _, id := range s.sortedIDsLocked() {
		recs = append(recs, *s.records[id])
	}
	s.registry.Rebuild(recs)
}

// AuditLog returns the held audit lines, oldest first.
func (s *Store) AuditLog() []string {
	return s.audit.Lines()
}

// Len returns the number of records held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
