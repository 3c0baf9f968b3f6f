package lifecycle

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownVehicle is returned when no record exists for a local id.
	ErrUnknownVehicle = errors.New("lifecycle: unknown vehicle")
	// ErrOrderingViolation is returned when an exit is requested before the
	// entry is confirmed, outside the grace window, without an override.
	ErrOrderingViolation = errors.New("lifecycle: exit requested before entry confirmed")
	// ErrStoreClosed is returned by every mutation after Close.
	ErrStoreClosed = errors.New("lifecycle: store closed")
	// ErrInvalidTransition is returned when the record's state does not
	// accept the requested event.
	ErrInvalidTransition = errors.New("lifecycle: invalid transition")
	// ErrNotServerIdentifier is returned when a provisional identifier is
	// offered where an authoritative one is required.
	ErrNotServerIdentifier = errors.New("lifecycle: identifier is not server-assigned")
)

// IdentityConflictError reports that the remote service returned an
// authoritative id that differs from the one already held.
type IdentityConflictError struct {
	LocalID string
	Held    Identifier
	Offered Identifier
	// Owner is set when Offered is already mapped to another vehicle.
	Owner string
}

func (e *IdentityConflictError) Error() string {
	if e.Owner != "" {
		return fmt.Sprintf("lifecycle: identity conflict for %s: %s already belongs to %s",
			e.LocalID, e.Offered, e.Owner)
	}
	return fmt.Sprintf("lifecycle: identity conflict for %s: holding %s, offered %s",
		e.LocalID, e.Held, e.Offered)
}
