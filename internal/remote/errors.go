package remote

import (
	"errors"
	"fmt"
)

// Error is a transient remote failure: a network error, a timeout or an
// unexpected status. All of them are retried by the caller.
type Error struct {
	Op         string // "post_entry", "put_exit", "records"
	StatusCode int    // zero for transport failures
	Body       string // excerpt of the response body
	Err        error  // underlying transport error, if any
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
	}
	if e.Body != "" {
		return fmt.Sprintf("remote %s: status %d: %s", e.Op, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("remote %s: status %d", e.Op, e.StatusCode)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is a remote failure worth retrying.
func IsTransient(err error) bool {
	var re *Error
	return errors.As(err, &re)
}

// errMissingVehicleID is wrapped when a 201 carries no usable id.
var errMissingVehicleID = errors.New("entry acknowledged without VehicleID")

const maxBodyExcerpt = 256

func excerpt(b []byte) string {
	if len(b) > maxBodyExcerpt {
		return string(b[:maxBodyExcerpt]) + "..."
	}
	return string(b)
}
