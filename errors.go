package policy

import (
	"errors"
	"fmt"
)

// Error taxonomy. The engine never raises a Forbidden/Unauthorized error:
// enforcement is the caller's job, the engine only computes the decision.
var (
	ErrNotFound   = errors.New("policy: not found")
	ErrConflict   = errors.New("policy: conflict")
	ErrBadRequest = errors.New("policy: bad request")
)

// ConflictError reports an active holder already occupying the
// (position, scope) slot at the requested instant. It unwraps to ErrConflict.
type ConflictError struct {
	AppointmentID uint
	UserID        uint
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("policy: conflict: appointment %d (user %d) is already active at the requested instant", e.AppointmentID, e.UserID)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }
