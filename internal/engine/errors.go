package engine

import "fmt"

// UnauthorizedError indicates the actor lacks the permission or identity a
// lifecycle operation requires. Rejected before any write is attempted.
type UnauthorizedError struct {
	Requirement string
}

func (e UnauthorizedError) Error() string {
	return fmt.Sprintf("%s required", e.Requirement)
}

// InvalidTransitionError indicates the job's current status does not permit
// the requested operation. Rejected before any write is attempted.
type InvalidTransitionError struct {
	Op   string
	From string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s a job in status %s", e.Op, e.From)
}
