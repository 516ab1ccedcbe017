package models

import "errors"

// Error taxonomy. Contention outcomes (task already claimed, duplicate
// request, lock not acquired) are plain return values, never errors.
// Everything below is raised and mapped to a fault at the API boundary.
var (
	// ErrNotFound: the referenced row does not exist.
	ErrNotFound = errors.New("no such entry")

	// ErrBadState: the operation is invalid for the row's current state,
	// e.g. freeing a closed task.
	ErrBadState = errors.New("invalid state for operation")

	// ErrParameter: the caller supplied malformed or conflicting input.
	ErrParameter = errors.New("invalid parameter")

	// ErrPermission: the session lacks a required permission or does not
	// own the object it is trying to mutate.
	ErrPermission = errors.New("action not allowed")

	// ErrLoop: a cycle was detected while walking parent/child links.
	ErrLoop = errors.New("task loop detected")
)

// FaultError re-raises a stored task fault to the caller of GetResult.
type FaultError struct {
	Fault
}

func (e *FaultError) Error() string {
	return e.FaultString
}
