package store

import "errors"

// Sentinel errors returned by repository implementations. The service layer
// translates these to its own error vocabulary at the boundary.
var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrConflict is returned when the current state does not permit the
	// requested transition (terminal status, duplicate id, second running
	// run, already-decided approval).
	ErrConflict = errors.New("state conflict")

	// ErrInvalidInput is returned for structurally invalid arguments, such
	// as negative spend deltas or a missing id.
	ErrInvalidInput = errors.New("invalid input")
)
