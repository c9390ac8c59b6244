package store

import "errors"

// Sentinel errors surfaced by store operations. Service and API layers
// translate these; nothing above the store inspects driver errors.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable indicates the database could not be reached after the
	// retry budget was exhausted. Maps to HTTP 503.
	ErrUnavailable = errors.New("store unavailable")
)
