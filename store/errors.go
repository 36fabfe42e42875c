package store

import "errors"

// Sentinel errors for store operations.
var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate entry")
	ErrConflict  = errors.New("conflict")
	// ErrStoreUnavailable is returned for writes while the circuit
	// breaker is open; the failure is surfaced, never silently dropped.
	ErrStoreUnavailable = errors.New("store unavailable")
)
