package models

import "errors"

// Sentinel errors for the registry and store contracts. Layers wrap these
// with fmt.Errorf("...: %w", err); callers classify with errors.Is.
var (
	// ErrNotFound: unknown device or version on a read path
	ErrNotFound = errors.New("not found")

	// ErrConflict: commitUpdate saw a stale expected sequence; nothing was mutated
	ErrConflict = errors.New("update sequence conflict")

	// ErrDuplicateVersion: put of an existing version id with divergent content
	ErrDuplicateVersion = errors.New("duplicate version id")

	// ErrBusy: another update attempt holds the device lock (fail-fast policy)
	ErrBusy = errors.New("device update in flight")
)
