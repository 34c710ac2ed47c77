package rbac

import "errors"

var (
	// ErrValidation covers unknown or malformed permission keys, empty names
	// and other bad input.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound covers missing roles and scope targets, and roles owned by
	// another organization.
	ErrNotFound = errors.New("not found")
	// ErrPermissionDenied covers mutations of system roles or of another
	// organization's roles.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrInvalidScope covers scope-ref type or ownership mismatches.
	ErrInvalidScope = errors.New("invalid scope")
	// ErrConflict covers deletes blocked by live assignments.
	ErrConflict = errors.New("conflict")
	// ErrInternal is returned to callers when a store operation failed; the
	// underlying cause is logged, not surfaced.
	ErrInternal = errors.New("role store failure")
)
