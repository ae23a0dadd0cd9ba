package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates a request violating a write-time invariant.
	ErrValidation = errors.New("validation failed")
	// ErrDuplicate indicates a uniqueness conflict on write.
	ErrDuplicate = errors.New("duplicate entry")
	// ErrUnauthorizedModification indicates an attempt to alter protected
	// policy data, such as default-role grants or a non-deletable role.
	ErrUnauthorizedModification = errors.New("unauthorized modification")
)
