package license

import "errors"

var (
	// ErrNotFound marks an unknown license request id or owner.
	ErrNotFound = errors.New("license request not found")

	// ErrAlreadyProcessed marks a transition that lost the conditional
	// update to an earlier action.
	ErrAlreadyProcessed = errors.New("license request already processed")

	// ErrInvalidInput marks malformed caller input (empty owner, unknown plan).
	ErrInvalidInput = errors.New("invalid input")

	// ErrOpenExists marks a Create that lost to a concurrent create for the
	// same owner; the owner already holds an open request.
	ErrOpenExists = errors.New("owner already has an open license request")
)
