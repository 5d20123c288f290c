package request

import "errors"

var (
	// ErrNotFound marks an unknown request id.
	ErrNotFound = errors.New("request not found")

	// ErrAlreadyProcessed marks a transition that lost the conditional
	// update: another action already moved the record. Callers surface it
	// as success=false, never as a server error.
	ErrAlreadyProcessed = errors.New("request already processed")

	// ErrInvalidValue marks a non-finite or non-positive value. The request
	// state does not change and the operator may retry.
	ErrInvalidValue = errors.New("invalid value")

	// ErrInvalidInput marks malformed caller input (empty subject, bad id).
	ErrInvalidInput = errors.New("invalid input")
)
