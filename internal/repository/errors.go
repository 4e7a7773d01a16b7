package repository

import "errors"

var (
	// ErrNotFound indicates an entity was not located.
	ErrNotFound = errors.New("repository: not found")
	// ErrInvalidArgument indicates the store rejected malformed input.
	ErrInvalidArgument = errors.New("repository: invalid argument")
	// ErrInvalidTransition indicates a run was not in the state an update expected.
	ErrInvalidTransition = errors.New("repository: invalid status transition")
)
