package task

import "errors"

var (
	// ErrEmptyQuery rejects task creation with a blank query.
	ErrEmptyQuery = errors.New("query cannot be empty")
	// ErrUnknownMode rejects task creation with an unrecognized mode.
	ErrUnknownMode = errors.New("unknown traversal mode")
	// ErrTaskNotFound is returned for lookups and deletions of missing ids.
	ErrTaskNotFound = errors.New("task not found")
)
