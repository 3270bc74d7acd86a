package repository

import "errors"

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("repository: not found")
	// ErrConflict indicates a conditional update matched no rows because
	// another writer got there first (compare-and-swap failure).
	ErrConflict = errors.New("repository: conflict")
)
