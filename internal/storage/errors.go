package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrConflict is returned when an append collides with an existing record,
// e.g. a job name that was already recorded.
var ErrConflict = errors.New("storage: conflict")
