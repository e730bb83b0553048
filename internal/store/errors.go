package store

import "errors"

// ErrNotFound is returned when a requested item does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a conditional write observes a version other
// than the expected one. Exactly one of two concurrent writers at the same
// observed version receives it.
var ErrConflict = errors.New("store: version conflict")
