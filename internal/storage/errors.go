package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrDuplicate is returned when a unique constraint rejects an insert the
// caller did not expect to conflict (e.g. registering an agent id twice).
var ErrDuplicate = errors.New("storage: duplicate")

// ErrTerminal is returned when a mutation targets a run or job that has
// already reached a terminal state.
var ErrTerminal = errors.New("storage: entity is terminal")
