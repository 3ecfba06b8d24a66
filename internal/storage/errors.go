package storage

import "errors"

// Storage errors shared by all backends.
var (
	// ErrNotFound is returned when a requested session does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when inserting a session whose id
	// already exists. Ids are unique for the lifetime of the store.
	ErrDuplicateKey = errors.New("duplicate key: session id already exists")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrTerminal is returned when attempting to append results or
	// recompute chart data for a session in a terminal state where the
	// mutation is no longer legal. Trades and equity curves freeze the
	// instant a session becomes terminal.
	ErrTerminal = errors.New("session is terminal")
)
