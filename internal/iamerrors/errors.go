// Package iamerrors defines the error kinds shared by all IAM components.
// A failing operation returns one of these sentinels, usually wrapped with
// context via fmt.Errorf("...: %w", err); callers classify with errors.Is.
package iamerrors

import (
	"errors"
)

var (
	// ErrFailed is the catch-all kind for operations that failed for a
	// reason no other kind describes.
	ErrFailed = errors.New("failed")
	// ErrInvalidArgument indicates malformed or conflicting caller input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotFound indicates a missing object: cert type, storage entry,
	// token slot, pending key.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExist indicates a uniqueness violation on insert.
	ErrAlreadyExist = errors.New("already exist")
	// ErrAlreadyLoggedIn is returned by the PKCS#11 layer when a session
	// login races an existing login; callers usually treat it as success.
	ErrAlreadyLoggedIn = errors.New("already logged in")
	// ErrNoMemory indicates a bounded collection is full.
	ErrNoMemory = errors.New("no memory")
	// ErrOutOfRange indicates an index outside a valid range.
	ErrOutOfRange = errors.New("out of range")
	// ErrTimeout indicates an operation did not complete in time.
	ErrTimeout = errors.New("timeout")
	// ErrNotSupported indicates a requested capability the implementation
	// does not provide (e.g. an unknown key algorithm).
	ErrNotSupported = errors.New("not supported")
	// ErrWrongState indicates an operation issued in a state that does not
	// permit it.
	ErrWrongState = errors.New("wrong state")
	// ErrRuntime indicates an unexpected condition inside the library
	// underneath (Cryptoki return codes with no better mapping).
	ErrRuntime = errors.New("runtime error")
)
