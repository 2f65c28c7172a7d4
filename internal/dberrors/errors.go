// Package dberrors defines the sentinel error kinds shared by the revision
// store, view indexer, multipart codec, and replicator.
package dberrors

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a document or revision is absent.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when putRevision targets a stale parent, or
	// forceInsert collides with a different body under the same revid.
	ErrConflict = errors.New("conflict")

	// ErrBadRequest is returned for malformed input: reserved key misuse,
	// invalid attachment stubs, invalid revid format.
	ErrBadRequest = errors.New("bad request")

	// ErrCodec is returned for multipart parse failures, digest mismatches,
	// or JSON parse failures.
	ErrCodec = errors.New("codec error")

	// ErrIO is returned for underlying storage or network failures.
	// Retryable at the caller's discretion.
	ErrIO = errors.New("i/o error")

	// ErrUpstream is returned when a remote peer returns an error the
	// replicator cannot recover from (4xx other than 401).
	ErrUpstream = errors.New("upstream error")

	// ErrCancelled is returned when an operation is stopped before completion.
	ErrCancelled = errors.New("cancelled")
)

// Forbidden carries a validation predicate's rejection: a status code and a
// message, defaulting to 403/"invalid document".
type Forbidden struct {
	Status  int
	Message string
}

func (f *Forbidden) Error() string {
	return fmt.Sprintf("forbidden (%d): %s", f.Status, f.Message)
}

// NewForbidden builds a Forbidden error, defaulting status/message when zero.
func NewForbidden(status int, message string) *Forbidden {
	if status == 0 {
		status = 403
	}
	if message == "" {
		message = "invalid document"
	}
	return &Forbidden{Status: status, Message: message}
}
