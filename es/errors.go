package es

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrConcurrencyConflict indicates a backend rejected a write because
	// the stored state changed since the concurrency token was captured.
	// Callers should re-open the session and retry the whole operation.
	ErrConcurrencyConflict = errors.New("optimistic concurrency conflict")

	// ErrNotFound indicates the requested document does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNoEvents indicates an attempt to append zero events.
	ErrNoEvents = errors.New("no events to append")

	// ErrSessionClosed indicates a commit was attempted on a session
	// that already committed or failed.
	ErrSessionClosed = errors.New("session is no longer open")
)

// StreamBrokenError indicates a prior commit left orphaned physical
// events that automatic cleanup could not remove. It is not retryable;
// the stream requires administrative repair.
type StreamBrokenError struct {
	ObjectName string
	ObjectID   string
	Info       BrokenStreamInfo
}

func (e *StreamBrokenError) Error() string {
	return fmt.Sprintf("stream %s/%s is broken: orphaned events %d..%d require repair",
		e.ObjectName, e.ObjectID, e.Info.OrphanedFromVersion, e.Info.OrphanedToVersion)
}

// ValidationError indicates malformed input detected before any I/O.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// StorageError wraps a transient or unknown backend failure (timeout,
// throttling, connectivity). The core never retries these internally;
// callers apply their own retry policy.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage operation %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// WrapStorageError wraps err in a StorageError unless it already carries
// one of the typed classifications (conflict, not found, broken stream,
// cancellation), which must pass through unchanged so callers can pick
// the correct recovery strategy.
func WrapStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsClassified(err) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// IsClassified reports whether err already belongs to the error
// taxonomy and must not be re-wrapped.
func IsClassified(err error) bool {
	var broken *StreamBrokenError
	var invalid *ValidationError
	var storage *StorageError
	return errors.Is(err, ErrConcurrencyConflict) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrNoEvents) ||
		errors.Is(err, ErrSessionClosed) ||
		errors.As(err, &broken) ||
		errors.As(err, &invalid) ||
		errors.As(err, &storage) ||
		isCancellation(err)
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
