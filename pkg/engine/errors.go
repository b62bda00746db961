package engine

import (
	"github.com/pkg/errors"

	"github.com/go-go-golems/arbor/pkg/snapshot"
)

var (
	// ErrValidation marks malformed parameters or references that cannot be
	// repaired silently.
	ErrValidation = errors.New("validation failed")
	// ErrStorageTimeout is returned when a call exceeds its deadline. The
	// engine may still complete the request; its result is discarded.
	ErrStorageTimeout = errors.New("storage call timed out")
	// ErrStorageUnavailable is returned once the engine's restart budget is
	// exhausted, and for calls caught in a crash. Writes fail closed from
	// then on; callers keep their in-memory state.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrBackpressure rejects a call immediately when the queue is full.
	ErrBackpressure = errors.New("storage queue full")
	// ErrEngineClosed rejects calls arriving at or pending during shutdown.
	ErrEngineClosed = errors.New("storage engine closed")
	// ErrNotFound is returned by lookups of unknown ids.
	ErrNotFound = errors.New("not found")
)

// Kind strings are part of the wire contract of the call envelope.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, snapshot.ErrSerialization):
		return "serialization"
	case errors.Is(err, ErrStorageTimeout):
		return "storage-timeout"
	case errors.Is(err, ErrStorageUnavailable):
		return "storage-unavailable"
	case errors.Is(err, ErrBackpressure):
		return "backpressure"
	case errors.Is(err, ErrEngineClosed):
		return "engine-closed"
	case errors.Is(err, ErrNotFound):
		return "not-found"
	default:
		return "internal"
	}
}

// IsTransient reports whether the coordinator should retry the call with
// backoff instead of escalating.
func IsTransient(err error) bool {
	return errors.Is(err, ErrStorageTimeout) || errors.Is(err, ErrBackpressure)
}
