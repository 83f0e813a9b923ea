// Package apperr defines the error taxonomy shared by the realtime service.
package apperr

import "errors"

var (
	// ErrValidation marks malformed input. Rejected before persistence or
	// broadcast, never retried.
	ErrValidation = errors.New("validation error")

	// ErrStoreUnavailable marks a transient durable-store failure. Retried
	// with backoff before being surfaced to the sender as delivery_failed.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrForbidden is returned when the membership service rejects a
	// (user, conversation) join. Not retried.
	ErrForbidden = errors.New("forbidden")

	// ErrSessionDead marks a session that missed its heartbeat window. It
	// triggers a forced disconnect and a presence update, never a
	// user-visible error.
	ErrSessionDead = errors.New("session dead")
)
