// Package session owns the lifecycle of interview-assistance sessions.
//
// The [Manager] is the single source of truth for session state. Every other
// component (transcript buffer, suggestion engine, fan-out hub, store) is
// mutated only through it, and every operation addresses a session by its
// explicit id. Each session has its own mutex, so operations on one session
// are serialised while different sessions proceed independently.
//
// Locks are always taken in the order manager index, session, hub.
package session

import "errors"

var (
	// ErrNotFound is returned for an unknown session id.
	ErrNotFound = errors.New("session: not found")

	// ErrConflict is returned when a business rule would be violated, for
	// example a second in-flight session for the same owner.
	ErrConflict = errors.New("session: conflict")

	// ErrInvalidState is returned when an operation is not allowed in the
	// session's current state.
	ErrInvalidState = errors.New("session: invalid state")

	// ErrBusy is returned by [Manager.Purge] when another operation holds the
	// session. The retention scheduler retries on the next sweep.
	ErrBusy = errors.New("session: busy")

	// ErrInvalidRequest is returned for malformed input.
	ErrInvalidRequest = errors.New("session: invalid request")

	// ErrClosed is returned once [Manager.Close] has been called.
	ErrClosed = errors.New("session: manager closed")
)
