package session

import "errors"

var (
	// ErrSessionNotFound is returned for operations on an id the scheduler does not know.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionClosed fails a result callback whose session was closed first.
	ErrSessionClosed = errors.New("session closed")
	// ErrLaunch wraps a failure to spawn a session's shell.
	ErrLaunch = errors.New("launch shell")
	// ErrStopped is returned once the scheduler loop has exited.
	ErrStopped = errors.New("scheduler stopped")
)
