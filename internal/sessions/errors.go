package sessions

import "errors"

// Sentinel errors returned by session stores and the session log. Callers
// match them with errors.Is; backends wrap them with location detail.
var (
	// ErrSessionNotFound is returned when a session ID does not exist.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExists is returned when creating a session whose ID is
	// already present in the backend.
	ErrSessionExists = errors.New("session already exists")

	// ErrEntryNotFound is returned when an entry ID is not in the log.
	ErrEntryNotFound = errors.New("entry not found")

	// ErrSessionClosed is returned for operations on a closed session.
	ErrSessionClosed = errors.New("session closed")

	// ErrCorruptLog is returned when a session file cannot be parsed.
	ErrCorruptLog = errors.New("corrupt session log")
)
