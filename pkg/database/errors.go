package database

import "errors"

// ErrSessionNotFound is returned when a session id does not resolve to a
// stored session. Callers surface this to clients as "session expired"
// rather than a generic failure.
var ErrSessionNotFound = errors.New("session not found")
