package hub

import "errors"

// Hub-specific errors. Operating on an unknown or disconnected connection is a
// precondition violation and fails loudly so callers can detect stale handles.
var (
	ErrUnknownConnection      = errors.New("unknown connection")
	ErrConnectionDisconnected = errors.New("connection is disconnected")
	ErrHubClosed              = errors.New("hub is closed")
)
