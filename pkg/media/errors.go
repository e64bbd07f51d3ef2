package media

import "errors"

var (
	// ErrSessionClosed indicates the media session has been released
	ErrSessionClosed = errors.New("media session is closed")

	// ErrSessionExists indicates the peer already owns a media session
	ErrSessionExists = errors.New("media session already exists")

	// ErrSessionNotFound indicates no media session is registered for the peer
	ErrSessionNotFound = errors.New("media session not found")

	// ErrForwarderClosed indicates the forwarder has been stopped
	ErrForwarderClosed = errors.New("forwarder is closed")

	// ErrConnectionFailed indicates the transport failed past the retry budget
	ErrConnectionFailed = errors.New("media transport failed")
)
