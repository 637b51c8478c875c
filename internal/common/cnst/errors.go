package cnst

import "errors"

var (
	// ErrStoreUnavailable is returned when a backing store cannot be reached or timed out
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrSessionNotFound is returned when a session does not exist
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExpired is returned when a session exists but is inactive or past expiry
	ErrSessionExpired = errors.New("session expired")
	// ErrSessionIDCollision is returned when a freshly generated session id is already taken
	ErrSessionIDCollision = errors.New("session id collision")
	// ErrForbiddenNamespace is returned when a role requests a namespace it may not join
	ErrForbiddenNamespace = errors.New("forbidden namespace")
	// ErrForbiddenOrigin is returned when a connection origin is not on the allow-list
	ErrForbiddenOrigin = errors.New("forbidden origin")
	// ErrFingerprintMismatch is returned when the client fingerprint differs from the session's
	ErrFingerprintMismatch = errors.New("session fingerprint mismatch")
	// ErrBacklogOverflow is logged when non-critical backlog entries are evicted
	ErrBacklogOverflow = errors.New("backlog overflow")
	// ErrTransportWrite is returned when a push connection write fails
	ErrTransportWrite = errors.New("transport write failure")
	// ErrDuplicateConnection is returned when a connection id is admitted twice
	ErrDuplicateConnection = errors.New("duplicate connection id")
	// ErrConnectionClosed is returned when delivering to a closed connection
	ErrConnectionClosed = errors.New("connection closed")
	// ErrInvalidScope is returned for a message scope that cannot be resolved
	ErrInvalidScope = errors.New("invalid target scope")
	// ErrNotReceiver is returned when a bus cannot receive events
	ErrNotReceiver = errors.New("bus cannot receive events")
	// ErrNotSender is returned when a bus cannot send events
	ErrNotSender = errors.New("bus cannot send events")
)
