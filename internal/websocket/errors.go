package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrWriteTimeout     = errors.New("write timeout")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// Registry-related errors
var (
	ErrNilConnection      = errors.New("connection cannot be nil")
	ErrConnectionNotBound = errors.New("connection must be bound to a user and inquiry before registration")
)

// Close reasons sent with a rejected or replaced connection
const (
	ReasonBadRequest      = "bad request"
	ReasonUnauthenticated = "unauthenticated"
	ReasonForbidden       = "forbidden"
	ReasonInternal        = "internal error"
	ReasonSuperseded      = "superseded"
	ReasonShutdown        = "server shutting down"
)
