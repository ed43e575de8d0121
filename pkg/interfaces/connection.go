package interfaces

// Connection is the send capability the session registry holds for one
// admitted participant. The registry never reads from it and never owns the
// goroutine behind it.
type Connection interface {
	// WriteJSON queues v for delivery; safe for concurrent use
	WriteJSON(v interface{}) error

	// Close releases the transport. Safe to call more than once.
	Close() error

	// CloseWithReason sends a close frame carrying code and reason, then
	// closes the transport
	CloseWithReason(code int, reason string) error

	// ID uniquely identifies this transport instance
	ID() string

	GetUserID() int64
	GetInquiryID() int64
}
