package types

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every layer. Package-level errors wrap one of
// these so callers can classify with errors.Is.
var (
	ErrBadRequest        = errors.New("bad request")
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrForbidden         = errors.New("forbidden")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrConflict          = errors.New("conflict")
	ErrInternal          = errors.New("internal error")
)

// Validation errors for inbound events and domain values
var (
	ErrMalformedEvent     = fmt.Errorf("%w: event is not a JSON object", ErrBadRequest)
	ErrInvalidMessageKind = fmt.Errorf("%w: msgType must be TEXT or IMAGE", ErrBadRequest)
	ErrMissingContent     = fmt.Errorf("%w: content is required", ErrBadRequest)
	ErrContentTooLarge    = fmt.Errorf("%w: message content exceeds 64KB limit", ErrBadRequest)
	ErrInvalidMobile      = fmt.Errorf("%w: mobile must be an 11 digit mainland number", ErrBadRequest)
	ErrInvalidSymptoms    = fmt.Errorf("%w: symptom description must be 1-5000 characters", ErrBadRequest)
)

// Kind returns the taxonomy error err belongs to, or ErrInternal when it
// does not wrap any of them.
func Kind(err error) error {
	for _, kind := range []error{
		ErrBadRequest,
		ErrUnauthenticated,
		ErrForbidden,
		ErrNotFound,
		ErrInvalidTransition,
		ErrConflict,
		ErrInternal,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return ErrInternal
}
