package auth

import (
	"errors"
	"fmt"

	"inquirychat/pkg/types"
)

// Every authentication failure wraps types.ErrUnauthenticated
var (
	ErrMissingToken    = fmt.Errorf("%w: missing token", types.ErrUnauthenticated)
	ErrMalformedHeader = fmt.Errorf("%w: invalid authorization format", types.ErrUnauthenticated)
	ErrInvalidToken    = fmt.Errorf("%w: invalid token", types.ErrUnauthenticated)
	ErrExpiredToken    = fmt.Errorf("%w: token expired", types.ErrUnauthenticated)
	ErrUnknownAccount  = fmt.Errorf("%w: unknown account", types.ErrUnauthenticated)
	ErrAccountDisabled = fmt.Errorf("%w: account disabled", types.ErrUnauthenticated)
)

var (
	ErrSecretTooShort = fmt.Errorf("signing secret must be at least %d bytes", minSecretLength)
	ErrEmptySubject   = errors.New("token subject cannot be empty")
)

