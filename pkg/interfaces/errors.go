package interfaces

import (
	"fmt"

	"inquirychat/pkg/types"
)

// Store lookup errors returned by every DatabaseManager implementation
var (
	ErrUserNotFound    = fmt.Errorf("user %w", types.ErrNotFound)
	ErrDoctorNotFound  = fmt.Errorf("doctor %w", types.ErrNotFound)
	ErrInquiryNotFound = fmt.Errorf("inquiry %w", types.ErrNotFound)
	ErrDuplicateMobile = fmt.Errorf("%w: mobile already registered", types.ErrConflict)
	ErrStateConflict   = fmt.Errorf("%w: inquiry state changed concurrently", types.ErrInvalidTransition)
)
