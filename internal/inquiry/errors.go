package inquiry

import (
	"fmt"

	"inquirychat/pkg/types"
)

// Inquiry lifecycle errors. Each wraps a taxonomy error from pkg/types.
var (
	ErrDoctorUnavailable = fmt.Errorf("%w: doctor is not accepting inquiries", types.ErrConflict)
	ErrNotDoctorOfRecord = fmt.Errorf("%w: only the bound doctor may change this inquiry", types.ErrForbidden)
	ErrNotParticipant    = fmt.Errorf("%w: not a participant of this inquiry", types.ErrForbidden)
	ErrNotPending        = fmt.Errorf("%w: inquiry is not pending", types.ErrInvalidTransition)
	ErrNotInProgress     = fmt.Errorf("%w: inquiry is not in progress", types.ErrInvalidTransition)
	ErrSelfInquiry       = fmt.Errorf("%w: a doctor cannot open an inquiry with themselves", types.ErrBadRequest)
)
