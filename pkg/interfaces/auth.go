package interfaces

import (
	"context"
	"time"

	"inquirychat/pkg/types"
)

// Claims is what a verified bearer credential yields
type Claims struct {
	Subject   string
	ExpiresAt time.Time
}

// TokenVerifier validates a bearer credential. Failures wrap
// types.ErrUnauthenticated.
type TokenVerifier interface {
	VerifyToken(credential string) (*Claims, error)
}

// TokenIssuer mints a bearer credential for subject
type TokenIssuer interface {
	IssueToken(subject string) (string, time.Time, error)
}

// IdentityResolver maps a verified subject to an account. Unknown or
// disabled accounts fail with an error wrapping types.ErrUnauthenticated.
type IdentityResolver interface {
	ResolveUser(ctx context.Context, subject string) (*types.User, error)
}

// InquiryAuthorizer answers membership questions for the channel
type InquiryAuthorizer interface {
	GetInquiry(ctx context.Context, inquiryID int64) (*types.Inquiry, error)
	IsParticipant(ctx context.Context, inquiryID, userID int64) (bool, error)
}
