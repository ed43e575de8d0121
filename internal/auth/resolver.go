package auth

import (
	"context"
	"errors"

	"inquirychat/pkg/interfaces"
	"inquirychat/pkg/types"
)

// Resolver maps a verified token subject (a mobile number) to its account
type Resolver struct {
	users interfaces.UserStore
}

func NewResolver(users interfaces.UserStore) *Resolver {
	return &Resolver{users: users}
}

// ResolveUser returns the enabled account for subject. Unknown and disabled
// accounts are both unauthenticated; store failures are passed through.
func (r *Resolver) ResolveUser(ctx context.Context, subject string) (*types.User, error) {
	user, err := r.users.GetUserByMobile(ctx, subject)
	if errors.Is(err, types.ErrNotFound) {
		return nil, ErrUnknownAccount
	}
	if err != nil {
		return nil, err
	}
	if !user.Enabled {
		return nil, ErrAccountDisabled
	}
	return user, nil
}

// Authenticate verifies credential and resolves its subject in one step
func Authenticate(ctx context.Context, verifier interfaces.TokenVerifier, resolver interfaces.IdentityResolver, credential string) (*types.User, error) {
	claims, err := verifier.VerifyToken(credential)
	if err != nil {
		return nil, err
	}
	return resolver.ResolveUser(ctx, claims.Subject)
}
