package session

import (
	"context"
	"fmt"
	"time"

	"sketchsync/api/internal/auth"
)

const lookupTimeout = 2 * time.Second

// Guard verifies a token's signature and expiry, then refuses it when its id
// has been revoked.
type Guard struct {
	verifier    *auth.Verifier
	revocations Revocations
}

func NewGuard(verifier *auth.Verifier, revocations Revocations) *Guard {
	return &Guard{verifier: verifier, revocations: revocations}
}

func (g *Guard) Verify(token string) (auth.Claims, error) {
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	return g.VerifyContext(ctx, token)
}

func (g *Guard) VerifyContext(ctx context.Context, token string) (auth.Claims, error) {
	claims, err := g.verifier.Verify(token)
	if err != nil {
		return auth.Claims{}, err
	}
	if g.revocations == nil {
		return claims, nil
	}
	revoked, err := g.revocations.Revoked(ctx, claims.JTI)
	if err != nil {
		return auth.Claims{}, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return auth.Claims{}, auth.ErrInvalidToken
	}
	return claims, nil
}

// Revoke invalidates claims for the rest of their lifetime.
func (g *Guard) Revoke(ctx context.Context, claims auth.Claims) error {
	if g.revocations == nil {
		return nil
	}
	return g.revocations.Revoke(ctx, claims.JTI, time.Unix(claims.Exp, 0))
}
