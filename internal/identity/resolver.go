// Trailmarks Relay - Real-time presence and chat for the Trailmarks map app
// SPDX-License-Identifier: MIT

package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/trailmarks/relay/internal/logging"
	"github.com/trailmarks/relay/internal/metrics"
)

// Resolver resolves an opaque session credential to an Identity.
type Resolver struct {
	verifier TokenVerifier
	accounts AccountStore // nil disables enrichment
}

// NewResolver creates a resolver. accounts may be nil, in which case every
// identity resolves with the fallback display label.
func NewResolver(verifier TokenVerifier, accounts AccountStore) *Resolver {
	return &Resolver{verifier: verifier, accounts: accounts}
}

// Resolve verifies the credential and enriches the subject with a display
// label from the account directory.
//
// Verification failures return ErrCredentialInvalid (wrapped). Enrichment
// failures do not fail the resolution: the identity falls back to
// FallbackLabel with an empty email.
func (r *Resolver) Resolve(ctx context.Context, credential string) (Identity, error) {
	claims, err := r.verifier.Verify(credential)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrCredentialInvalid, err)
	}

	id := Identity{
		SubjectID:    claims.ID,
		DisplayLabel: FallbackLabel,
	}

	if r.accounts == nil {
		return id, nil
	}

	account, err := r.accounts.FindByID(ctx, claims.ID)
	switch {
	case err == nil:
		metrics.AccountLookups.WithLabelValues("hit").Inc()
		id.DisplayLabel = account.DisplayLabel()
		id.Email = account.Email
	case errors.Is(err, ErrAccountNotFound):
		metrics.AccountLookups.WithLabelValues("miss").Inc()
	default:
		// Directory unreachable or lookup rejected: degrade, don't fail.
		metrics.AccountLookups.WithLabelValues("error").Inc()
		logging.Warn().Err(err).Str("subject", claims.ID).Msg("account enrichment unavailable")
	}

	return id, nil
}
