// Trailmarks Relay - Real-time presence and chat for the Trailmarks map app
// SPDX-License-Identifier: MIT

// Package identity resolves session credentials to display identities.
//
// Resolution is two-phase: the bearer token is verified cryptographically
// (fatal on failure), then the subject is enriched against the account
// directory to compute a human display label (best-effort; failure degrades
// to a fallback label and never fails the resolution).
package identity

import (
	"context"
	"errors"
	"strings"
)

// ErrCredentialInvalid reports a credential that failed verification:
// bad signature, malformed structure, or expiry.
var ErrCredentialInvalid = errors.New("credential invalid")

// ErrAccountNotFound reports a subject with no entry in the account
// directory. Callers treat it as a cache miss, not a failure.
var ErrAccountNotFound = errors.New("account not found")

// FallbackLabel is the display label used when the account directory has
// nothing usable for a subject.
const FallbackLabel = "unknown"

// Identity is the resolved identity bound to an authenticated connection.
type Identity struct {
	// SubjectID is the stable account identifier from the token claims.
	SubjectID string

	// DisplayLabel is the human-readable label shown in presence lists
	// and used for private-message addressing.
	DisplayLabel string

	// Email is the account email when the directory knows it. It feeds
	// the fromEmail field on relayed messages.
	Email string
}

// Account is the directory record for a subject. All fields are optional.
type Account struct {
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Username  string `json:"username,omitempty"`
	Email     string `json:"email,omitempty"`
}

// DisplayLabel computes the account's display label:
// full name, then username, then email, then FallbackLabel.
func (a *Account) DisplayLabel() string {
	if a != nil {
		if name := strings.TrimSpace(strings.Join(nonEmpty(a.FirstName, a.LastName), " ")); name != "" {
			return name
		}
		if a.Username != "" {
			return a.Username
		}
		if a.Email != "" {
			return a.Email
		}
	}
	return FallbackLabel
}

func nonEmpty(values ...string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// AccountStore is a read-only view of the account directory.
type AccountStore interface {
	// FindByID returns the account for a subject id, ErrAccountNotFound
	// if the directory has no record, or another error if the lookup
	// itself failed.
	FindByID(ctx context.Context, subjectID string) (*Account, error)
}
