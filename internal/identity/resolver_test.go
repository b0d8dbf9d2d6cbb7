// Trailmarks Relay - Real-time presence and chat for the Trailmarks map app
// SPDX-License-Identifier: MIT

package identity

import (
	"context"
	"errors"
	"testing"
	"time"
)

// stubStore is an AccountStore with canned responses.
type stubStore struct {
	accounts map[string]*Account
	err      error
}

func (s *stubStore) FindByID(ctx context.Context, subjectID string) (*Account, error) {
	if s.err != nil {
		return nil, s.err
	}
	if acct, ok := s.accounts[subjectID]; ok {
		return acct, nil
	}
	return nil, ErrAccountNotFound
}

func signedCredential(t *testing.T, subjectID, username string) (string, *JWTVerifier) {
	t.Helper()
	v, err := NewJWTVerifier(testSecret, time.Hour)
	if err != nil {
		t.Fatalf("NewJWTVerifier: %v", err)
	}
	token, err := v.Sign(subjectID, username)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return token, v
}

func TestResolver_EnrichesFromDirectory(t *testing.T) {
	token, v := signedCredential(t, "u1", "dana")
	store := &stubStore{accounts: map[string]*Account{
		"u1": {FirstName: "Dana", LastName: "Levi", Email: "dana@example.com"},
	}}

	id, err := NewResolver(v, store).Resolve(context.Background(), token)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if id.SubjectID != "u1" {
		t.Errorf("subject = %q, want u1", id.SubjectID)
	}
	if id.DisplayLabel != "Dana Levi" {
		t.Errorf("label = %q, want Dana Levi", id.DisplayLabel)
	}
	if id.Email != "dana@example.com" {
		t.Errorf("email = %q, want dana@example.com", id.Email)
	}
}

func TestResolver_InvalidCredential(t *testing.T) {
	_, v := signedCredential(t, "u1", "")

	_, err := NewResolver(v, &stubStore{}).Resolve(context.Background(), "garbage")
	if !errors.Is(err, ErrCredentialInvalid) {
		t.Errorf("expected ErrCredentialInvalid, got %v", err)
	}
}

func TestResolver_MissingAccountFallsBack(t *testing.T) {
	token, v := signedCredential(t, "u1", "dana")

	id, err := NewResolver(v, &stubStore{}).Resolve(context.Background(), token)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if id.DisplayLabel != FallbackLabel {
		t.Errorf("label = %q, want %q", id.DisplayLabel, FallbackLabel)
	}
	if id.Email != "" {
		t.Errorf("email = %q, want empty", id.Email)
	}
}

func TestResolver_StoreErrorDegradesNotFails(t *testing.T) {
	token, v := signedCredential(t, "u1", "dana")
	store := &stubStore{err: errors.New("directory unreachable")}

	id, err := NewResolver(v, store).Resolve(context.Background(), token)
	if err != nil {
		t.Fatalf("lookup error must not fail resolution: %v", err)
	}
	if id.DisplayLabel != FallbackLabel {
		t.Errorf("label = %q, want %q", id.DisplayLabel, FallbackLabel)
	}
}

func TestResolver_NilStoreDisablesEnrichment(t *testing.T) {
	token, v := signedCredential(t, "u1", "dana")

	id, err := NewResolver(v, nil).Resolve(context.Background(), token)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if id.DisplayLabel != FallbackLabel {
		t.Errorf("label = %q, want %q", id.DisplayLabel, FallbackLabel)
	}
}

func TestAccount_DisplayLabel(t *testing.T) {
	tests := []struct {
		name    string
		account *Account
		want    string
	}{
		{"full name", &Account{FirstName: "Dana", LastName: "Levi", Username: "dlevi", Email: "d@e.com"}, "Dana Levi"},
		{"first only", &Account{FirstName: "Dana", Email: "d@e.com"}, "Dana"},
		{"last only", &Account{LastName: "Levi"}, "Levi"},
		{"username fallback", &Account{Username: "dlevi", Email: "d@e.com"}, "dlevi"},
		{"email fallback", &Account{Email: "d@e.com"}, "d@e.com"},
		{"whitespace names skipped", &Account{FirstName: "  ", LastName: " ", Username: "dlevi"}, "dlevi"},
		{"all empty", &Account{}, FallbackLabel},
		{"nil account", nil, FallbackLabel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.account.DisplayLabel(); got != tt.want {
				t.Errorf("DisplayLabel() = %q, want %q", got, tt.want)
			}
		})
	}
}
