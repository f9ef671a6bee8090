package models

import (
	"time"
)

// SsoExchangeState is the server-side rendezvous record for one
// Authorization-Code+PKCE round trip. The browser leg writes the
// provider's response into the mailbox columns; the native client polls
// the same state token and consumes the row exactly once.
type SsoExchangeState struct {
	State        string // primary key, unguessable
	Nonce        string
	Verifier     string // PKCE code verifier; the challenge is derived
	RedirectURI  string
	CodeResponse *string // authorization code from the provider callback
	AuthResponse *string // serialized token set, written after the code exchange
	CreatedAt    time.Time
}

// Expired reports whether the state row is past its TTL.
func (s *SsoExchangeState) Expired(ttl time.Duration, now time.Time) bool {
	return now.After(s.CreatedAt.Add(ttl))
}
