package models

import (
	"time"
)

// TwoFactorProviderType identifies one of the closed set of step-up
// providers. Wire values match the client protocol.
type TwoFactorProviderType int

const (
	ProviderAuthenticator TwoFactorProviderType = 0 // TOTP
	ProviderEmail         TwoFactorProviderType = 1
	ProviderDuo           TwoFactorProviderType = 2
	ProviderYubiKey       TwoFactorProviderType = 3
	ProviderWebAuthn      TwoFactorProviderType = 7
	ProviderRemember      TwoFactorProviderType = 5
)

func (t TwoFactorProviderType) String() string {
	switch t {
	case ProviderAuthenticator:
		return "authenticator"
	case ProviderEmail:
		return "email"
	case ProviderDuo:
		return "duo"
	case ProviderYubiKey:
		return "yubikey"
	case ProviderWebAuthn:
		return "webauthn"
	case ProviderRemember:
		return "remember"
	default:
		return "unknown"
	}
}

// TwoFactorMethod is one enabled (user, provider) pair. Data is an
// opaque provider-specific secret blob: TOTP seed, WebAuthn credential
// descriptors, Duo integration keys, or a YubiKey public ID.
type TwoFactorMethod struct {
	ID       string
	UserID   string
	Type     TwoFactorProviderType
	Enabled  bool
	Data     []byte
	LastUsed int64 // last accepted TOTP step, for replay rejection
}

// PendingTwoFactorLogin exists only between "password verified" and
// "two-factor verified or expired". At most one live row per
// (user, device); a second attempt from the same device replaces it.
type PendingTwoFactorLogin struct {
	UserID       string
	DeviceID     string
	DeviceName   string
	IP           string
	EmailCodeSum *string // SHA-256 of the mailed one-time code, email provider only
	SessionBlob  []byte  // serialized WebAuthn session data between challenge and verify
	LoginTime    time.Time
}

// Expired reports whether the pending login is older than ttl.
func (p *PendingTwoFactorLogin) Expired(ttl time.Duration, now time.Time) bool {
	return now.After(p.LoginTime.Add(ttl))
}

// TwoFactorAttempt tracks verification failures for backoff. A window of
// recent failed rows per (user, provider) escalates to rate limiting.
type TwoFactorAttempt struct {
	ID          string
	UserID      string
	Provider    TwoFactorProviderType
	IP          string
	Success     bool
	AttemptedAt time.Time
}
