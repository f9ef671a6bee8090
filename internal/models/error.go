package models

import "errors"

// Sentinel errors for common failure conditions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource already exists")
	ErrForbidden      = errors.New("forbidden")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")

	// Credential and session errors
	ErrInvalidCredential  = errors.New("invalid credential")
	ErrStaleSecurityStamp = errors.New("security stamp is stale")

	// Two-factor errors
	ErrTwoFactorRequired    = errors.New("two-factor authentication required")
	ErrTwoFactorInvalid     = errors.New("two-factor code is invalid")
	ErrTwoFactorRateLimited = errors.New("too many two-factor failures")

	// Ephemeral record lifecycle errors
	ErrRequestExpired         = errors.New("request has expired")
	ErrRequestAlreadyResolved = errors.New("request has already been resolved")

	// SSO errors
	ErrSsoStateMismatch    = errors.New("sso state not found or already consumed")
	ErrSsoNonceMismatch    = errors.New("sso nonce does not match")
	ErrRedirectUriMismatch = errors.New("redirect uri does not match")

	// Emergency access errors
	ErrEmergencyNotEligible          = errors.New("emergency access not eligible in current state")
	ErrEmergencyWaitPeriodNotElapsed = errors.New("emergency access wait period has not elapsed")

	// Collaborator (storage, mailer, IdP, push) failures. Never maps to a
	// successful security decision.
	ErrDependencyUnavailable = errors.New("external dependency unavailable")
)
