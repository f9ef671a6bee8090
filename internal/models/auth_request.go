package models

import (
	"time"
)

// ApprovalState is the resolution of a device-trust request. Stored as a
// nullable boolean for protocol compatibility but handled as an explicit
// enum so the state machine stays exhaustive.
type ApprovalState int

const (
	ApprovalPending ApprovalState = iota
	ApprovalApproved
	ApprovalDenied
)

// ApprovalStateFromBool maps the stored nullable column to the enum.
func ApprovalStateFromBool(approved *bool) ApprovalState {
	switch {
	case approved == nil:
		return ApprovalPending
	case *approved:
		return ApprovalApproved
	default:
		return ApprovalDenied
	}
}

// Bool returns the nullable column representation.
func (s ApprovalState) Bool() *bool {
	switch s {
	case ApprovalApproved:
		v := true
		return &v
	case ApprovalDenied:
		v := false
		return &v
	default:
		return nil
	}
}

// AuthRequest is one passwordless cross-device login handshake. A new,
// untrusted device creates it with a high-entropy access code and its
// public key; a trusted device resolves it, supplying the vault key
// encrypted to that public key on approval. Terminal once Approved is
// non-nil or the TTL elapses.
type AuthRequest struct {
	ID                 string
	UserID             string
	OrganizationID     *string
	RequestDeviceID    string // client-generated identifier of the requesting device
	RequestDeviceType  int
	RequestIP          string
	ResponseDeviceID   *string
	AccessCode         string
	PublicKey          string
	EncKey             *string // vault key encrypted to PublicKey, set on approval
	MasterPasswordHash *string // grantor's re-proof, set on approval
	Approved           *bool
	CreationDate       time.Time
	ResponseDate       *time.Time
	AuthenticationDate *time.Time
}

// State returns the tri-state resolution of the request.
func (r *AuthRequest) State() ApprovalState {
	return ApprovalStateFromBool(r.Approved)
}

// Expired reports whether the request is past its TTL without an
// approved claim.
func (r *AuthRequest) Expired(ttl time.Duration, now time.Time) bool {
	return now.After(r.CreationDate.Add(ttl))
}
