package models

import (
	"time"
)

// EmergencyAccessType distinguishes read access from full takeover.
type EmergencyAccessType int

const (
	EmergencyAccessView     EmergencyAccessType = 0
	EmergencyAccessTakeover EmergencyAccessType = 1
)

// EmergencyAccessStatus is the escalation state of a grantor/grantee
// relationship.
type EmergencyAccessStatus int

const (
	EmergencyInvited EmergencyAccessStatus = iota
	EmergencyAccepted
	EmergencyConfirmed
	EmergencyRecoveryInitiated
	EmergencyRecoveryApproved
	EmergencyRecoveryRejected
)

func (s EmergencyAccessStatus) String() string {
	switch s {
	case EmergencyInvited:
		return "invited"
	case EmergencyAccepted:
		return "accepted"
	case EmergencyConfirmed:
		return "confirmed"
	case EmergencyRecoveryInitiated:
		return "recovery_initiated"
	case EmergencyRecoveryApproved:
		return "recovery_approved"
	case EmergencyRecoveryRejected:
		return "recovery_rejected"
	default:
		return "unknown"
	}
}

// EmergencyAccess is one grantor→grantee relationship. The grantee is a
// pending email until the invite is accepted. RecoveryApproved is
// reachable only from RecoveryInitiated, by explicit grantor approval or
// automatically once the wait window elapses without rejection.
type EmergencyAccess struct {
	ID                  string
	GrantorID           string
	GranteeID           *string
	Email               *string
	Type                EmergencyAccessType
	Status              EmergencyAccessStatus
	WaitTimeDays        int
	KeyEncrypted        *string // grantor's vault key encrypted to the grantee, set at Confirm
	RecoveryInitiatedAt *time.Time
	LastNotificationAt  *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// WaitElapsed reports whether the auto-approval window has passed.
// False unless recovery has been initiated.
func (e *EmergencyAccess) WaitElapsed(now time.Time) bool {
	if e.RecoveryInitiatedAt == nil {
		return false
	}
	deadline := e.RecoveryInitiatedAt.Add(time.Duration(e.WaitTimeDays) * 24 * time.Hour)
	return !now.Before(deadline)
}

// GrantsAccess reports whether the grantee currently has the configured
// access. Only RecoveryApproved grants anything.
func (e *EmergencyAccess) GrantsAccess() bool {
	return e.Status == EmergencyRecoveryApproved
}
