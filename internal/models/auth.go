package models

import (
	"github.com/golang-jwt/jwt/v5"
)

// TokenClaims are carried by every access and refresh token. The
// security stamp is re-checked against the user row on each
// authenticated call; a mismatch invalidates the session.
type TokenClaims struct {
	Type          string `json:"type"` // "access" or "refresh"
	UserID        string `json:"user_id"`
	DeviceID      string `json:"device_id"`
	SecurityStamp string `json:"sstamp"`
	jwt.RegisteredClaims
}
