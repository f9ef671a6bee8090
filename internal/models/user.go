package models

import (
	"time"
)

// KDF algorithm identifiers. Wire values match the client protocol.
const (
	KdfPBKDF2   = 0
	KdfArgon2id = 1
)

// User holds the identity and master-password verification material for
// an account. The server never sees the master password itself, only the
// client-side KDF output, which is hashed again before storage.
type User struct {
	ID             string
	Email          string
	Name           string
	PasswordHash   string
	Salt           string
	KdfType        int
	KdfIterations  int
	KdfMemory      *int // Argon2id only, MiB
	KdfParallelism *int // Argon2id only
	SecurityStamp  string
	Enabled        bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Device is one client installation, identified by a stable
// client-generated UUID. Created on first successful login from that
// identifier, updated on each token refresh.
type Device struct {
	ID           string // client-generated identifier
	UserID       string
	Name         string
	Type         int // client application kind as reported by the device
	PushToken    *string
	RefreshToken string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SsoUser links a local account to an external identity provider subject.
// Created on the first federated login and keyed by the provider's stable
// subject identifier.
type SsoUser struct {
	UserID     string
	Identifier string
	CreatedAt  time.Time
}
