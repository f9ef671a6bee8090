package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"
	"github.com/vaultgate/vaultgate/internal/models"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
)

const (
	SaltLength = 16
	HashLength = 32

	// Argon2id floor when the account uses Argon2id
	MinArgonMemoryMiB    = 64
	MinArgonTimeCost     = 3
	MinArgonParallelism  = 4
)

// CredentialVerifier validates a client-submitted master-password proof
// against the stored KDF output. The client performs its own KDF pass on
// the master password; the server runs a second pass over the submitted
// proof so a stolen database row is not a usable proof.
type CredentialVerifier struct {
	minIterations int
}

func NewCredentialVerifier(minIterations int) *CredentialVerifier {
	return &CredentialVerifier{minIterations: minIterations}
}

// GenerateSalt returns a new random per-user salt.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// GenerateSecurityStamp mints a fresh stamp value. Rotated on every
// credential-affecting change; a mismatch invalidates outstanding
// sessions.
func GenerateSecurityStamp() string {
	return uuid.New().String()
}

// Hash derives the stored verifier from a submitted proof using the
// user's KDF configuration.
func (v *CredentialVerifier) Hash(proof string, salt []byte, user *models.User) string {
	var out []byte
	switch user.KdfType {
	case models.KdfArgon2id:
		memory := MinArgonMemoryMiB
		if user.KdfMemory != nil {
			memory = *user.KdfMemory
		}
		parallelism := MinArgonParallelism
		if user.KdfParallelism != nil {
			parallelism = *user.KdfParallelism
		}
		out = argon2.IDKey([]byte(proof), salt, uint32(user.KdfIterations), uint32(memory)*1024, uint8(parallelism), HashLength)
	default:
		out = pbkdf2.Key([]byte(proof), salt, user.KdfIterations, HashLength, sha256.New)
	}
	return base64.StdEncoding.EncodeToString(out)
}

// Verify compares the submitted proof against the stored hash in
// constant time. needsRehash is true when verification succeeded but the
// account's KDF cost is below the configured floor; the caller schedules
// a rehash from the proof it already holds.
func (v *CredentialVerifier) Verify(user *models.User, proof string) (ok bool, needsRehash bool) {
	salt, err := base64.StdEncoding.DecodeString(user.Salt)
	if err != nil {
		return false, false
	}

	candidate := v.Hash(proof, salt, user)
	if subtle.ConstantTimeCompare([]byte(candidate), []byte(user.PasswordHash)) != 1 {
		return false, false
	}

	return true, v.belowFloor(user)
}

func (v *CredentialVerifier) belowFloor(user *models.User) bool {
	switch user.KdfType {
	case models.KdfArgon2id:
		if user.KdfIterations < MinArgonTimeCost {
			return true
		}
		if user.KdfMemory != nil && *user.KdfMemory < MinArgonMemoryMiB {
			return true
		}
		return false
	default:
		return user.KdfIterations < v.minIterations
	}
}
