package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vaultgate/vaultgate/internal/models"
)

func TestTokenManager_RoundTrip(t *testing.T) {
	tm := NewTokenManager("test-secret-32-characters-long!", 2*time.Hour, 30*24*time.Hour)
	user := &models.User{ID: "user-1", SecurityStamp: "stamp-1"}

	tokenString, err := tm.GenerateAccessToken(user, "device-1")
	require.NoError(t, err)

	claims, err := tm.ValidateToken(tokenString)
	require.NoError(t, err)
	assert.Equal(t, "access", claims.Type)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "device-1", claims.DeviceID)
	assert.Equal(t, "stamp-1", claims.SecurityStamp)
	assert.NotEmpty(t, claims.ID)
}

func TestTokenManager_RefreshTokenType(t *testing.T) {
	tm := NewTokenManager("test-secret-32-characters-long!", 2*time.Hour, 30*24*time.Hour)
	user := &models.User{ID: "user-1", SecurityStamp: "stamp-1"}

	tokenString, err := tm.GenerateRefreshToken(user, "device-1")
	require.NoError(t, err)

	claims, err := tm.ValidateToken(tokenString)
	require.NoError(t, err)
	assert.Equal(t, "refresh", claims.Type)
}

func TestTokenManager_ExpiredToken(t *testing.T) {
	tm := NewTokenManager("test-secret-32-characters-long!", -1*time.Minute, 30*24*time.Hour)
	user := &models.User{ID: "user-1", SecurityStamp: "stamp-1"}

	tokenString, err := tm.GenerateAccessToken(user, "device-1")
	require.NoError(t, err)

	_, err = tm.ValidateToken(tokenString)
	assert.Error(t, err)
}

func TestTokenManager_WrongSecret(t *testing.T) {
	tm := NewTokenManager("test-secret-32-characters-long!", 2*time.Hour, 30*24*time.Hour)
	other := NewTokenManager("a-different-secret-32-chars-long", 2*time.Hour, 30*24*time.Hour)
	user := &models.User{ID: "user-1", SecurityStamp: "stamp-1"}

	tokenString, err := tm.GenerateAccessToken(user, "device-1")
	require.NoError(t, err)

	_, err = other.ValidateToken(tokenString)
	assert.Error(t, err)
}
