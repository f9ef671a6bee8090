package twofactor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vaultgate/vaultgate/internal/models"
)

func TestRememberProvider_RoundTrip(t *testing.T) {
	provider := NewRememberProvider("remember-secret", 30*24*time.Hour)

	token, err := provider.Issue("user-1", "device-1")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	user := &models.User{ID: "user-1"}
	pending := &models.PendingTwoFactorLogin{UserID: "user-1", DeviceID: "device-1"}

	err = provider.Verify(context.Background(), user, nil, pending, token)
	assert.NoError(t, err)
}

func TestRememberProvider_RejectsOtherDevice(t *testing.T) {
	provider := NewRememberProvider("remember-secret", 30*24*time.Hour)

	token, err := provider.Issue("user-1", "device-1")
	require.NoError(t, err)

	user := &models.User{ID: "user-1"}
	pending := &models.PendingTwoFactorLogin{UserID: "user-1", DeviceID: "device-2"}

	err = provider.Verify(context.Background(), user, nil, pending, token)
	assert.ErrorIs(t, err, models.ErrTwoFactorInvalid)
}

func TestRememberProvider_RejectsOtherUser(t *testing.T) {
	provider := NewRememberProvider("remember-secret", 30*24*time.Hour)

	token, err := provider.Issue("user-1", "device-1")
	require.NoError(t, err)

	user := &models.User{ID: "user-2"}
	pending := &models.PendingTwoFactorLogin{UserID: "user-2", DeviceID: "device-1"}

	err = provider.Verify(context.Background(), user, nil, pending, token)
	assert.ErrorIs(t, err, models.ErrTwoFactorInvalid)
}

func TestRememberProvider_RejectsExpiredToken(t *testing.T) {
	provider := NewRememberProvider("remember-secret", -time.Minute)

	token, err := provider.Issue("user-1", "device-1")
	require.NoError(t, err)

	user := &models.User{ID: "user-1"}
	pending := &models.PendingTwoFactorLogin{UserID: "user-1", DeviceID: "device-1"}

	err = provider.Verify(context.Background(), user, nil, pending, token)
	assert.ErrorIs(t, err, models.ErrTwoFactorInvalid)
}

func TestRememberProvider_RejectsWrongSecret(t *testing.T) {
	issuer := NewRememberProvider("secret-a", 30*24*time.Hour)
	verifier := NewRememberProvider("secret-b", 30*24*time.Hour)

	token, err := issuer.Issue("user-1", "device-1")
	require.NoError(t, err)

	user := &models.User{ID: "user-1"}
	pending := &models.PendingTwoFactorLogin{UserID: "user-1", DeviceID: "device-1"}

	err = verifier.Verify(context.Background(), user, nil, pending, token)
	assert.ErrorIs(t, err, models.ErrTwoFactorInvalid)
}
