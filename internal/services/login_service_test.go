package services

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vaultgate/vaultgate/internal/auth"
	"github.com/vaultgate/vaultgate/internal/models"
	"github.com/vaultgate/vaultgate/internal/twofactor"
)

// codeProvider accepts a single fixed response, standing in for any of
// the real step-up providers.
type codeProvider struct {
	kind     models.TwoFactorProviderType
	accepted string
}

func (p *codeProvider) Kind() models.TwoFactorProviderType { return p.kind }

func (p *codeProvider) Challenge(ctx context.Context, user *models.User, method *models.TwoFactorMethod, pending *models.PendingTwoFactorLogin) (any, error) {
	return map[string]string{"challenge": "issued"}, nil
}

func (p *codeProvider) Verify(ctx context.Context, user *models.User, method *models.TwoFactorMethod, pending *models.PendingTwoFactorLogin, response string) error {
	if response != p.accepted {
		return models.ErrTwoFactorInvalid
	}
	return nil
}

type loginFixtures struct {
	users    *MockUserStore
	devices  *MockDeviceStore
	twofa    *MockTwoFactorStore
	mailer   *MockMailer
	verifier *auth.CredentialVerifier
	remember *twofactor.RememberProvider
	service  *LoginService
	user     *models.User
}

func newLoginFixtures(t *testing.T, providers ...twofactor.Provider) *loginFixtures {
	t.Helper()

	verifier := auth.NewCredentialVerifier(1000)
	user := testUserWithProof(verifier, "user-1", "alice@example.com", "client-proof", 1000)

	f := &loginFixtures{
		users: &MockUserStore{
			GetByEmailFunc: func(ctx context.Context, email string) (*models.User, error) {
				if email == user.Email {
					return user, nil
				}
				return nil, models.ErrNotFound
			},
			GetByIDFunc: func(ctx context.Context, id string) (*models.User, error) {
				if id == user.ID {
					return user, nil
				}
				return nil, models.ErrNotFound
			},
		},
		devices:  &MockDeviceStore{},
		twofa:    &MockTwoFactorStore{},
		mailer:   &MockMailer{},
		verifier: verifier,
		remember: twofactor.NewRememberProvider("remember-secret", 30*24*time.Hour),
		user:     user,
	}

	registry := twofactor.NewRegistry(
		&noFailureAttemptStore{}, 5, 15*time.Minute, slog.Default(), providers...)
	tokens := auth.NewTokenManager("test-jwt-secret", 15*time.Minute, 24*time.Hour)
	timing := auth.NewTimingDelay(auth.TimingConfig{})

	f.service = NewLoginService(
		f.users, f.devices, f.twofa, verifier, tokens, registry,
		f.remember, f.mailer, timing, slog.Default(), 15*time.Minute)
	return f
}

type noFailureAttemptStore struct{}

func (noFailureAttemptStore) RecordAttempt(ctx context.Context, attempt *models.TwoFactorAttempt) error {
	return nil
}

func (noFailureAttemptStore) CountFailedAttempts(ctx context.Context, userID string, providerType models.TwoFactorProviderType, since time.Time) (int, error) {
	return 0, nil
}

func baseLoginRequest() *LoginRequest {
	return &LoginRequest{
		Email:         "alice@example.com",
		PasswordProof: "client-proof",
		DeviceID:      "device-1",
		DeviceName:    "Firefox on Linux",
		IP:            "198.51.100.7",
	}
}

func TestLoginService_Login_Success(t *testing.T) {
	f := newLoginFixtures(t)

	resp, challenge, err := f.service.Login(context.Background(), baseLoginRequest())
	require.NoError(t, err)
	assert.Nil(t, challenge)
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.False(t, resp.KdfUpgradeRecommended)
}

func TestLoginService_Login_WrongProof(t *testing.T) {
	f := newLoginFixtures(t)

	req := baseLoginRequest()
	req.PasswordProof = "wrong-proof"

	_, _, err := f.service.Login(context.Background(), req)
	assert.ErrorIs(t, err, models.ErrInvalidCredential)
}

func TestLoginService_Login_UnknownAccount(t *testing.T) {
	f := newLoginFixtures(t)

	req := baseLoginRequest()
	req.Email = "nobody@example.com"

	_, _, err := f.service.Login(context.Background(), req)
	assert.ErrorIs(t, err, models.ErrInvalidCredential)
}

func TestLoginService_Login_DisabledAccount(t *testing.T) {
	f := newLoginFixtures(t)
	f.user.Enabled = false

	_, _, err := f.service.Login(context.Background(), baseLoginRequest())
	assert.ErrorIs(t, err, models.ErrForbidden)
}

func TestLoginService_Login_KdfBelowFloorStillSucceeds(t *testing.T) {
	f := newLoginFixtures(t)
	// Rebuild the stored hash at a cost below the configured floor.
	weakVerifier := auth.NewCredentialVerifier(1000)
	weak := testUserWithProof(weakVerifier, "user-1", "alice@example.com", "client-proof", 500)
	*f.user = *weak

	resp, _, err := f.service.Login(context.Background(), baseLoginRequest())
	require.NoError(t, err)
	assert.True(t, resp.KdfUpgradeRecommended)
}

func TestLoginService_Login_TwoFactorRequired(t *testing.T) {
	f := newLoginFixtures(t, &codeProvider{kind: models.ProviderAuthenticator, accepted: "123456"})

	var upserted *models.PendingTwoFactorLogin
	f.twofa.ListEnabledMethodsFunc = func(ctx context.Context, userID string) ([]*models.TwoFactorMethod, error) {
		return []*models.TwoFactorMethod{
			{UserID: userID, Type: models.ProviderAuthenticator, Enabled: true},
		}, nil
	}
	f.twofa.UpsertPendingLoginFunc = func(ctx context.Context, pending *models.PendingTwoFactorLogin) (bool, error) {
		upserted = pending
		return true, nil
	}

	resp, challenge, err := f.service.Login(context.Background(), baseLoginRequest())
	assert.ErrorIs(t, err, models.ErrTwoFactorRequired)
	assert.Nil(t, resp)
	require.NotNil(t, challenge)
	assert.Equal(t, models.ProviderAuthenticator, challenge.Preferred)
	assert.Equal(t, []models.TwoFactorProviderType{models.ProviderAuthenticator}, challenge.Providers)
	require.NotNil(t, upserted)
	assert.Equal(t, "device-1", upserted.DeviceID)
}

func TestLoginService_Login_PendingInsertSendsNotice(t *testing.T) {
	f := newLoginFixtures(t, &codeProvider{kind: models.ProviderAuthenticator, accepted: "123456"})

	f.twofa.ListEnabledMethodsFunc = func(ctx context.Context, userID string) ([]*models.TwoFactorMethod, error) {
		return []*models.TwoFactorMethod{
			{UserID: userID, Type: models.ProviderAuthenticator, Enabled: true},
		}, nil
	}
	inserted := true
	f.twofa.UpsertPendingLoginFunc = func(ctx context.Context, pending *models.PendingTwoFactorLogin) (bool, error) {
		return inserted, nil
	}
	notices := 0
	f.mailer.SendNewDeviceNoticeFunc = func(ctx context.Context, email, deviceName, ip string) error {
		notices++
		assert.Equal(t, "Firefox on Linux", deviceName)
		assert.Equal(t, "198.51.100.7", ip)
		return nil
	}

	_, _, err := f.service.Login(context.Background(), baseLoginRequest())
	assert.ErrorIs(t, err, models.ErrTwoFactorRequired)
	assert.Equal(t, 1, notices)

	// A retry replaces the pending row without a second notice.
	inserted = false
	_, _, err = f.service.Login(context.Background(), baseLoginRequest())
	assert.ErrorIs(t, err, models.ErrTwoFactorRequired)
	assert.Equal(t, 1, notices)
}

func TestLoginService_Login_TwoFactorCompletionDoesNotRenotify(t *testing.T) {
	f := newLoginFixtures(t, &codeProvider{kind: models.ProviderAuthenticator, accepted: "123456"})

	method := &models.TwoFactorMethod{UserID: "user-1", Type: models.ProviderAuthenticator, Enabled: true}
	f.twofa.ListEnabledMethodsFunc = func(ctx context.Context, userID string) ([]*models.TwoFactorMethod, error) {
		return []*models.TwoFactorMethod{method}, nil
	}
	f.twofa.GetMethodFunc = func(ctx context.Context, userID string, providerType models.TwoFactorProviderType) (*models.TwoFactorMethod, error) {
		return method, nil
	}
	f.twofa.GetPendingLoginFunc = func(ctx context.Context, userID, deviceID string) (*models.PendingTwoFactorLogin, error) {
		return &models.PendingTwoFactorLogin{UserID: "user-1", DeviceID: "device-1", LoginTime: time.Now()}, nil
	}
	noticed := false
	f.mailer.SendNewDeviceNoticeFunc = func(ctx context.Context, email, deviceName, ip string) error {
		noticed = true
		return nil
	}

	provider := models.ProviderAuthenticator
	req := baseLoginRequest()
	req.TwoFactorProvider = &provider
	req.TwoFactorToken = "123456"

	resp, _, err := f.service.Login(context.Background(), req)
	require.NoError(t, err)
	assert.NotEmpty(t, resp.AccessToken)
	assert.False(t, noticed)
}

func TestLoginService_Login_TwoFactorCompletion(t *testing.T) {
	f := newLoginFixtures(t, &codeProvider{kind: models.ProviderAuthenticator, accepted: "123456"})

	method := &models.TwoFactorMethod{UserID: "user-1", Type: models.ProviderAuthenticator, Enabled: true}
	pending := &models.PendingTwoFactorLogin{
		UserID: "user-1", DeviceID: "device-1", LoginTime: time.Now(),
	}

	deleted := false
	f.twofa.ListEnabledMethodsFunc = func(ctx context.Context, userID string) ([]*models.TwoFactorMethod, error) {
		return []*models.TwoFactorMethod{method}, nil
	}
	f.twofa.GetMethodFunc = func(ctx context.Context, userID string, providerType models.TwoFactorProviderType) (*models.TwoFactorMethod, error) {
		return method, nil
	}
	f.twofa.GetPendingLoginFunc = func(ctx context.Context, userID, deviceID string) (*models.PendingTwoFactorLogin, error) {
		return pending, nil
	}
	f.twofa.DeletePendingLoginFunc = func(ctx context.Context, userID, deviceID string, loginTime time.Time) (bool, error) {
		deleted = true
		return true, nil
	}

	provider := models.ProviderAuthenticator
	req := baseLoginRequest()
	req.TwoFactorProvider = &provider
	req.TwoFactorToken = "123456"
	req.TwoFactorRemember = true

	resp, challenge, err := f.service.Login(context.Background(), req)
	require.NoError(t, err)
	assert.Nil(t, challenge)
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.TwoFactorRememberToken)
	assert.True(t, deleted)
}

func TestLoginService_Login_TwoFactorWrongCode(t *testing.T) {
	f := newLoginFixtures(t, &codeProvider{kind: models.ProviderAuthenticator, accepted: "123456"})

	method := &models.TwoFactorMethod{UserID: "user-1", Type: models.ProviderAuthenticator, Enabled: true}
	f.twofa.ListEnabledMethodsFunc = func(ctx context.Context, userID string) ([]*models.TwoFactorMethod, error) {
		return []*models.TwoFactorMethod{method}, nil
	}
	f.twofa.GetMethodFunc = func(ctx context.Context, userID string, providerType models.TwoFactorProviderType) (*models.TwoFactorMethod, error) {
		return method, nil
	}
	f.twofa.GetPendingLoginFunc = func(ctx context.Context, userID, deviceID string) (*models.PendingTwoFactorLogin, error) {
		return &models.PendingTwoFactorLogin{UserID: "user-1", DeviceID: "device-1", LoginTime: time.Now()}, nil
	}

	provider := models.ProviderAuthenticator
	req := baseLoginRequest()
	req.TwoFactorProvider = &provider
	req.TwoFactorToken = "654321"

	_, _, err := f.service.Login(context.Background(), req)
	assert.ErrorIs(t, err, models.ErrTwoFactorInvalid)
}

func TestLoginService_Login_ExpiredPendingLogin(t *testing.T) {
	f := newLoginFixtures(t, &codeProvider{kind: models.ProviderAuthenticator, accepted: "123456"})

	method := &models.TwoFactorMethod{UserID: "user-1", Type: models.ProviderAuthenticator, Enabled: true}
	f.twofa.ListEnabledMethodsFunc = func(ctx context.Context, userID string) ([]*models.TwoFactorMethod, error) {
		return []*models.TwoFactorMethod{method}, nil
	}
	f.twofa.GetPendingLoginFunc = func(ctx context.Context, userID, deviceID string) (*models.PendingTwoFactorLogin, error) {
		return &models.PendingTwoFactorLogin{
			UserID: "user-1", DeviceID: "device-1",
			LoginTime: time.Now().Add(-time.Hour),
		}, nil
	}

	provider := models.ProviderAuthenticator
	req := baseLoginRequest()
	req.TwoFactorProvider = &provider
	req.TwoFactorToken = "123456"

	_, _, err := f.service.Login(context.Background(), req)
	assert.ErrorIs(t, err, models.ErrRequestExpired)
}

func TestLoginService_Login_RememberTokenBypassesChallenge(t *testing.T) {
	f := newLoginFixtures(t, &codeProvider{kind: models.ProviderAuthenticator, accepted: "123456"})

	f.twofa.ListEnabledMethodsFunc = func(ctx context.Context, userID string) ([]*models.TwoFactorMethod, error) {
		return []*models.TwoFactorMethod{
			{UserID: userID, Type: models.ProviderAuthenticator, Enabled: true},
		}, nil
	}

	token, err := f.remember.Issue("user-1", "device-1")
	require.NoError(t, err)

	provider := models.ProviderRemember
	req := baseLoginRequest()
	req.TwoFactorProvider = &provider
	req.TwoFactorToken = token

	resp, challenge, err := f.service.Login(context.Background(), req)
	require.NoError(t, err)
	assert.Nil(t, challenge)
	assert.NotEmpty(t, resp.AccessToken)
}

func TestLoginService_Login_NewDeviceTriggersNotice(t *testing.T) {
	f := newLoginFixtures(t)

	var noticedDevice string
	f.mailer.SendNewDeviceNoticeFunc = func(ctx context.Context, email, deviceName, ip string) error {
		noticedDevice = deviceName
		return nil
	}

	_, _, err := f.service.Login(context.Background(), baseLoginRequest())
	require.NoError(t, err)
	assert.Equal(t, "Firefox on Linux", noticedDevice)
}

func TestLoginService_Login_KnownDeviceNoNotice(t *testing.T) {
	f := newLoginFixtures(t)

	f.devices.GetByIDFunc = func(ctx context.Context, userID, deviceID string) (*models.Device, error) {
		return &models.Device{ID: deviceID, UserID: userID}, nil
	}
	noticed := false
	f.mailer.SendNewDeviceNoticeFunc = func(ctx context.Context, email, deviceName, ip string) error {
		noticed = true
		return nil
	}

	_, _, err := f.service.Login(context.Background(), baseLoginRequest())
	require.NoError(t, err)
	assert.False(t, noticed)
}

func TestLoginService_Refresh_RotatesToken(t *testing.T) {
	f := newLoginFixtures(t)

	resp, _, err := f.service.Login(context.Background(), baseLoginRequest())
	require.NoError(t, err)

	var rotatedTo string
	f.devices.GetByRefreshTokenFunc = func(ctx context.Context, refreshToken string) (*models.Device, error) {
		if refreshToken == resp.RefreshToken {
			return &models.Device{ID: "device-1", UserID: "user-1", RefreshToken: refreshToken}, nil
		}
		return nil, models.ErrNotFound
	}
	f.devices.UpdateRefreshTokenFunc = func(ctx context.Context, deviceID, refreshToken string) error {
		rotatedTo = refreshToken
		return nil
	}

	refreshed, err := f.service.Refresh(context.Background(), resp.RefreshToken)
	require.NoError(t, err)
	assert.NotEmpty(t, refreshed.AccessToken)
	assert.Equal(t, refreshed.RefreshToken, rotatedTo)
}

func TestLoginService_Refresh_StaleSecurityStamp(t *testing.T) {
	f := newLoginFixtures(t)

	resp, _, err := f.service.Login(context.Background(), baseLoginRequest())
	require.NoError(t, err)

	f.devices.GetByRefreshTokenFunc = func(ctx context.Context, refreshToken string) (*models.Device, error) {
		return &models.Device{ID: "device-1", UserID: "user-1", RefreshToken: refreshToken}, nil
	}

	// A password change rotated the stamp after the token was issued.
	f.user.SecurityStamp = "stamp-2"

	_, err = f.service.Refresh(context.Background(), resp.RefreshToken)
	assert.ErrorIs(t, err, models.ErrStaleSecurityStamp)
}

func TestLoginService_Refresh_AccessTokenRejected(t *testing.T) {
	f := newLoginFixtures(t)

	resp, _, err := f.service.Login(context.Background(), baseLoginRequest())
	require.NoError(t, err)

	_, err = f.service.Refresh(context.Background(), resp.AccessToken)
	assert.ErrorIs(t, err, models.ErrInvalidCredential)
}

func TestLoginService_ChangePassword_RotatesStamp(t *testing.T) {
	f := newLoginFixtures(t)

	var newStamp string
	var updated *models.User
	f.users.UpdateCredentialsFunc = func(ctx context.Context, user *models.User, stamp string) (*models.User, error) {
		newStamp = stamp
		updated = user
		return user, nil
	}

	err := f.service.ChangePassword(context.Background(), "user-1", &ChangePasswordRequest{
		CurrentProof:  "client-proof",
		NewProof:      "new-client-proof",
		KdfType:       models.KdfPBKDF2,
		KdfIterations: 600000,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, newStamp)
	assert.NotEqual(t, "stamp-1", newStamp)
	require.NotNil(t, updated)
	assert.Equal(t, 600000, updated.KdfIterations)
	assert.NotEmpty(t, updated.PasswordHash)
}

func TestLoginService_ChangePassword_WrongCurrentProof(t *testing.T) {
	f := newLoginFixtures(t)

	err := f.service.ChangePassword(context.Background(), "user-1", &ChangePasswordRequest{
		CurrentProof:  "wrong-proof",
		NewProof:      "new-client-proof",
		KdfType:       models.KdfPBKDF2,
		KdfIterations: 600000,
	})
	assert.ErrorIs(t, err, models.ErrInvalidCredential)
}
