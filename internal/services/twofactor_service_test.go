package services

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vaultgate/vaultgate/internal/auth"
	"github.com/vaultgate/vaultgate/internal/models"
	"github.com/vaultgate/vaultgate/internal/twofactor"
)

type enrollmentFixtures struct {
	methods *MockTwoFactorStore
	users   *MockUserStore
	duo     *MockDuoChecker
	service *TwoFactorService
	user    *models.User
}

// MockDuoChecker implements DuoChecker for testing
type MockDuoChecker struct {
	PreauthFunc func(ctx context.Context, user *models.User) error
}

func (m *MockDuoChecker) Preauth(ctx context.Context, user *models.User) error {
	if m.PreauthFunc != nil {
		return m.PreauthFunc(ctx, user)
	}
	return nil
}

type noopStepClaimer struct{}

func (noopStepClaimer) ClaimTOTPStep(ctx context.Context, userID string, step int64) (bool, error) {
	return true, nil
}

func newEnrollmentFixtures(t *testing.T) *enrollmentFixtures {
	t.Helper()

	verifier := auth.NewCredentialVerifier(1000)
	user := testUserWithProof(verifier, "user-1", "alice@example.com", "client-proof", 1000)

	f := &enrollmentFixtures{
		methods: &MockTwoFactorStore{},
		duo:     &MockDuoChecker{},
		users: &MockUserStore{
			GetByIDFunc: func(ctx context.Context, id string) (*models.User, error) {
				if id == user.ID {
					return user, nil
				}
				return nil, models.ErrNotFound
			},
		},
		user: user,
	}

	totpProvider := twofactor.NewTOTPProvider(noopStepClaimer{}, "VaultGate")
	f.service = NewTwoFactorService(f.methods, f.users, verifier, totpProvider, nil, f.duo, slog.Default())
	return f
}

func TestTwoFactorService_BeginTOTP(t *testing.T) {
	f := newEnrollmentFixtures(t)

	enrollment, err := f.service.BeginTOTP(context.Background(), "user-1", "client-proof")
	require.NoError(t, err)
	assert.NotEmpty(t, enrollment.Secret)
	assert.Contains(t, enrollment.QRCode, "data:image/png;base64,")
}

func TestTwoFactorService_BeginTOTP_RequiresProof(t *testing.T) {
	f := newEnrollmentFixtures(t)

	_, err := f.service.BeginTOTP(context.Background(), "user-1", "wrong-proof")
	assert.ErrorIs(t, err, models.ErrInvalidCredential)
}

func TestTwoFactorService_EnableTOTP(t *testing.T) {
	f := newEnrollmentFixtures(t)

	enrollment, err := f.service.BeginTOTP(context.Background(), "user-1", "client-proof")
	require.NoError(t, err)

	code, err := totp.GenerateCode(enrollment.Secret, time.Now())
	require.NoError(t, err)

	var saved *models.TwoFactorMethod
	var stamp string
	f.methods.SaveMethodRotateStampFunc = func(ctx context.Context, method *models.TwoFactorMethod, newStamp string) error {
		saved = method
		stamp = newStamp
		return nil
	}

	err = f.service.EnableTOTP(context.Background(), "user-1", "client-proof", enrollment.Secret, code)
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, models.ProviderAuthenticator, saved.Type)
	assert.True(t, saved.Enabled)
	assert.Equal(t, enrollment.Secret, string(saved.Data))
	assert.NotEmpty(t, stamp)
	assert.NotEqual(t, f.user.SecurityStamp, stamp)
}

func TestTwoFactorService_EnableTOTP_WrongCode(t *testing.T) {
	f := newEnrollmentFixtures(t)

	enrollment, err := f.service.BeginTOTP(context.Background(), "user-1", "client-proof")
	require.NoError(t, err)

	err = f.service.EnableTOTP(context.Background(), "user-1", "client-proof", enrollment.Secret, "000000")
	assert.ErrorIs(t, err, models.ErrTwoFactorInvalid)
}

func TestTwoFactorService_EnableYubiKey_StoresPublicID(t *testing.T) {
	f := newEnrollmentFixtures(t)

	var saved *models.TwoFactorMethod
	f.methods.SaveMethodRotateStampFunc = func(ctx context.Context, method *models.TwoFactorMethod, newStamp string) error {
		saved = method
		return nil
	}

	otp := "ccccccclulvjtbjrhtdhrgvkjninbdlibfkhehtercek"
	err := f.service.EnableYubiKey(context.Background(), "user-1", "client-proof", otp)
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, "ccccccclulvj", string(saved.Data))
}

func TestTwoFactorService_Disable(t *testing.T) {
	f := newEnrollmentFixtures(t)

	var deletedType models.TwoFactorProviderType
	var stamp string
	f.methods.DeleteMethodRotateStampFunc = func(ctx context.Context, userID string, providerType models.TwoFactorProviderType, newStamp string) error {
		deletedType = providerType
		stamp = newStamp
		return nil
	}

	err := f.service.Disable(context.Background(), "user-1", "client-proof", models.ProviderAuthenticator)
	require.NoError(t, err)
	assert.Equal(t, models.ProviderAuthenticator, deletedType)
	assert.NotEmpty(t, stamp)
}

func TestTwoFactorService_Disable_RequiresProof(t *testing.T) {
	f := newEnrollmentFixtures(t)

	err := f.service.Disable(context.Background(), "user-1", "wrong-proof", models.ProviderAuthenticator)
	assert.ErrorIs(t, err, models.ErrInvalidCredential)
}

func TestTwoFactorService_EnableEmail_FailedWriteReturnsError(t *testing.T) {
	f := newEnrollmentFixtures(t)

	f.methods.SaveMethodRotateStampFunc = func(ctx context.Context, method *models.TwoFactorMethod, newStamp string) error {
		return models.ErrInternalServer
	}

	err := f.service.EnableEmail(context.Background(), "user-1", "client-proof")
	assert.ErrorIs(t, err, models.ErrInternalServer)
}

func TestTwoFactorService_EnableDuo(t *testing.T) {
	f := newEnrollmentFixtures(t)

	var checkedEmail string
	f.duo.PreauthFunc = func(ctx context.Context, user *models.User) error {
		checkedEmail = user.Email
		return nil
	}
	var saved *models.TwoFactorMethod
	f.methods.SaveMethodRotateStampFunc = func(ctx context.Context, method *models.TwoFactorMethod, newStamp string) error {
		saved = method
		return nil
	}

	err := f.service.EnableDuo(context.Background(), "user-1", "client-proof")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", checkedEmail)
	require.NotNil(t, saved)
	assert.Equal(t, models.ProviderDuo, saved.Type)
	assert.True(t, saved.Enabled)
}

func TestTwoFactorService_EnableDuo_UnknownDuoAccount(t *testing.T) {
	f := newEnrollmentFixtures(t)

	f.duo.PreauthFunc = func(ctx context.Context, user *models.User) error {
		return models.ErrTwoFactorInvalid
	}

	err := f.service.EnableDuo(context.Background(), "user-1", "client-proof")
	assert.ErrorIs(t, err, models.ErrTwoFactorInvalid)
}

func TestTwoFactorService_EnableDuo_NotConfigured(t *testing.T) {
	f := newEnrollmentFixtures(t)
	f.service = NewTwoFactorService(f.methods, f.users, auth.NewCredentialVerifier(1000), nil, nil, nil, slog.Default())

	err := f.service.EnableDuo(context.Background(), "user-1", "client-proof")
	assert.ErrorIs(t, err, models.ErrBadRequest)
}
