package services

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/vaultgate/vaultgate/internal/auth"
	"github.com/vaultgate/vaultgate/internal/models"
)

// MockUserStore implements UserStore for testing
type MockUserStore struct {
	GetByIDFunc             func(ctx context.Context, id string) (*models.User, error)
	GetByEmailFunc          func(ctx context.Context, email string) (*models.User, error)
	CreateFunc              func(ctx context.Context, user *models.User) (*models.User, error)
	UpdateCredentialsFunc   func(ctx context.Context, user *models.User, newStamp string) (*models.User, error)
}

func (m *MockUserStore) GetByID(ctx context.Context, id string) (*models.User, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	return nil, models.ErrNotFound
}

func (m *MockUserStore) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	if m.GetByEmailFunc != nil {
		return m.GetByEmailFunc(ctx, email)
	}
	return nil, models.ErrNotFound
}

func (m *MockUserStore) Create(ctx context.Context, user *models.User) (*models.User, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, user)
	}
	return nil, models.ErrInternalServer
}

func (m *MockUserStore) UpdateCredentials(ctx context.Context, user *models.User, newStamp string) (*models.User, error) {
	if m.UpdateCredentialsFunc != nil {
		return m.UpdateCredentialsFunc(ctx, user, newStamp)
	}
	return nil, models.ErrInternalServer
}

// MockDeviceStore implements DeviceStore for testing
type MockDeviceStore struct {
	GetByIDFunc            func(ctx context.Context, userID, deviceID string) (*models.Device, error)
	UpsertFunc             func(ctx context.Context, device *models.Device) (*models.Device, error)
	GetByRefreshTokenFunc  func(ctx context.Context, refreshToken string) (*models.Device, error)
	UpdateRefreshTokenFunc func(ctx context.Context, deviceID, refreshToken string) error
	ListByUserFunc         func(ctx context.Context, userID string) ([]*models.Device, error)
}

func (m *MockDeviceStore) GetByID(ctx context.Context, userID, deviceID string) (*models.Device, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, userID, deviceID)
	}
	return nil, models.ErrNotFound
}

func (m *MockDeviceStore) Upsert(ctx context.Context, device *models.Device) (*models.Device, error) {
	if m.UpsertFunc != nil {
		return m.UpsertFunc(ctx, device)
	}
	return device, nil
}

func (m *MockDeviceStore) GetByRefreshToken(ctx context.Context, refreshToken string) (*models.Device, error) {
	if m.GetByRefreshTokenFunc != nil {
		return m.GetByRefreshTokenFunc(ctx, refreshToken)
	}
	return nil, models.ErrNotFound
}

func (m *MockDeviceStore) UpdateRefreshToken(ctx context.Context, deviceID, refreshToken string) error {
	if m.UpdateRefreshTokenFunc != nil {
		return m.UpdateRefreshTokenFunc(ctx, deviceID, refreshToken)
	}
	return nil
}

func (m *MockDeviceStore) ListByUser(ctx context.Context, userID string) ([]*models.Device, error) {
	if m.ListByUserFunc != nil {
		return m.ListByUserFunc(ctx, userID)
	}
	return []*models.Device{}, nil
}

// MockTwoFactorStore implements TwoFactorStore and TwoFactorMethodStore
// for testing
type MockTwoFactorStore struct {
	GetMethodFunc          func(ctx context.Context, userID string, providerType models.TwoFactorProviderType) (*models.TwoFactorMethod, error)
	ListEnabledMethodsFunc func(ctx context.Context, userID string) ([]*models.TwoFactorMethod, error)
	SaveMethodRotateStampFunc   func(ctx context.Context, method *models.TwoFactorMethod, newStamp string) error
	DeleteMethodRotateStampFunc func(ctx context.Context, userID string, providerType models.TwoFactorProviderType, newStamp string) error
	UpsertPendingLoginFunc func(ctx context.Context, pending *models.PendingTwoFactorLogin) (bool, error)
	GetPendingLoginFunc    func(ctx context.Context, userID, deviceID string) (*models.PendingTwoFactorLogin, error)
	DeletePendingLoginFunc func(ctx context.Context, userID, deviceID string, loginTime time.Time) (bool, error)
}

func (m *MockTwoFactorStore) GetMethod(ctx context.Context, userID string, providerType models.TwoFactorProviderType) (*models.TwoFactorMethod, error) {
	if m.GetMethodFunc != nil {
		return m.GetMethodFunc(ctx, userID, providerType)
	}
	return nil, models.ErrNotFound
}

func (m *MockTwoFactorStore) ListEnabledMethods(ctx context.Context, userID string) ([]*models.TwoFactorMethod, error) {
	if m.ListEnabledMethodsFunc != nil {
		return m.ListEnabledMethodsFunc(ctx, userID)
	}
	return []*models.TwoFactorMethod{}, nil
}

func (m *MockTwoFactorStore) SaveMethodRotateStamp(ctx context.Context, method *models.TwoFactorMethod, newStamp string) error {
	if m.SaveMethodRotateStampFunc != nil {
		return m.SaveMethodRotateStampFunc(ctx, method, newStamp)
	}
	return nil
}

func (m *MockTwoFactorStore) DeleteMethodRotateStamp(ctx context.Context, userID string, providerType models.TwoFactorProviderType, newStamp string) error {
	if m.DeleteMethodRotateStampFunc != nil {
		return m.DeleteMethodRotateStampFunc(ctx, userID, providerType, newStamp)
	}
	return nil
}

func (m *MockTwoFactorStore) UpsertPendingLogin(ctx context.Context, pending *models.PendingTwoFactorLogin) (bool, error) {
	if m.UpsertPendingLoginFunc != nil {
		return m.UpsertPendingLoginFunc(ctx, pending)
	}
	return true, nil
}

func (m *MockTwoFactorStore) GetPendingLogin(ctx context.Context, userID, deviceID string) (*models.PendingTwoFactorLogin, error) {
	if m.GetPendingLoginFunc != nil {
		return m.GetPendingLoginFunc(ctx, userID, deviceID)
	}
	return nil, models.ErrNotFound
}

func (m *MockTwoFactorStore) DeletePendingLogin(ctx context.Context, userID, deviceID string, loginTime time.Time) (bool, error) {
	if m.DeletePendingLoginFunc != nil {
		return m.DeletePendingLoginFunc(ctx, userID, deviceID, loginTime)
	}
	return true, nil
}

// MockAuthRequestStore implements AuthRequestStore for testing
type MockAuthRequestStore struct {
	CreateFunc            func(ctx context.Context, req *models.AuthRequest) error
	GetByIDFunc           func(ctx context.Context, id string) (*models.AuthRequest, error)
	ListPendingByUserFunc func(ctx context.Context, userID string, createdAfter time.Time) ([]*models.AuthRequest, error)
	RespondFunc           func(ctx context.Context, id, responderDeviceID string, approved bool, encKey, masterPasswordHash *string) (*models.AuthRequest, error)
	MarkAuthenticatedFunc func(ctx context.Context, id string) (bool, error)
}

func (m *MockAuthRequestStore) Create(ctx context.Context, req *models.AuthRequest) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, req)
	}
	return nil
}

func (m *MockAuthRequestStore) GetByID(ctx context.Context, id string) (*models.AuthRequest, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	return nil, models.ErrNotFound
}

func (m *MockAuthRequestStore) ListPendingByUser(ctx context.Context, userID string, createdAfter time.Time) ([]*models.AuthRequest, error) {
	if m.ListPendingByUserFunc != nil {
		return m.ListPendingByUserFunc(ctx, userID, createdAfter)
	}
	return []*models.AuthRequest{}, nil
}

func (m *MockAuthRequestStore) Respond(ctx context.Context, id, responderDeviceID string, approved bool, encKey, masterPasswordHash *string) (*models.AuthRequest, error) {
	if m.RespondFunc != nil {
		return m.RespondFunc(ctx, id, responderDeviceID, approved, encKey, masterPasswordHash)
	}
	return nil, models.ErrInternalServer
}

func (m *MockAuthRequestStore) MarkAuthenticated(ctx context.Context, id string) (bool, error) {
	if m.MarkAuthenticatedFunc != nil {
		return m.MarkAuthenticatedFunc(ctx, id)
	}
	return false, nil
}

// MockEmergencyAccessStore implements EmergencyAccessStore for testing
type MockEmergencyAccessStore struct {
	CreateFunc           func(ctx context.Context, access *models.EmergencyAccess) error
	GetByIDFunc          func(ctx context.Context, id string) (*models.EmergencyAccess, error)
	ListByGrantorFunc    func(ctx context.Context, grantorID string) ([]*models.EmergencyAccess, error)
	ListByGranteeFunc    func(ctx context.Context, granteeID string) ([]*models.EmergencyAccess, error)
	TransitionFunc       func(ctx context.Context, id string, from, to models.EmergencyAccessStatus) (bool, error)
	AcceptFunc           func(ctx context.Context, id, granteeID string) (bool, error)
	ConfirmFunc          func(ctx context.Context, id, keyEncrypted string) (bool, error)
	InitiateRecoveryFunc func(ctx context.Context, id string) (bool, error)
}

func (m *MockEmergencyAccessStore) Create(ctx context.Context, access *models.EmergencyAccess) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, access)
	}
	return nil
}

func (m *MockEmergencyAccessStore) GetByID(ctx context.Context, id string) (*models.EmergencyAccess, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	return nil, models.ErrNotFound
}

func (m *MockEmergencyAccessStore) ListByGrantor(ctx context.Context, grantorID string) ([]*models.EmergencyAccess, error) {
	if m.ListByGrantorFunc != nil {
		return m.ListByGrantorFunc(ctx, grantorID)
	}
	return []*models.EmergencyAccess{}, nil
}

func (m *MockEmergencyAccessStore) ListByGrantee(ctx context.Context, granteeID string) ([]*models.EmergencyAccess, error) {
	if m.ListByGranteeFunc != nil {
		return m.ListByGranteeFunc(ctx, granteeID)
	}
	return []*models.EmergencyAccess{}, nil
}

func (m *MockEmergencyAccessStore) Transition(ctx context.Context, id string, from, to models.EmergencyAccessStatus) (bool, error) {
	if m.TransitionFunc != nil {
		return m.TransitionFunc(ctx, id, from, to)
	}
	return false, nil
}

func (m *MockEmergencyAccessStore) Accept(ctx context.Context, id, granteeID string) (bool, error) {
	if m.AcceptFunc != nil {
		return m.AcceptFunc(ctx, id, granteeID)
	}
	return false, nil
}

func (m *MockEmergencyAccessStore) Confirm(ctx context.Context, id, keyEncrypted string) (bool, error) {
	if m.ConfirmFunc != nil {
		return m.ConfirmFunc(ctx, id, keyEncrypted)
	}
	return false, nil
}

func (m *MockEmergencyAccessStore) InitiateRecovery(ctx context.Context, id string) (bool, error) {
	if m.InitiateRecoveryFunc != nil {
		return m.InitiateRecoveryFunc(ctx, id)
	}
	return false, nil
}

// MockMailer implements Mailer for testing
type MockMailer struct {
	SendTwoFactorCodeFunc     func(ctx context.Context, email, code string) error
	SendNewDeviceNoticeFunc   func(ctx context.Context, email, deviceName, ip string) error
	SendEmergencyInviteFunc   func(ctx context.Context, email, grantorName string) error
	SendRecoveryInitiatedFunc func(ctx context.Context, email, granteeName string, waitDays int) error
	SendRecoveryReminderFunc  func(ctx context.Context, email, granteeName string, daysLeft int) error
	SendRecoveryApprovedFunc  func(ctx context.Context, email, grantorName string) error
}

func (m *MockMailer) SendTwoFactorCode(ctx context.Context, email, code string) error {
	if m.SendTwoFactorCodeFunc != nil {
		return m.SendTwoFactorCodeFunc(ctx, email, code)
	}
	return nil
}

func (m *MockMailer) SendNewDeviceNotice(ctx context.Context, email, deviceName, ip string) error {
	if m.SendNewDeviceNoticeFunc != nil {
		return m.SendNewDeviceNoticeFunc(ctx, email, deviceName, ip)
	}
	return nil
}

func (m *MockMailer) SendEmergencyInvite(ctx context.Context, email, grantorName string) error {
	if m.SendEmergencyInviteFunc != nil {
		return m.SendEmergencyInviteFunc(ctx, email, grantorName)
	}
	return nil
}

func (m *MockMailer) SendRecoveryInitiated(ctx context.Context, email, granteeName string, waitDays int) error {
	if m.SendRecoveryInitiatedFunc != nil {
		return m.SendRecoveryInitiatedFunc(ctx, email, granteeName, waitDays)
	}
	return nil
}

func (m *MockMailer) SendRecoveryReminder(ctx context.Context, email, granteeName string, daysLeft int) error {
	if m.SendRecoveryReminderFunc != nil {
		return m.SendRecoveryReminderFunc(ctx, email, granteeName, daysLeft)
	}
	return nil
}

func (m *MockMailer) SendRecoveryApproved(ctx context.Context, email, grantorName string) error {
	if m.SendRecoveryApprovedFunc != nil {
		return m.SendRecoveryApprovedFunc(ctx, email, grantorName)
	}
	return nil
}

// MockPushNotifier implements PushNotifier for testing
type MockPushNotifier struct {
	SendAuthRequestFunc func(ctx context.Context, device *models.Device, requestID string) error
	SendSyncNoticeFunc  func(ctx context.Context, device *models.Device) error
}

func (m *MockPushNotifier) SendAuthRequest(ctx context.Context, device *models.Device, requestID string) error {
	if m.SendAuthRequestFunc != nil {
		return m.SendAuthRequestFunc(ctx, device, requestID)
	}
	return nil
}

func (m *MockPushNotifier) SendSyncNotice(ctx context.Context, device *models.Device) error {
	if m.SendSyncNoticeFunc != nil {
		return m.SendSyncNoticeFunc(ctx, device)
	}
	return nil
}

// testUserWithProof builds a user whose stored verifier matches proof
// under the given verifier's PBKDF2 path.
func testUserWithProof(verifier *auth.CredentialVerifier, id, email, proof string, iterations int) *models.User {
	salt := []byte("0123456789abcdef")
	user := &models.User{
		ID:            id,
		Email:         email,
		Name:          "Test User",
		Salt:          base64.StdEncoding.EncodeToString(salt),
		KdfType:       models.KdfPBKDF2,
		KdfIterations: iterations,
		SecurityStamp: "stamp-1",
		Enabled:       true,
	}
	user.PasswordHash = verifier.Hash(proof, salt, user)
	return user
}
