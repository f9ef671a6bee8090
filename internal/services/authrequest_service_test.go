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
)

type authRequestFixtures struct {
	requests *MockAuthRequestStore
	users    *MockUserStore
	devices  *MockDeviceStore
	push     *MockPushNotifier
	service  *AuthRequestService
	user     *models.User
}

func newAuthRequestFixtures(t *testing.T) *authRequestFixtures {
	t.Helper()

	verifier := auth.NewCredentialVerifier(1000)
	user := testUserWithProof(verifier, "user-1", "alice@example.com", "client-proof", 1000)

	f := &authRequestFixtures{
		requests: &MockAuthRequestStore{},
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
		devices: &MockDeviceStore{},
		push:    &MockPushNotifier{},
		user:    user,
	}

	tokens := auth.NewTokenManager("test-jwt-secret", 15*time.Minute, 24*time.Hour)
	f.service = NewAuthRequestService(
		f.requests, f.users, f.devices, verifier, tokens, f.push,
		slog.Default(), 15*time.Minute)
	return f
}

func pendingAuthRequest(accessCode string) *models.AuthRequest {
	return &models.AuthRequest{
		ID:              "req-1",
		UserID:          "user-1",
		RequestDeviceID: "new-device",
		RequestIP:       "203.0.113.9",
		AccessCode:      accessCode,
		PublicKey:       "public-key-pem",
		CreationDate:    time.Now(),
	}
}

func TestAuthRequestService_Create(t *testing.T) {
	f := newAuthRequestFixtures(t)

	var created *models.AuthRequest
	f.requests.CreateFunc = func(ctx context.Context, req *models.AuthRequest) error {
		created = req
		return nil
	}
	pushed := []string{}
	f.devices.ListByUserFunc = func(ctx context.Context, userID string) ([]*models.Device, error) {
		return []*models.Device{{ID: "trusted-device", UserID: userID}}, nil
	}
	f.push.SendAuthRequestFunc = func(ctx context.Context, device *models.Device, requestID string) error {
		pushed = append(pushed, device.ID)
		return nil
	}

	view, err := f.service.Create(context.Background(), &CreateAuthRequest{
		Email:     "alice@example.com",
		DeviceID:  "new-device",
		PublicKey: "public-key-pem",
		IP:        "203.0.113.9",
	})
	require.NoError(t, err)
	require.NotNil(t, created)
	assert.Equal(t, "user-1", created.UserID)
	assert.NotEmpty(t, view.AccessCode)
	assert.Equal(t, models.ApprovalPending, view.State)
	assert.Equal(t, []string{"trusted-device"}, pushed)
}

func TestAuthRequestService_Create_UnknownEmailDoesNotLeak(t *testing.T) {
	f := newAuthRequestFixtures(t)

	createCalled := false
	f.requests.CreateFunc = func(ctx context.Context, req *models.AuthRequest) error {
		createCalled = true
		return nil
	}

	view, err := f.service.Create(context.Background(), &CreateAuthRequest{
		Email:     "nobody@example.com",
		DeviceID:  "new-device",
		PublicKey: "public-key-pem",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, view.ID)
	assert.NotEmpty(t, view.AccessCode)
	assert.False(t, createCalled, "no row is stored for unknown accounts")
}

func TestAuthRequestService_Poll_WrongAccessCode(t *testing.T) {
	f := newAuthRequestFixtures(t)

	f.requests.GetByIDFunc = func(ctx context.Context, id string) (*models.AuthRequest, error) {
		return pendingAuthRequest("correct-code"), nil
	}

	_, err := f.service.Poll(context.Background(), "req-1", "wrong-code")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestAuthRequestService_Poll_Expired(t *testing.T) {
	f := newAuthRequestFixtures(t)

	f.requests.GetByIDFunc = func(ctx context.Context, id string) (*models.AuthRequest, error) {
		record := pendingAuthRequest("code")
		record.CreationDate = time.Now().Add(-time.Hour)
		return record, nil
	}

	_, err := f.service.Poll(context.Background(), "req-1", "code")
	assert.ErrorIs(t, err, models.ErrRequestExpired)
}

func TestAuthRequestService_Respond_Approve(t *testing.T) {
	f := newAuthRequestFixtures(t)

	record := pendingAuthRequest("code")
	f.requests.GetByIDFunc = func(ctx context.Context, id string) (*models.AuthRequest, error) {
		return record, nil
	}
	f.requests.RespondFunc = func(ctx context.Context, id, responderDeviceID string, approved bool, encKey, masterPasswordHash *string) (*models.AuthRequest, error) {
		resolved := *record
		resolved.Approved = boolPtr(approved)
		resolved.ResponseDeviceID = &responderDeviceID
		resolved.EncKey = encKey
		resolved.MasterPasswordHash = masterPasswordHash
		return &resolved, nil
	}

	f.devices.ListByUserFunc = func(ctx context.Context, userID string) ([]*models.Device, error) {
		return []*models.Device{{ID: "trusted-device", UserID: userID}}, nil
	}
	synced := []string{}
	f.push.SendSyncNoticeFunc = func(ctx context.Context, device *models.Device) error {
		synced = append(synced, device.ID)
		return nil
	}

	view, err := f.service.Respond(context.Background(), "user-1", "req-1", &RespondRequest{
		DeviceID:           "trusted-device",
		Approved:           true,
		EncKey:             "vault-key-wrapped",
		MasterPasswordHash: "client-proof",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalApproved, view.State)
	require.NotNil(t, view.EncKey)
	assert.Equal(t, "vault-key-wrapped", *view.EncKey)
	assert.Equal(t, []string{"trusted-device"}, synced)
}

func TestAuthRequestService_Respond_ApproveRequiresFreshProof(t *testing.T) {
	f := newAuthRequestFixtures(t)

	f.requests.GetByIDFunc = func(ctx context.Context, id string) (*models.AuthRequest, error) {
		return pendingAuthRequest("code"), nil
	}

	_, err := f.service.Respond(context.Background(), "user-1", "req-1", &RespondRequest{
		DeviceID:           "trusted-device",
		Approved:           true,
		EncKey:             "vault-key-wrapped",
		MasterPasswordHash: "stale-or-wrong-proof",
	})
	assert.ErrorIs(t, err, models.ErrInvalidCredential)
}

func TestAuthRequestService_Respond_DenyWithoutProof(t *testing.T) {
	f := newAuthRequestFixtures(t)

	record := pendingAuthRequest("code")
	f.requests.GetByIDFunc = func(ctx context.Context, id string) (*models.AuthRequest, error) {
		return record, nil
	}
	f.requests.RespondFunc = func(ctx context.Context, id, responderDeviceID string, approved bool, encKey, masterPasswordHash *string) (*models.AuthRequest, error) {
		resolved := *record
		resolved.Approved = boolPtr(approved)
		assert.Nil(t, encKey)
		return &resolved, nil
	}

	view, err := f.service.Respond(context.Background(), "user-1", "req-1", &RespondRequest{
		DeviceID: "trusted-device",
		Approved: false,
	})
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalDenied, view.State)
}

func TestAuthRequestService_Respond_AlreadyResolved(t *testing.T) {
	f := newAuthRequestFixtures(t)

	record := pendingAuthRequest("code")
	record.Approved = boolPtr(false)
	f.requests.GetByIDFunc = func(ctx context.Context, id string) (*models.AuthRequest, error) {
		return record, nil
	}

	_, err := f.service.Respond(context.Background(), "user-1", "req-1", &RespondRequest{
		DeviceID: "trusted-device",
		Approved: true,
	})
	assert.ErrorIs(t, err, models.ErrRequestAlreadyResolved)
}

func TestAuthRequestService_Respond_OtherUsersRequestHidden(t *testing.T) {
	f := newAuthRequestFixtures(t)

	record := pendingAuthRequest("code")
	record.UserID = "user-2"
	f.requests.GetByIDFunc = func(ctx context.Context, id string) (*models.AuthRequest, error) {
		return record, nil
	}

	_, err := f.service.Respond(context.Background(), "user-1", "req-1", &RespondRequest{
		DeviceID: "trusted-device",
		Approved: false,
	})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestAuthRequestService_Claim_Approved(t *testing.T) {
	f := newAuthRequestFixtures(t)

	record := pendingAuthRequest("code")
	record.Approved = boolPtr(true)
	f.requests.GetByIDFunc = func(ctx context.Context, id string) (*models.AuthRequest, error) {
		return record, nil
	}
	f.requests.MarkAuthenticatedFunc = func(ctx context.Context, id string) (bool, error) {
		return true, nil
	}

	session, view, err := f.service.Claim(context.Background(), "req-1", "code", "Laptop")
	require.NoError(t, err)
	assert.NotEmpty(t, session.AccessToken)
	assert.NotEmpty(t, session.RefreshToken)
	assert.Equal(t, models.ApprovalApproved, view.State)
}

func TestAuthRequestService_Claim_OnlyOnce(t *testing.T) {
	f := newAuthRequestFixtures(t)

	record := pendingAuthRequest("code")
	record.Approved = boolPtr(true)
	f.requests.GetByIDFunc = func(ctx context.Context, id string) (*models.AuthRequest, error) {
		return record, nil
	}
	f.requests.MarkAuthenticatedFunc = func(ctx context.Context, id string) (bool, error) {
		return false, nil
	}

	_, _, err := f.service.Claim(context.Background(), "req-1", "code", "Laptop")
	assert.ErrorIs(t, err, models.ErrRequestAlreadyResolved)
}

func TestAuthRequestService_Claim_PendingRejected(t *testing.T) {
	f := newAuthRequestFixtures(t)

	f.requests.GetByIDFunc = func(ctx context.Context, id string) (*models.AuthRequest, error) {
		return pendingAuthRequest("code"), nil
	}

	_, _, err := f.service.Claim(context.Background(), "req-1", "code", "Laptop")
	assert.ErrorIs(t, err, models.ErrForbidden)
}

func TestAuthRequestService_Claim_DeniedRejected(t *testing.T) {
	f := newAuthRequestFixtures(t)

	record := pendingAuthRequest("code")
	record.Approved = boolPtr(false)
	f.requests.GetByIDFunc = func(ctx context.Context, id string) (*models.AuthRequest, error) {
		return record, nil
	}

	_, _, err := f.service.Claim(context.Background(), "req-1", "code", "Laptop")
	assert.ErrorIs(t, err, models.ErrForbidden)
}

func boolPtr(v bool) *bool { return &v }
