package services

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vaultgate/vaultgate/internal/models"
)

type emergencyFixtures struct {
	store   *MockEmergencyAccessStore
	users   *MockUserStore
	mailer  *MockMailer
	service *EmergencyAccessService
	grantor *models.User
	grantee *models.User
}

func newEmergencyFixtures(t *testing.T) *emergencyFixtures {
	t.Helper()

	grantor := &models.User{ID: "grantor-1", Email: "alice@example.com", Name: "Alice", Enabled: true}
	grantee := &models.User{ID: "grantee-1", Email: "bob@example.com", Name: "Bob", Enabled: true}

	f := &emergencyFixtures{
		store: &MockEmergencyAccessStore{},
		users: &MockUserStore{
			GetByIDFunc: func(ctx context.Context, id string) (*models.User, error) {
				switch id {
				case grantor.ID:
					return grantor, nil
				case grantee.ID:
					return grantee, nil
				}
				return nil, models.ErrNotFound
			},
		},
		mailer:  &MockMailer{},
		grantor: grantor,
		grantee: grantee,
	}
	f.service = NewEmergencyAccessService(f.store, f.users, f.mailer, slog.Default())
	return f
}

func emergencyRecord(status models.EmergencyAccessStatus) *models.EmergencyAccess {
	email := "bob@example.com"
	granteeID := "grantee-1"
	record := &models.EmergencyAccess{
		ID:           "ea-1",
		GrantorID:    "grantor-1",
		Email:        &email,
		Type:         models.EmergencyAccessTakeover,
		Status:       status,
		WaitTimeDays: 7,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	if status > models.EmergencyInvited {
		record.GranteeID = &granteeID
	}
	return record
}

func TestEmergencyService_Invite(t *testing.T) {
	f := newEmergencyFixtures(t)

	var created *models.EmergencyAccess
	f.store.CreateFunc = func(ctx context.Context, access *models.EmergencyAccess) error {
		created = access
		return nil
	}
	var invitedEmail string
	f.mailer.SendEmergencyInviteFunc = func(ctx context.Context, email, grantorName string) error {
		invitedEmail = email
		return nil
	}

	access, err := f.service.Invite(context.Background(), "grantor-1", "Bob@Example.com", models.EmergencyAccessTakeover, 7)
	require.NoError(t, err)
	require.NotNil(t, created)
	assert.Equal(t, models.EmergencyInvited, access.Status)
	assert.Equal(t, "bob@example.com", *access.Email)
	assert.Equal(t, "bob@example.com", invitedEmail)
}

func TestEmergencyService_Invite_SelfRejected(t *testing.T) {
	f := newEmergencyFixtures(t)

	_, err := f.service.Invite(context.Background(), "grantor-1", "alice@example.com", models.EmergencyAccessView, 7)
	assert.ErrorIs(t, err, models.ErrBadRequest)
}

func TestEmergencyService_Invite_ZeroWaitAccepted(t *testing.T) {
	f := newEmergencyFixtures(t)

	f.store.CreateFunc = func(ctx context.Context, access *models.EmergencyAccess) error {
		return nil
	}

	access, err := f.service.Invite(context.Background(), "grantor-1", "bob@example.com", models.EmergencyAccessView, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, access.WaitTimeDays)
}

func TestEmergencyService_Invite_NegativeWaitRejected(t *testing.T) {
	f := newEmergencyFixtures(t)

	_, err := f.service.Invite(context.Background(), "grantor-1", "bob@example.com", models.EmergencyAccessView, -1)
	assert.ErrorIs(t, err, models.ErrBadRequest)
}

func TestEmergencyService_Accept(t *testing.T) {
	f := newEmergencyFixtures(t)

	f.store.GetByIDFunc = func(ctx context.Context, id string) (*models.EmergencyAccess, error) {
		return emergencyRecord(models.EmergencyInvited), nil
	}
	f.store.AcceptFunc = func(ctx context.Context, id, granteeID string) (bool, error) {
		return true, nil
	}

	err := f.service.Accept(context.Background(), "grantee-1", "ea-1")
	assert.NoError(t, err)
}

func TestEmergencyService_Accept_WrongEmail(t *testing.T) {
	f := newEmergencyFixtures(t)

	record := emergencyRecord(models.EmergencyInvited)
	other := "carol@example.com"
	record.Email = &other
	f.store.GetByIDFunc = func(ctx context.Context, id string) (*models.EmergencyAccess, error) {
		return record, nil
	}

	err := f.service.Accept(context.Background(), "grantee-1", "ea-1")
	assert.ErrorIs(t, err, models.ErrForbidden)
}

func TestEmergencyService_Accept_WrongState(t *testing.T) {
	f := newEmergencyFixtures(t)

	f.store.GetByIDFunc = func(ctx context.Context, id string) (*models.EmergencyAccess, error) {
		return emergencyRecord(models.EmergencyConfirmed), nil
	}
	f.store.AcceptFunc = func(ctx context.Context, id, granteeID string) (bool, error) {
		return false, nil
	}

	err := f.service.Accept(context.Background(), "grantee-1", "ea-1")
	assert.ErrorIs(t, err, models.ErrEmergencyNotEligible)
}

func TestEmergencyService_Confirm(t *testing.T) {
	f := newEmergencyFixtures(t)

	f.store.GetByIDFunc = func(ctx context.Context, id string) (*models.EmergencyAccess, error) {
		return emergencyRecord(models.EmergencyAccepted), nil
	}
	var storedKey string
	f.store.ConfirmFunc = func(ctx context.Context, id, keyEncrypted string) (bool, error) {
		storedKey = keyEncrypted
		return true, nil
	}

	err := f.service.Confirm(context.Background(), "grantor-1", "ea-1", "wrapped-vault-key")
	require.NoError(t, err)
	assert.Equal(t, "wrapped-vault-key", storedKey)
}

func TestEmergencyService_Confirm_GrantorOnly(t *testing.T) {
	f := newEmergencyFixtures(t)

	f.store.GetByIDFunc = func(ctx context.Context, id string) (*models.EmergencyAccess, error) {
		return emergencyRecord(models.EmergencyAccepted), nil
	}

	err := f.service.Confirm(context.Background(), "grantee-1", "ea-1", "wrapped-vault-key")
	assert.ErrorIs(t, err, models.ErrForbidden)
}

func TestEmergencyService_InitiateRecovery(t *testing.T) {
	f := newEmergencyFixtures(t)

	f.store.GetByIDFunc = func(ctx context.Context, id string) (*models.EmergencyAccess, error) {
		return emergencyRecord(models.EmergencyConfirmed), nil
	}
	f.store.InitiateRecoveryFunc = func(ctx context.Context, id string) (bool, error) {
		return true, nil
	}
	var notified string
	f.mailer.SendRecoveryInitiatedFunc = func(ctx context.Context, email, granteeName string, waitDays int) error {
		notified = email
		assert.Equal(t, 7, waitDays)
		return nil
	}

	err := f.service.InitiateRecovery(context.Background(), "grantee-1", "ea-1")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", notified)
}

func TestEmergencyService_InitiateRecovery_GranteeOnly(t *testing.T) {
	f := newEmergencyFixtures(t)

	f.store.GetByIDFunc = func(ctx context.Context, id string) (*models.EmergencyAccess, error) {
		return emergencyRecord(models.EmergencyConfirmed), nil
	}

	err := f.service.InitiateRecovery(context.Background(), "grantor-1", "ea-1")
	assert.ErrorIs(t, err, models.ErrForbidden)
}

func TestEmergencyService_InitiateRecovery_NotConfirmed(t *testing.T) {
	f := newEmergencyFixtures(t)

	f.store.GetByIDFunc = func(ctx context.Context, id string) (*models.EmergencyAccess, error) {
		return emergencyRecord(models.EmergencyAccepted), nil
	}
	f.store.InitiateRecoveryFunc = func(ctx context.Context, id string) (bool, error) {
		return false, nil
	}

	err := f.service.InitiateRecovery(context.Background(), "grantee-1", "ea-1")
	assert.ErrorIs(t, err, models.ErrEmergencyNotEligible)
}

func TestEmergencyService_ApproveAndReject(t *testing.T) {
	f := newEmergencyFixtures(t)

	f.store.GetByIDFunc = func(ctx context.Context, id string) (*models.EmergencyAccess, error) {
		return emergencyRecord(models.EmergencyRecoveryInitiated), nil
	}
	var transitions [][2]models.EmergencyAccessStatus
	f.store.TransitionFunc = func(ctx context.Context, id string, from, to models.EmergencyAccessStatus) (bool, error) {
		transitions = append(transitions, [2]models.EmergencyAccessStatus{from, to})
		return true, nil
	}
	approvedMailed := false
	f.mailer.SendRecoveryApprovedFunc = func(ctx context.Context, email, grantorName string) error {
		approvedMailed = true
		return nil
	}

	require.NoError(t, f.service.Approve(context.Background(), "grantor-1", "ea-1"))
	require.NoError(t, f.service.Reject(context.Background(), "grantor-1", "ea-1"))

	assert.Equal(t, [][2]models.EmergencyAccessStatus{
		{models.EmergencyRecoveryInitiated, models.EmergencyRecoveryApproved},
		{models.EmergencyRecoveryInitiated, models.EmergencyRecoveryRejected},
	}, transitions)
	assert.True(t, approvedMailed)
}

func TestEmergencyService_AccessKey_ApprovedOnly(t *testing.T) {
	f := newEmergencyFixtures(t)

	record := emergencyRecord(models.EmergencyRecoveryApproved)
	key := "wrapped-vault-key"
	record.KeyEncrypted = &key
	f.store.GetByIDFunc = func(ctx context.Context, id string) (*models.EmergencyAccess, error) {
		return record, nil
	}

	got, err := f.service.AccessKey(context.Background(), "grantee-1", "ea-1")
	require.NoError(t, err)
	assert.Equal(t, key, got)
}

func TestEmergencyService_AccessKey_BeforeApproval(t *testing.T) {
	f := newEmergencyFixtures(t)

	record := emergencyRecord(models.EmergencyRecoveryInitiated)
	key := "wrapped-vault-key"
	record.KeyEncrypted = &key
	f.store.GetByIDFunc = func(ctx context.Context, id string) (*models.EmergencyAccess, error) {
		return record, nil
	}

	_, err := f.service.AccessKey(context.Background(), "grantee-1", "ea-1")
	assert.ErrorIs(t, err, models.ErrEmergencyWaitPeriodNotElapsed)
}

func TestEmergencyService_AccessKey_ZeroWaitApprovesImmediately(t *testing.T) {
	f := newEmergencyFixtures(t)

	record := emergencyRecord(models.EmergencyRecoveryInitiated)
	record.WaitTimeDays = 0
	initiated := time.Now().Add(-time.Minute)
	record.RecoveryInitiatedAt = &initiated
	key := "wrapped-vault-key"
	record.KeyEncrypted = &key
	f.store.GetByIDFunc = func(ctx context.Context, id string) (*models.EmergencyAccess, error) {
		return record, nil
	}
	var transitioned [2]models.EmergencyAccessStatus
	f.store.TransitionFunc = func(ctx context.Context, id string, from, to models.EmergencyAccessStatus) (bool, error) {
		transitioned = [2]models.EmergencyAccessStatus{from, to}
		return true, nil
	}

	got, err := f.service.AccessKey(context.Background(), "grantee-1", "ea-1")
	require.NoError(t, err)
	assert.Equal(t, key, got)
	assert.Equal(t, [2]models.EmergencyAccessStatus{
		models.EmergencyRecoveryInitiated, models.EmergencyRecoveryApproved,
	}, transitioned)
}

func TestEmergencyService_AccessKey_SevenDayWaitBoundary(t *testing.T) {
	f := newEmergencyFixtures(t)

	record := emergencyRecord(models.EmergencyRecoveryInitiated)
	key := "wrapped-vault-key"
	record.KeyEncrypted = &key
	f.store.GetByIDFunc = func(ctx context.Context, id string) (*models.EmergencyAccess, error) {
		return record, nil
	}
	f.store.TransitionFunc = func(ctx context.Context, id string, from, to models.EmergencyAccessStatus) (bool, error) {
		return true, nil
	}

	sixDaysAgo := time.Now().Add(-6 * 24 * time.Hour)
	record.RecoveryInitiatedAt = &sixDaysAgo
	_, err := f.service.AccessKey(context.Background(), "grantee-1", "ea-1")
	assert.ErrorIs(t, err, models.ErrEmergencyWaitPeriodNotElapsed)

	sevenDaysAgo := time.Now().Add(-7 * 24 * time.Hour)
	record.RecoveryInitiatedAt = &sevenDaysAgo
	got, err := f.service.AccessKey(context.Background(), "grantee-1", "ea-1")
	require.NoError(t, err)
	assert.Equal(t, key, got)
}

func TestEmergencyService_AccessKey_OutsideRecovery(t *testing.T) {
	f := newEmergencyFixtures(t)

	record := emergencyRecord(models.EmergencyConfirmed)
	key := "wrapped-vault-key"
	record.KeyEncrypted = &key
	f.store.GetByIDFunc = func(ctx context.Context, id string) (*models.EmergencyAccess, error) {
		return record, nil
	}

	_, err := f.service.AccessKey(context.Background(), "grantee-1", "ea-1")
	assert.ErrorIs(t, err, models.ErrEmergencyNotEligible)
}

func TestEmergencyService_AccessKey_GranteeOnly(t *testing.T) {
	f := newEmergencyFixtures(t)

	record := emergencyRecord(models.EmergencyRecoveryApproved)
	f.store.GetByIDFunc = func(ctx context.Context, id string) (*models.EmergencyAccess, error) {
		return record, nil
	}

	_, err := f.service.AccessKey(context.Background(), "grantor-1", "ea-1")
	assert.ErrorIs(t, err, models.ErrForbidden)
}
