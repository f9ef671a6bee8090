package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vaultgate/vaultgate/internal/models"
)

// EmergencyAccessStore defines the interface for emergency-access
// persistence.
type EmergencyAccessStore interface {
	Create(ctx context.Context, access *models.EmergencyAccess) error
	GetByID(ctx context.Context, id string) (*models.EmergencyAccess, error)
	ListByGrantor(ctx context.Context, grantorID string) ([]*models.EmergencyAccess, error)
	ListByGrantee(ctx context.Context, granteeID string) ([]*models.EmergencyAccess, error)
	Transition(ctx context.Context, id string, from, to models.EmergencyAccessStatus) (bool, error)
	Accept(ctx context.Context, id, granteeID string) (bool, error)
	Confirm(ctx context.Context, id, keyEncrypted string) (bool, error)
	InitiateRecovery(ctx context.Context, id string) (bool, error)
}

// EmergencyAccessService runs the grantor/grantee escalation state
// machine. Every transition is a conditional update keyed on the current
// status, so concurrent actors cannot double-fire a step.
type EmergencyAccessService struct {
	store  EmergencyAccessStore
	users  UserStore
	mailer Mailer
	logger *slog.Logger
}

func NewEmergencyAccessService(store EmergencyAccessStore, users UserStore, mailer Mailer, logger *slog.Logger) *EmergencyAccessService {
	return &EmergencyAccessService{
		store:  store,
		users:  users,
		mailer: mailer,
		logger: logger,
	}
}

// Invite creates an Invited relationship addressed to an email. The
// grantee binds to it at Accept time.
func (s *EmergencyAccessService) Invite(ctx context.Context, grantorID, email string, accessType models.EmergencyAccessType, waitDays int) (*models.EmergencyAccess, error) {
	// A zero-day wait is allowed: recovery then auto-approves on the
	// first sweep after initiation.
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || waitDays < 0 {
		return nil, models.ErrBadRequest
	}

	grantor, err := s.users.GetByID(ctx, grantorID)
	if err != nil {
		s.logger.Error("failed to get grantor", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	if strings.EqualFold(grantor.Email, email) {
		return nil, models.ErrBadRequest
	}

	access := &models.EmergencyAccess{
		ID:           uuid.New().String(),
		GrantorID:    grantorID,
		Email:        &email,
		Type:         accessType,
		Status:       models.EmergencyInvited,
		WaitTimeDays: waitDays,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	if err := s.store.Create(ctx, access); err != nil {
		s.logger.Error("failed to create emergency access", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	if err := s.mailer.SendEmergencyInvite(ctx, email, grantor.Name); err != nil {
		s.logger.Error("failed to send emergency invite", slog.Any("error", err))
	}

	s.logger.Info("emergency access invited",
		slog.String("access_id", access.ID),
		slog.String("grantor_id", grantorID))
	return access, nil
}

// Accept binds the invited email's account as grantee. Only the account
// matching the invited address may accept.
func (s *EmergencyAccessService) Accept(ctx context.Context, granteeID, id string) error {
	access, err := s.get(ctx, id)
	if err != nil {
		return err
	}

	grantee, err := s.users.GetByID(ctx, granteeID)
	if err != nil {
		s.logger.Error("failed to get grantee", slog.Any("error", err))
		return models.ErrInternalServer
	}
	if access.Email == nil || !strings.EqualFold(*access.Email, grantee.Email) {
		return models.ErrForbidden
	}

	ok, err := s.store.Accept(ctx, id, granteeID)
	if err != nil {
		s.logger.Error("failed to accept emergency access", slog.Any("error", err))
		return models.ErrInternalServer
	}
	if !ok {
		return models.ErrEmergencyNotEligible
	}

	s.logger.Info("emergency access accepted",
		slog.String("access_id", id),
		slog.String("grantee_id", granteeID))
	return nil
}

// Confirm is the grantor's acknowledgement of an accepted invite,
// supplying the vault key encrypted to the grantee.
func (s *EmergencyAccessService) Confirm(ctx context.Context, grantorID, id, keyEncrypted string) error {
	if keyEncrypted == "" {
		return models.ErrBadRequest
	}

	access, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if access.GrantorID != grantorID {
		return models.ErrForbidden
	}

	ok, err := s.store.Confirm(ctx, id, keyEncrypted)
	if err != nil {
		s.logger.Error("failed to confirm emergency access", slog.Any("error", err))
		return models.ErrInternalServer
	}
	if !ok {
		return models.ErrEmergencyNotEligible
	}

	s.logger.Info("emergency access confirmed", slog.String("access_id", id))
	return nil
}

// InitiateRecovery starts the wait window. Only the confirmed grantee
// may initiate, and only from the Confirmed state.
func (s *EmergencyAccessService) InitiateRecovery(ctx context.Context, granteeID, id string) error {
	access, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if access.GranteeID == nil || *access.GranteeID != granteeID {
		return models.ErrForbidden
	}

	ok, err := s.store.InitiateRecovery(ctx, id)
	if err != nil {
		s.logger.Error("failed to initiate recovery", slog.Any("error", err))
		return models.ErrInternalServer
	}
	if !ok {
		return models.ErrEmergencyNotEligible
	}

	s.notifyGrantor(ctx, access, granteeID)

	s.logger.Info("emergency recovery initiated",
		slog.String("access_id", id),
		slog.String("grantee_id", granteeID))
	return nil
}

func (s *EmergencyAccessService) notifyGrantor(ctx context.Context, access *models.EmergencyAccess, granteeID string) {
	grantor, err := s.users.GetByID(ctx, access.GrantorID)
	if err != nil {
		s.logger.Error("failed to get grantor for notification", slog.Any("error", err))
		return
	}
	grantee, err := s.users.GetByID(ctx, granteeID)
	if err != nil {
		s.logger.Error("failed to get grantee for notification", slog.Any("error", err))
		return
	}
	if err := s.mailer.SendRecoveryInitiated(ctx, grantor.Email, grantee.Name, access.WaitTimeDays); err != nil {
		s.logger.Error("failed to send recovery notice", slog.Any("error", err))
	}
}

// Approve short-circuits the wait window. Grantor only, from
// RecoveryInitiated only.
func (s *EmergencyAccessService) Approve(ctx context.Context, grantorID, id string) error {
	return s.resolveRecovery(ctx, grantorID, id, models.EmergencyRecoveryApproved)
}

// Reject cancels an initiated recovery. The relationship stays intact
// in RecoveryRejected and the grantee may initiate again later.
func (s *EmergencyAccessService) Reject(ctx context.Context, grantorID, id string) error {
	return s.resolveRecovery(ctx, grantorID, id, models.EmergencyRecoveryRejected)
}

func (s *EmergencyAccessService) resolveRecovery(ctx context.Context, grantorID, id string, to models.EmergencyAccessStatus) error {
	access, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if access.GrantorID != grantorID {
		return models.ErrForbidden
	}

	ok, err := s.store.Transition(ctx, id, models.EmergencyRecoveryInitiated, to)
	if err != nil {
		s.logger.Error("failed to resolve recovery", slog.Any("error", err))
		return models.ErrInternalServer
	}
	if !ok {
		return models.ErrEmergencyNotEligible
	}

	if to == models.EmergencyRecoveryApproved {
		s.notifyGranteeApproved(ctx, access)
	}

	s.logger.Info("emergency recovery resolved",
		slog.String("access_id", id),
		slog.String("status", to.String()))
	return nil
}

func (s *EmergencyAccessService) notifyGranteeApproved(ctx context.Context, access *models.EmergencyAccess) {
	if access.GranteeID == nil {
		return
	}
	grantee, err := s.users.GetByID(ctx, *access.GranteeID)
	if err != nil {
		s.logger.Error("failed to get grantee for notification", slog.Any("error", err))
		return
	}
	grantor, err := s.users.GetByID(ctx, access.GrantorID)
	if err != nil {
		s.logger.Error("failed to get grantor for notification", slog.Any("error", err))
		return
	}
	if err := s.mailer.SendRecoveryApproved(ctx, grantee.Email, grantor.Name); err != nil {
		s.logger.Error("failed to send approval notice", slog.Any("error", err))
	}
}

// AccessKey returns the encrypted vault key to an approved grantee.
// This is the payload the emergency-access feature exists to release.
func (s *EmergencyAccessService) AccessKey(ctx context.Context, granteeID, id string) (string, error) {
	access, err := s.get(ctx, id)
	if err != nil {
		return "", err
	}
	if access.GranteeID == nil || *access.GranteeID != granteeID {
		return "", models.ErrForbidden
	}

	// The wait window may have elapsed before the sweeper's next pass.
	// Promote with the same conditional transition the sweeper uses, so
	// a concurrent sweep produces exactly one approval.
	if access.Status == models.EmergencyRecoveryInitiated && access.WaitElapsed(time.Now()) {
		ok, err := s.store.Transition(ctx, id, models.EmergencyRecoveryInitiated, models.EmergencyRecoveryApproved)
		if err != nil {
			s.logger.Error("failed to approve elapsed recovery", slog.Any("error", err))
			return "", models.ErrInternalServer
		}
		if !ok {
			// Lost the race, re-read to see where the row landed.
			if access, err = s.get(ctx, id); err != nil {
				return "", err
			}
		} else {
			access.Status = models.EmergencyRecoveryApproved
		}
	}

	switch {
	case access.GrantsAccess() && access.KeyEncrypted != nil:
		return *access.KeyEncrypted, nil
	case access.Status == models.EmergencyRecoveryInitiated:
		return "", models.ErrEmergencyWaitPeriodNotElapsed
	default:
		return "", models.ErrEmergencyNotEligible
	}
}

// ListGranted returns the relationships where the user is grantor.
func (s *EmergencyAccessService) ListGranted(ctx context.Context, grantorID string) ([]*models.EmergencyAccess, error) {
	out, err := s.store.ListByGrantor(ctx, grantorID)
	if err != nil {
		s.logger.Error("failed to list granted emergency access", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	return out, nil
}

// ListTrusted returns the relationships where the user is grantee.
func (s *EmergencyAccessService) ListTrusted(ctx context.Context, granteeID string) ([]*models.EmergencyAccess, error) {
	out, err := s.store.ListByGrantee(ctx, granteeID)
	if err != nil {
		s.logger.Error("failed to list trusted emergency access", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	return out, nil
}

func (s *EmergencyAccessService) get(ctx context.Context, id string) (*models.EmergencyAccess, error) {
	access, err := s.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrNotFound
		}
		s.logger.Error("failed to get emergency access", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	return access, nil
}
