package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/vaultgate/vaultgate/internal/models"
)

// EmergencySweepNotifier resolves the parties of a swept
// emergency-access row and mails them. Used by the background sweeper.
type EmergencySweepNotifier struct {
	users  UserStore
	mailer Mailer
	logger *slog.Logger
}

func NewEmergencySweepNotifier(users UserStore, mailer Mailer, logger *slog.Logger) *EmergencySweepNotifier {
	return &EmergencySweepNotifier{users: users, mailer: mailer, logger: logger}
}

func (n *EmergencySweepNotifier) NotifyAutoApproved(ctx context.Context, access *models.EmergencyAccess) {
	grantor, grantee, ok := n.parties(ctx, access)
	if !ok {
		return
	}
	if err := n.mailer.SendRecoveryApproved(ctx, grantee.Email, grantor.Name); err != nil {
		n.logger.Error("failed to send auto-approval notice",
			slog.String("access_id", access.ID), slog.Any("error", err))
	}
}

func (n *EmergencySweepNotifier) NotifyReminder(ctx context.Context, access *models.EmergencyAccess) {
	grantor, grantee, ok := n.parties(ctx, access)
	if !ok {
		return
	}

	daysLeft := 0
	if access.RecoveryInitiatedAt != nil {
		deadline := access.RecoveryInitiatedAt.Add(time.Duration(access.WaitTimeDays) * 24 * time.Hour)
		if remaining := time.Until(deadline); remaining > 0 {
			daysLeft = int(remaining.Hours() / 24)
		}
	}

	if err := n.mailer.SendRecoveryReminder(ctx, grantor.Email, grantee.Name, daysLeft); err != nil {
		n.logger.Error("failed to send recovery reminder",
			slog.String("access_id", access.ID), slog.Any("error", err))
	}
}

func (n *EmergencySweepNotifier) parties(ctx context.Context, access *models.EmergencyAccess) (grantor, grantee *models.User, ok bool) {
	if access.GranteeID == nil {
		return nil, nil, false
	}
	grantor, err := n.users.GetByID(ctx, access.GrantorID)
	if err != nil {
		n.logger.Error("failed to get grantor",
			slog.String("access_id", access.ID), slog.Any("error", err))
		return nil, nil, false
	}
	grantee, err = n.users.GetByID(ctx, *access.GranteeID)
	if err != nil {
		n.logger.Error("failed to get grantee",
			slog.String("access_id", access.ID), slog.Any("error", err))
		return nil, nil, false
	}
	return grantor, grantee, true
}
