package background

import (
	"context"
	"log/slog"
	"time"

	"github.com/vaultgate/vaultgate/internal/models"
)

// PendingLoginSweepStore removes pending two-factor logins and stale
// attempt rows.
type PendingLoginSweepStore interface {
	DeleteExpiredPendingLogins(ctx context.Context, olderThan time.Time) (int64, error)
	DeleteOldAttempts(ctx context.Context, olderThan time.Time) (int64, error)
}

// AuthRequestSweepStore removes expired device-trust requests.
type AuthRequestSweepStore interface {
	DeleteExpired(ctx context.Context, pendingOlderThan, resolvedOlderThan time.Time) (int64, error)
}

// SsoSweepStore removes abandoned SSO exchange states.
type SsoSweepStore interface {
	DeleteExpiredStates(ctx context.Context, olderThan time.Time) (int64, error)
}

// EmergencySweepStore advances overdue recovery requests and finds
// grantors due a reminder.
type EmergencySweepStore interface {
	AutoApproveElapsed(ctx context.Context, now time.Time) ([]*models.EmergencyAccess, error)
	ListPendingReminders(ctx context.Context, notifiedBefore time.Time) ([]*models.EmergencyAccess, error)
	TouchNotification(ctx context.Context, id string, at time.Time) error
}

// SweepNotifier delivers the emails the sweep generates.
type SweepNotifier interface {
	NotifyAutoApproved(ctx context.Context, access *models.EmergencyAccess)
	NotifyReminder(ctx context.Context, access *models.EmergencyAccess)
}

// Config holds the retention windows for one sweep cycle.
type Config struct {
	Interval          time.Duration
	PendingLoginTTL   time.Duration
	AuthRequestTTL    time.Duration
	SsoStateTTL       time.Duration
	AttemptRetention  time.Duration
	ResolvedRetention time.Duration // how long resolved auth requests are kept for audit
	ReminderInterval  time.Duration
}

// Sweeper periodically expires short-lived authentication state and
// fires the emergency-access auto-approval. Deletion is the only
// expiry mechanism: nothing else in the system reaps these rows.
type Sweeper struct {
	pending   PendingLoginSweepStore
	requests  AuthRequestSweepStore
	sso       SsoSweepStore
	emergency EmergencySweepStore
	notifier  SweepNotifier
	config    Config
	logger    *slog.Logger
	stopCh    chan struct{}
}

func NewSweeper(
	pending PendingLoginSweepStore,
	requests AuthRequestSweepStore,
	sso SsoSweepStore,
	emergency EmergencySweepStore,
	notifier SweepNotifier,
	config Config,
	logger *slog.Logger,
) *Sweeper {
	return &Sweeper{
		pending:   pending,
		requests:  requests,
		sso:       sso,
		emergency: emergency,
		notifier:  notifier,
		config:    config,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the periodic sweep loop
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	// Run immediately on startup
	s.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-s.stopCh:
			s.logger.Info("sweeper stopped")
			return
		case <-ctx.Done():
			s.logger.Info("sweeper context cancelled")
			return
		}
	}
}

// Stop signals the sweep loop to exit.
func (s *Sweeper) Stop() {
	close(s.stopCh)
}

// RunOnce executes a single sweep cycle.
func (s *Sweeper) RunOnce(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	now := time.Now()
	s.sweepPendingLogins(sweepCtx, now)
	s.sweepAuthRequests(sweepCtx, now)
	s.sweepSsoStates(sweepCtx, now)
	s.sweepEmergencyAccess(sweepCtx, now)
}

func (s *Sweeper) sweepPendingLogins(ctx context.Context, now time.Time) {
	deleted, err := s.pending.DeleteExpiredPendingLogins(ctx, now.Add(-s.config.PendingLoginTTL))
	if err != nil {
		s.logger.Error("failed to sweep pending logins", slog.Any("error", err))
	} else if deleted > 0 {
		s.logger.Info("expired pending logins removed", slog.Int64("rows_deleted", deleted))
	}

	deleted, err = s.pending.DeleteOldAttempts(ctx, now.Add(-s.config.AttemptRetention))
	if err != nil {
		s.logger.Error("failed to sweep two-factor attempts", slog.Any("error", err))
	} else if deleted > 0 {
		s.logger.Info("old two-factor attempts removed", slog.Int64("rows_deleted", deleted))
	}
}

func (s *Sweeper) sweepAuthRequests(ctx context.Context, now time.Time) {
	deleted, err := s.requests.DeleteExpired(ctx,
		now.Add(-s.config.AuthRequestTTL),
		now.Add(-s.config.ResolvedRetention))
	if err != nil {
		s.logger.Error("failed to sweep auth requests", slog.Any("error", err))
	} else if deleted > 0 {
		s.logger.Info("expired auth requests removed", slog.Int64("rows_deleted", deleted))
	}
}

func (s *Sweeper) sweepSsoStates(ctx context.Context, now time.Time) {
	deleted, err := s.sso.DeleteExpiredStates(ctx, now.Add(-s.config.SsoStateTTL))
	if err != nil {
		s.logger.Error("failed to sweep sso states", slog.Any("error", err))
	} else if deleted > 0 {
		s.logger.Info("expired sso states removed", slog.Int64("rows_deleted", deleted))
	}
}

// sweepEmergencyAccess fires the auto-approval for recovery requests
// whose wait window elapsed without the grantor rejecting, then sends
// periodic reminders for the ones still waiting.
func (s *Sweeper) sweepEmergencyAccess(ctx context.Context, now time.Time) {
	approved, err := s.emergency.AutoApproveElapsed(ctx, now)
	if err != nil {
		s.logger.Error("failed to auto-approve emergency access", slog.Any("error", err))
	}
	for _, access := range approved {
		s.logger.Info("emergency access auto-approved",
			slog.String("access_id", access.ID),
			slog.String("grantor_id", access.GrantorID))
		s.notifier.NotifyAutoApproved(ctx, access)
	}

	due, err := s.emergency.ListPendingReminders(ctx, now.Add(-s.config.ReminderInterval))
	if err != nil {
		s.logger.Error("failed to list emergency reminders", slog.Any("error", err))
		return
	}
	for _, access := range due {
		s.notifier.NotifyReminder(ctx, access)
		if err := s.emergency.TouchNotification(ctx, access.ID, now); err != nil {
			s.logger.Error("failed to record reminder",
				slog.String("access_id", access.ID), slog.Any("error", err))
		}
	}
}
