package background

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/vaultgate/vaultgate/internal/models"
)

type mockPendingStore struct {
	pendingCutoff time.Time
	attemptCutoff time.Time
}

func (m *mockPendingStore) DeleteExpiredPendingLogins(ctx context.Context, olderThan time.Time) (int64, error) {
	m.pendingCutoff = olderThan
	return 2, nil
}

func (m *mockPendingStore) DeleteOldAttempts(ctx context.Context, olderThan time.Time) (int64, error) {
	m.attemptCutoff = olderThan
	return 1, nil
}

type mockRequestStore struct {
	pendingCutoff  time.Time
	resolvedCutoff time.Time
}

func (m *mockRequestStore) DeleteExpired(ctx context.Context, pendingOlderThan, resolvedOlderThan time.Time) (int64, error) {
	m.pendingCutoff = pendingOlderThan
	m.resolvedCutoff = resolvedOlderThan
	return 3, nil
}

type mockSsoStore struct {
	cutoff time.Time
}

func (m *mockSsoStore) DeleteExpiredStates(ctx context.Context, olderThan time.Time) (int64, error) {
	m.cutoff = olderThan
	return 1, nil
}

type mockEmergencyStore struct {
	approved  []*models.EmergencyAccess
	reminders []*models.EmergencyAccess
	touched   []string
}

func (m *mockEmergencyStore) AutoApproveElapsed(ctx context.Context, now time.Time) ([]*models.EmergencyAccess, error) {
	return m.approved, nil
}

func (m *mockEmergencyStore) ListPendingReminders(ctx context.Context, notifiedBefore time.Time) ([]*models.EmergencyAccess, error) {
	return m.reminders, nil
}

func (m *mockEmergencyStore) TouchNotification(ctx context.Context, id string, at time.Time) error {
	m.touched = append(m.touched, id)
	return nil
}

type mockNotifier struct {
	autoApproved []string
	reminded     []string
}

func (m *mockNotifier) NotifyAutoApproved(ctx context.Context, access *models.EmergencyAccess) {
	m.autoApproved = append(m.autoApproved, access.ID)
}

func (m *mockNotifier) NotifyReminder(ctx context.Context, access *models.EmergencyAccess) {
	m.reminded = append(m.reminded, access.ID)
}

func sweeperFixtures() (*Sweeper, *mockPendingStore, *mockRequestStore, *mockSsoStore, *mockEmergencyStore, *mockNotifier) {
	pending := &mockPendingStore{}
	requests := &mockRequestStore{}
	sso := &mockSsoStore{}
	emergency := &mockEmergencyStore{}
	notifier := &mockNotifier{}

	sweeper := NewSweeper(pending, requests, sso, emergency, notifier, Config{
		Interval:          5 * time.Minute,
		PendingLoginTTL:   15 * time.Minute,
		AuthRequestTTL:    15 * time.Minute,
		SsoStateTTL:       10 * time.Minute,
		AttemptRetention:  24 * time.Hour,
		ResolvedRetention: time.Hour,
		ReminderInterval:  24 * time.Hour,
	}, slog.Default())

	return sweeper, pending, requests, sso, emergency, notifier
}

func TestSweeper_RunOnce_UsesConfiguredCutoffs(t *testing.T) {
	sweeper, pending, requests, sso, _, _ := sweeperFixtures()

	before := time.Now()
	sweeper.RunOnce(context.Background())
	after := time.Now()

	assertBetween(t, pending.pendingCutoff, before.Add(-15*time.Minute), after.Add(-15*time.Minute))
	assertBetween(t, pending.attemptCutoff, before.Add(-24*time.Hour), after.Add(-24*time.Hour))
	assertBetween(t, requests.pendingCutoff, before.Add(-15*time.Minute), after.Add(-15*time.Minute))
	assertBetween(t, requests.resolvedCutoff, before.Add(-time.Hour), after.Add(-time.Hour))
	assertBetween(t, sso.cutoff, before.Add(-10*time.Minute), after.Add(-10*time.Minute))
}

func TestSweeper_RunOnce_AutoApprovalNotifies(t *testing.T) {
	sweeper, _, _, _, emergency, notifier := sweeperFixtures()

	emergency.approved = []*models.EmergencyAccess{
		{ID: "ea-1", GrantorID: "grantor-1"},
		{ID: "ea-2", GrantorID: "grantor-2"},
	}

	sweeper.RunOnce(context.Background())

	assert.Equal(t, []string{"ea-1", "ea-2"}, notifier.autoApproved)
}

func TestSweeper_RunOnce_RemindersTouchNotification(t *testing.T) {
	sweeper, _, _, _, emergency, notifier := sweeperFixtures()

	emergency.reminders = []*models.EmergencyAccess{{ID: "ea-3", GrantorID: "grantor-1"}}

	sweeper.RunOnce(context.Background())

	assert.Equal(t, []string{"ea-3"}, notifier.reminded)
	assert.Equal(t, []string{"ea-3"}, emergency.touched)
}

func TestSweeper_StartStop(t *testing.T) {
	sweeper, _, _, _, _, _ := sweeperFixtures()

	done := make(chan struct{})
	go func() {
		sweeper.Start(context.Background())
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	sweeper.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func assertBetween(t *testing.T, got, lo, hi time.Time) {
	t.Helper()
	assert.False(t, got.Before(lo), "cutoff %v earlier than %v", got, lo)
	assert.False(t, got.After(hi), "cutoff %v later than %v", got, hi)
}
