package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/vaultgate/vaultgate/internal/database"
	"github.com/vaultgate/vaultgate/internal/models"
)

// EmergencyAccessRepository persists grantor/grantee escalation records.
// Status transitions are conditional on the expected current status so
// concurrent actors cannot skip states.
type EmergencyAccessRepository struct {
	db *database.DB
}

func NewEmergencyAccessRepository(db *database.DB) *EmergencyAccessRepository {
	return &EmergencyAccessRepository{db: db}
}

const emergencyColumns = `uuid, grantor_uuid, grantee_uuid, email, atype, status, wait_time_days, key_encrypted, recovery_initiated_at, last_notification_at, created_at, updated_at`

func scanEmergencyRow(scanner rowScanner) (*models.EmergencyAccess, error) {
	var e models.EmergencyAccess
	err := scanner.Scan(
		&e.ID, &e.GrantorID, &e.GranteeID, &e.Email, &e.Type, &e.Status,
		&e.WaitTimeDays, &e.KeyEncrypted, &e.RecoveryInitiatedAt, &e.LastNotificationAt,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &e, nil
}

func (r *EmergencyAccessRepository) Create(ctx context.Context, access *models.EmergencyAccess) error {
	access.ID = uuid.New().String()
	now := time.Now()
	access.CreatedAt = now
	access.UpdatedAt = now

	query := `
		INSERT INTO emergency_access (uuid, grantor_uuid, grantee_uuid, email, atype, status, wait_time_days, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.db.Pool.Exec(ctx, query,
		access.ID, access.GrantorID, access.GranteeID, access.Email,
		access.Type, access.Status, access.WaitTimeDays, access.CreatedAt, access.UpdatedAt)
	return database.MapPostgresError(err)
}

func (r *EmergencyAccessRepository) GetByID(ctx context.Context, id string) (*models.EmergencyAccess, error) {
	query := `SELECT ` + emergencyColumns + ` FROM emergency_access WHERE uuid = $1`
	return scanEmergencyRow(r.db.Pool.QueryRow(ctx, query, id))
}

func (r *EmergencyAccessRepository) ListByGrantor(ctx context.Context, grantorID string) ([]*models.EmergencyAccess, error) {
	return r.list(ctx, `SELECT `+emergencyColumns+` FROM emergency_access WHERE grantor_uuid = $1 ORDER BY created_at`, grantorID)
}

func (r *EmergencyAccessRepository) ListByGrantee(ctx context.Context, granteeID string) ([]*models.EmergencyAccess, error) {
	return r.list(ctx, `SELECT `+emergencyColumns+` FROM emergency_access WHERE grantee_uuid = $1 ORDER BY created_at`, granteeID)
}

func (r *EmergencyAccessRepository) list(ctx context.Context, query string, arg any) ([]*models.EmergencyAccess, error) {
	rows, err := r.db.Pool.Query(ctx, query, arg)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer rows.Close()

	records := make([]*models.EmergencyAccess, 0)
	for rows.Next() {
		e, err := scanEmergencyRow(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, e)
	}
	return records, rows.Err()
}

// Transition moves a record from one status to another. Conditional on
// the current status so racing transitions get exactly one winner; the
// loser sees false.
func (r *EmergencyAccessRepository) Transition(ctx context.Context, id string, from, to models.EmergencyAccessStatus) (bool, error) {
	query := `UPDATE emergency_access SET status = $1, updated_at = $2 WHERE uuid = $3 AND status = $4`

	result, err := r.db.Pool.Exec(ctx, query, to, time.Now(), id, from)
	if err != nil {
		return false, database.MapPostgresError(err)
	}
	return result.RowsAffected() == 1, nil
}

// Accept binds the invited grantee account and advances to Accepted.
func (r *EmergencyAccessRepository) Accept(ctx context.Context, id, granteeID string) (bool, error) {
	query := `
		UPDATE emergency_access SET grantee_uuid = $1, status = $2, updated_at = $3
		WHERE uuid = $4 AND status = $5
	`

	result, err := r.db.Pool.Exec(ctx, query,
		granteeID, models.EmergencyAccepted, time.Now(), id, models.EmergencyInvited)
	if err != nil {
		return false, database.MapPostgresError(err)
	}
	return result.RowsAffected() == 1, nil
}

// Confirm stores the encrypted key material and advances to Confirmed.
func (r *EmergencyAccessRepository) Confirm(ctx context.Context, id, keyEncrypted string) (bool, error) {
	query := `
		UPDATE emergency_access SET key_encrypted = $1, status = $2, updated_at = $3
		WHERE uuid = $4 AND status = $5
	`

	result, err := r.db.Pool.Exec(ctx, query,
		keyEncrypted, models.EmergencyConfirmed, time.Now(), id, models.EmergencyAccepted)
	if err != nil {
		return false, database.MapPostgresError(err)
	}
	return result.RowsAffected() == 1, nil
}

// InitiateRecovery stamps recovery_initiated_at, only from Confirmed.
func (r *EmergencyAccessRepository) InitiateRecovery(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE emergency_access
		SET status = $1, recovery_initiated_at = $2, last_notification_at = $2, updated_at = $2
		WHERE uuid = $3 AND status IN ($4, $5)
	`

	result, err := r.db.Pool.Exec(ctx, query,
		models.EmergencyRecoveryInitiated, time.Now(), id,
		models.EmergencyConfirmed, models.EmergencyRecoveryRejected)
	if err != nil {
		return false, database.MapPostgresError(err)
	}
	return result.RowsAffected() == 1, nil
}

// AutoApproveElapsed is the sweeper's transition: RecoveryInitiated rows
// whose wait window has fully elapsed become RecoveryApproved. Returns
// the approved records so the caller can notify both parties.
func (r *EmergencyAccessRepository) AutoApproveElapsed(ctx context.Context, now time.Time) ([]*models.EmergencyAccess, error) {
	query := `
		UPDATE emergency_access SET status = $1, updated_at = $2
		WHERE status = $3 AND recovery_initiated_at + make_interval(days => wait_time_days) <= $2
		RETURNING ` + emergencyColumns

	rows, err := r.db.Pool.Query(ctx, query,
		models.EmergencyRecoveryApproved, now, models.EmergencyRecoveryInitiated)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer rows.Close()

	records := make([]*models.EmergencyAccess, 0)
	for rows.Next() {
		e, err := scanEmergencyRow(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, e)
	}
	return records, rows.Err()
}

// ListPendingReminders returns RecoveryInitiated rows whose last
// notification is older than the reminder interval.
func (r *EmergencyAccessRepository) ListPendingReminders(ctx context.Context, notifiedBefore time.Time) ([]*models.EmergencyAccess, error) {
	query := `
		SELECT ` + emergencyColumns + ` FROM emergency_access
		WHERE status = $1 AND (last_notification_at IS NULL OR last_notification_at < $2)
		ORDER BY recovery_initiated_at
	`

	rows, err := r.db.Pool.Query(ctx, query, models.EmergencyRecoveryInitiated, notifiedBefore)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer rows.Close()

	records := make([]*models.EmergencyAccess, 0)
	for rows.Next() {
		e, err := scanEmergencyRow(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, e)
	}
	return records, rows.Err()
}

// TouchNotification records that a reminder was sent.
func (r *EmergencyAccessRepository) TouchNotification(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE emergency_access SET last_notification_at = $1 WHERE uuid = $2`

	_, err := r.db.Pool.Exec(ctx, query, at, id)
	return database.MapPostgresError(err)
}
