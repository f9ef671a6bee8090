package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/vaultgate/vaultgate/internal/database"
	"github.com/vaultgate/vaultgate/internal/models"
)

// TwoFactorRepository persists enabled provider methods, pending
// two-factor logins and verification attempts.
type TwoFactorRepository struct {
	db *database.DB
}

func NewTwoFactorRepository(db *database.DB) *TwoFactorRepository {
	return &TwoFactorRepository{db: db}
}

const methodColumns = `uuid, user_uuid, atype, enabled, data, last_used`

func scanMethodRow(scanner rowScanner) (*models.TwoFactorMethod, error) {
	var m models.TwoFactorMethod
	err := scanner.Scan(&m.ID, &m.UserID, &m.Type, &m.Enabled, &m.Data, &m.LastUsed)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &m, nil
}

func (r *TwoFactorRepository) GetMethod(ctx context.Context, userID string, providerType models.TwoFactorProviderType) (*models.TwoFactorMethod, error) {
	query := `SELECT ` + methodColumns + ` FROM twofactor WHERE user_uuid = $1 AND atype = $2`
	return scanMethodRow(r.db.Pool.QueryRow(ctx, query, userID, providerType))
}

func (r *TwoFactorRepository) ListEnabledMethods(ctx context.Context, userID string) ([]*models.TwoFactorMethod, error) {
	query := `SELECT ` + methodColumns + ` FROM twofactor WHERE user_uuid = $1 AND enabled ORDER BY atype`

	rows, err := r.db.Pool.Query(ctx, query, userID)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer rows.Close()

	methods := make([]*models.TwoFactorMethod, 0)
	for rows.Next() {
		m, err := scanMethodRow(rows)
		if err != nil {
			return nil, err
		}
		methods = append(methods, m)
	}
	return methods, rows.Err()
}

// SaveMethod inserts or replaces the (user, provider) pair.
const saveMethodQuery = `
	INSERT INTO twofactor (uuid, user_uuid, atype, enabled, data, last_used)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (user_uuid, atype) DO UPDATE
	SET enabled = EXCLUDED.enabled, data = EXCLUDED.data, last_used = EXCLUDED.last_used
`

// methodArgs normalizes a method row for insertion. Providers without
// per-method state (email, Duo) store an empty payload, the column is
// NOT NULL.
func methodArgs(method *models.TwoFactorMethod) []any {
	if method.ID == "" {
		method.ID = uuid.New().String()
	}
	data := method.Data
	if data == nil {
		data = []byte{}
	}
	return []any{method.ID, method.UserID, method.Type, method.Enabled, data, method.LastUsed}
}

func (r *TwoFactorRepository) SaveMethod(ctx context.Context, method *models.TwoFactorMethod) error {
	_, err := r.db.Pool.Exec(ctx, saveMethodQuery, methodArgs(method)...)
	return database.MapPostgresError(err)
}

// SaveMethodRotateStamp persists a method change and rotates the user's
// security stamp in one transaction. A committed configuration change
// must never leave outstanding sessions valid.
func (r *TwoFactorRepository) SaveMethodRotateStamp(ctx context.Context, method *models.TwoFactorMethod, newStamp string) error {
	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, saveMethodQuery, methodArgs(method)...); err != nil {
			return database.MapPostgresError(err)
		}
		return rotateStampTx(ctx, tx, method.UserID, newStamp)
	})
}

func (r *TwoFactorRepository) DeleteMethod(ctx context.Context, userID string, providerType models.TwoFactorProviderType) error {
	query := `DELETE FROM twofactor WHERE user_uuid = $1 AND atype = $2`

	result, err := r.db.Pool.Exec(ctx, query, userID, providerType)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// DeleteMethodRotateStamp removes a provider and rotates the user's
// security stamp in one transaction.
func (r *TwoFactorRepository) DeleteMethodRotateStamp(ctx context.Context, userID string, providerType models.TwoFactorProviderType, newStamp string) error {
	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		result, err := tx.Exec(ctx, `DELETE FROM twofactor WHERE user_uuid = $1 AND atype = $2`, userID, providerType)
		if err != nil {
			return database.MapPostgresError(err)
		}
		if result.RowsAffected() == 0 {
			return models.ErrNotFound
		}
		return rotateStampTx(ctx, tx, userID, newStamp)
	})
}

func rotateStampTx(ctx context.Context, tx pgx.Tx, userID, newStamp string) error {
	result, err := tx.Exec(ctx,
		`UPDATE users SET security_stamp = $1, updated_at = $2 WHERE id = $3`,
		newStamp, time.Now(), userID)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ClaimTOTPStep advances last_used to the accepted step only if it moves
// forward, so a replayed code within the window finds the step already
// consumed and loses the race.
func (r *TwoFactorRepository) ClaimTOTPStep(ctx context.Context, userID string, step int64) (bool, error) {
	query := `
		UPDATE twofactor SET last_used = $1
		WHERE user_uuid = $2 AND atype = $3 AND last_used < $1
	`

	result, err := r.db.Pool.Exec(ctx, query, step, userID, models.ProviderAuthenticator)
	if err != nil {
		return false, database.MapPostgresError(err)
	}
	return result.RowsAffected() == 1, nil
}

// --- pending two-factor logins -----------------------------------------

const pendingColumns = `user_uuid, device_uuid, device_name, ip, email_code_sum, session_blob, login_time`

func scanPendingRow(scanner rowScanner) (*models.PendingTwoFactorLogin, error) {
	var p models.PendingTwoFactorLogin
	err := scanner.Scan(&p.UserID, &p.DeviceID, &p.DeviceName, &p.IP, &p.EmailCodeSum, &p.SessionBlob, &p.LoginTime)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &p, nil
}

// UpsertPendingLogin creates the pending record, replacing any live row
// for the same (user, device). Returns true when a fresh row was created
// rather than an existing one replaced, which gates the at-most-once
// new-login notification.
func (r *TwoFactorRepository) UpsertPendingLogin(ctx context.Context, pending *models.PendingTwoFactorLogin) (bool, error) {
	query := `
		INSERT INTO twofactor_incomplete (user_uuid, device_uuid, device_name, ip, email_code_sum, session_blob, login_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_uuid, device_uuid) DO UPDATE
		SET device_name = EXCLUDED.device_name, ip = EXCLUDED.ip,
		    email_code_sum = EXCLUDED.email_code_sum, session_blob = EXCLUDED.session_blob,
		    login_time = EXCLUDED.login_time
		RETURNING (xmax = 0) AS inserted
	`

	var inserted bool
	err := r.db.Pool.QueryRow(ctx, query,
		pending.UserID, pending.DeviceID, pending.DeviceName, pending.IP,
		pending.EmailCodeSum, pending.SessionBlob, pending.LoginTime,
	).Scan(&inserted)
	if err != nil {
		return false, database.MapPostgresError(err)
	}
	return inserted, nil
}

func (r *TwoFactorRepository) GetPendingLogin(ctx context.Context, userID, deviceID string) (*models.PendingTwoFactorLogin, error) {
	query := `SELECT ` + pendingColumns + ` FROM twofactor_incomplete WHERE user_uuid = $1 AND device_uuid = $2`
	return scanPendingRow(r.db.Pool.QueryRow(ctx, query, userID, deviceID))
}

// UpdatePendingChallenge stores per-provider challenge state (mailed code
// hash, WebAuthn session) on the pending row.
func (r *TwoFactorRepository) UpdatePendingChallenge(ctx context.Context, userID, deviceID string, emailCodeSum *string, sessionBlob []byte) error {
	query := `
		UPDATE twofactor_incomplete SET email_code_sum = COALESCE($1, email_code_sum), session_blob = COALESCE($2, session_blob)
		WHERE user_uuid = $3 AND device_uuid = $4
	`

	result, err := r.db.Pool.Exec(ctx, query, emailCodeSum, sessionBlob, userID, deviceID)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// DeletePendingLogin removes the row on successful verification. The
// conditional login_time guard keeps the sweeper and a concurrent
// verification from both claiming the same record.
func (r *TwoFactorRepository) DeletePendingLogin(ctx context.Context, userID, deviceID string, loginTime time.Time) (bool, error) {
	query := `DELETE FROM twofactor_incomplete WHERE user_uuid = $1 AND device_uuid = $2 AND login_time = $3`

	result, err := r.db.Pool.Exec(ctx, query, userID, deviceID, loginTime)
	if err != nil {
		return false, database.MapPostgresError(err)
	}
	return result.RowsAffected() == 1, nil
}

// DeleteExpiredPendingLogins is the sweeper's TTL delete.
func (r *TwoFactorRepository) DeleteExpiredPendingLogins(ctx context.Context, olderThan time.Time) (int64, error) {
	query := `DELETE FROM twofactor_incomplete WHERE login_time < $1`

	result, err := r.db.Pool.Exec(ctx, query, olderThan)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return result.RowsAffected(), nil
}

// --- verification attempts ---------------------------------------------

func (r *TwoFactorRepository) RecordAttempt(ctx context.Context, attempt *models.TwoFactorAttempt) error {
	attempt.ID = uuid.New().String()
	query := `
		INSERT INTO twofactor_attempts (id, user_uuid, atype, ip, success, attempted_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.db.Pool.Exec(ctx, query,
		attempt.ID, attempt.UserID, attempt.Provider, attempt.IP, attempt.Success, attempt.AttemptedAt)
	return database.MapPostgresError(err)
}

func (r *TwoFactorRepository) CountFailedAttempts(ctx context.Context, userID string, providerType models.TwoFactorProviderType, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM twofactor_attempts
		WHERE user_uuid = $1 AND atype = $2 AND NOT success AND attempted_at >= $3
	`

	var count int
	err := r.db.Pool.QueryRow(ctx, query, userID, providerType, since).Scan(&count)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return count, nil
}

func (r *TwoFactorRepository) DeleteOldAttempts(ctx context.Context, olderThan time.Time) (int64, error) {
	query := `DELETE FROM twofactor_attempts WHERE attempted_at < $1`

	result, err := r.db.Pool.Exec(ctx, query, olderThan)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return result.RowsAffected(), nil
}
