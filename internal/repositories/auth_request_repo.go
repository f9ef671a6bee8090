package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/vaultgate/vaultgate/internal/database"
	"github.com/vaultgate/vaultgate/internal/models"
)

// AuthRequestRepository persists device-trust login requests. All
// state transitions are single conditional statements so two concurrent
// actors racing on the same row produce exactly one winner.
type AuthRequestRepository struct {
	db *database.DB
}

func NewAuthRequestRepository(db *database.DB) *AuthRequestRepository {
	return &AuthRequestRepository{db: db}
}

const authRequestColumns = `uuid, user_uuid, organization_uuid, request_device_identifier, device_type, request_ip, response_device_id, access_code, public_key, enc_key, master_password_hash, approved, creation_date, response_date, authentication_date`

func scanAuthRequestRow(scanner rowScanner) (*models.AuthRequest, error) {
	var r models.AuthRequest
	err := scanner.Scan(
		&r.ID, &r.UserID, &r.OrganizationID, &r.RequestDeviceID, &r.RequestDeviceType,
		&r.RequestIP, &r.ResponseDeviceID, &r.AccessCode, &r.PublicKey, &r.EncKey,
		&r.MasterPasswordHash, &r.Approved, &r.CreationDate, &r.ResponseDate, &r.AuthenticationDate,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &r, nil
}

// Create inserts a request after invalidating any unresolved request
// from the same device identifier. Only one unresolved request per
// requesting device is permitted.
func (repo *AuthRequestRepository) Create(ctx context.Context, req *models.AuthRequest) error {
	return repo.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`DELETE FROM auth_requests WHERE request_device_identifier = $1 AND approved IS NULL`,
			req.RequestDeviceID)
		if err != nil {
			return database.MapPostgresError(err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO auth_requests (uuid, user_uuid, organization_uuid, request_device_identifier, device_type, request_ip, access_code, public_key, creation_date)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`,
			req.ID, req.UserID, req.OrganizationID, req.RequestDeviceID, req.RequestDeviceType,
			req.RequestIP, req.AccessCode, req.PublicKey, req.CreationDate)
		return database.MapPostgresError(err)
	})
}

func (repo *AuthRequestRepository) GetByID(ctx context.Context, id string) (*models.AuthRequest, error) {
	query := `SELECT ` + authRequestColumns + ` FROM auth_requests WHERE uuid = $1`
	return scanAuthRequestRow(repo.db.Pool.QueryRow(ctx, query, id))
}

func (repo *AuthRequestRepository) ListPendingByUser(ctx context.Context, userID string, createdAfter time.Time) ([]*models.AuthRequest, error) {
	query := `
		SELECT ` + authRequestColumns + ` FROM auth_requests
		WHERE user_uuid = $1 AND approved IS NULL AND creation_date >= $2
		ORDER BY creation_date DESC
	`

	rows, err := repo.db.Pool.Query(ctx, query, userID, createdAfter)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer rows.Close()

	requests := make([]*models.AuthRequest, 0)
	for rows.Next() {
		r, err := scanAuthRequestRow(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, r)
	}
	return requests, rows.Err()
}

// Respond decides the request. The `approved IS NULL` guard makes the
// resolution a compare-and-swap: the first caller wins and every later
// one gets ErrRequestAlreadyResolved.
func (repo *AuthRequestRepository) Respond(ctx context.Context, id, responderDeviceID string, approved bool, encKey, masterPasswordHash *string) (*models.AuthRequest, error) {
	query := `
		UPDATE auth_requests
		SET approved = $1, response_device_id = $2, enc_key = $3, master_password_hash = $4, response_date = $5
		WHERE uuid = $6 AND approved IS NULL
		RETURNING ` + authRequestColumns

	req, err := scanAuthRequestRow(repo.db.Pool.QueryRow(ctx, query,
		approved, responderDeviceID, encKey, masterPasswordHash, time.Now(), id))
	if errors.Is(err, models.ErrNotFound) {
		return nil, models.ErrRequestAlreadyResolved
	}
	return req, err
}

// MarkAuthenticated stamps the moment the requesting device claimed the
// approved request. Conditional on the stamp being unset so an approved
// request yields exactly one session.
func (repo *AuthRequestRepository) MarkAuthenticated(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE auth_requests SET authentication_date = $1
		WHERE uuid = $2 AND approved = TRUE AND authentication_date IS NULL
	`

	result, err := repo.db.Pool.Exec(ctx, query, time.Now(), id)
	if err != nil {
		return false, database.MapPostgresError(err)
	}
	return result.RowsAffected() == 1, nil
}

// DeleteExpired purges unresolved requests past their TTL and resolved
// ones past a retention window. Resolution in flight wins over the
// sweep because the delete re-checks approved IS NULL.
func (repo *AuthRequestRepository) DeleteExpired(ctx context.Context, pendingOlderThan, resolvedOlderThan time.Time) (int64, error) {
	query := `
		DELETE FROM auth_requests
		WHERE (approved IS NULL AND creation_date < $1)
		   OR (approved IS NOT NULL AND response_date < $2)
	`

	result, err := repo.db.Pool.Exec(ctx, query, pendingOlderThan, resolvedOlderThan)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return result.RowsAffected(), nil
}
