package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/vaultgate/vaultgate/internal/database"
	"github.com/vaultgate/vaultgate/internal/models"
)

// SsoRepository persists the PKCE exchange state rows and the federated
// user linkage.
type SsoRepository struct {
	db *database.DB
}

func NewSsoRepository(db *database.DB) *SsoRepository {
	return &SsoRepository{db: db}
}

const ssoStateColumns = `state, nonce, verifier, redirect_uri, code_response, auth_response, created_at`

func scanSsoStateRow(scanner rowScanner) (*models.SsoExchangeState, error) {
	var s models.SsoExchangeState
	err := scanner.Scan(&s.State, &s.Nonce, &s.Verifier, &s.RedirectURI, &s.CodeResponse, &s.AuthResponse, &s.CreatedAt)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &s, nil
}

func (r *SsoRepository) CreateState(ctx context.Context, state *models.SsoExchangeState) error {
	query := `
		INSERT INTO sso_auth (state, nonce, verifier, redirect_uri, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := r.db.Pool.Exec(ctx, query,
		state.State, state.Nonce, state.Verifier, state.RedirectURI, state.CreatedAt)
	return database.MapPostgresError(err)
}

func (r *SsoRepository) GetState(ctx context.Context, state string) (*models.SsoExchangeState, error) {
	query := `SELECT ` + ssoStateColumns + ` FROM sso_auth WHERE state = $1`
	return scanSsoStateRow(r.db.Pool.QueryRow(ctx, query, state))
}

// StoreAuthResponse writes the exchanged token set into the mailbox
// column for the polling client to claim.
func (r *SsoRepository) StoreAuthResponse(ctx context.Context, state, code, authResponse string) error {
	query := `UPDATE sso_auth SET code_response = $1, auth_response = $2 WHERE state = $3`

	result, err := r.db.Pool.Exec(ctx, query, code, authResponse, state)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrSsoStateMismatch
	}
	return nil
}

// ConsumeState deletes the row and returns it in one statement, so a
// state token is usable exactly once. A concurrent or repeated consume
// gets ErrSsoStateMismatch.
func (r *SsoRepository) ConsumeState(ctx context.Context, state string) (*models.SsoExchangeState, error) {
	query := `DELETE FROM sso_auth WHERE state = $1 AND auth_response IS NOT NULL RETURNING ` + ssoStateColumns

	row, err := scanSsoStateRow(r.db.Pool.QueryRow(ctx, query, state))
	if errors.Is(err, models.ErrNotFound) {
		return nil, models.ErrSsoStateMismatch
	}
	return row, err
}

func (r *SsoRepository) DeleteExpiredStates(ctx context.Context, olderThan time.Time) (int64, error) {
	query := `DELETE FROM sso_auth WHERE created_at < $1`

	result, err := r.db.Pool.Exec(ctx, query, olderThan)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return result.RowsAffected(), nil
}

// --- federated user linkage --------------------------------------------

func (r *SsoRepository) GetSsoUserByIdentifier(ctx context.Context, identifier string) (*models.SsoUser, error) {
	query := `SELECT user_uuid, identifier, created_at FROM sso_users WHERE identifier = $1`

	var u models.SsoUser
	err := r.db.Pool.QueryRow(ctx, query, identifier).Scan(&u.UserID, &u.Identifier, &u.CreatedAt)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &u, nil
}

func (r *SsoRepository) CreateSsoUser(ctx context.Context, link *models.SsoUser) error {
	query := `INSERT INTO sso_users (user_uuid, identifier, created_at) VALUES ($1, $2, $3)`

	_, err := r.db.Pool.Exec(ctx, query, link.UserID, link.Identifier, link.CreatedAt)
	return database.MapPostgresError(err)
}
