package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/vaultgate/vaultgate/internal/database"
	"github.com/vaultgate/vaultgate/internal/models"
)

type UserRepository struct {
	db *database.DB
}

func NewUserRepository(db *database.DB) *UserRepository {
	return &UserRepository{db: db}
}

// rowScanner interface for scanning rows (supports both single row and multiple rows)
type rowScanner interface {
	Scan(dest ...interface{}) error
}

const userColumns = `id, email, name, password_hash, salt, kdf_type, kdf_iterations, kdf_memory, kdf_parallelism, security_stamp, enabled, created_at, updated_at`

func scanUserRow(scanner rowScanner) (*models.User, error) {
	var user models.User
	err := scanner.Scan(
		&user.ID, &user.Email, &user.Name, &user.PasswordHash, &user.Salt,
		&user.KdfType, &user.KdfIterations, &user.KdfMemory, &user.KdfParallelism,
		&user.SecurityStamp, &user.Enabled, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &user, nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUserRow(r.db.Pool.QueryRow(ctx, query, id))
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`
	return scanUserRow(r.db.Pool.QueryRow(ctx, query, email))
}

func (r *UserRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	user.ID = uuid.New().String()
	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now

	query := `
		INSERT INTO users (id, email, name, password_hash, salt, kdf_type, kdf_iterations, kdf_memory, kdf_parallelism, security_stamp, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING ` + userColumns

	return scanUserRow(r.db.Pool.QueryRow(ctx, query,
		user.ID, user.Email, user.Name, user.PasswordHash, user.Salt,
		user.KdfType, user.KdfIterations, user.KdfMemory, user.KdfParallelism,
		user.SecurityStamp, user.Enabled, user.CreatedAt, user.UpdatedAt,
	))
}

// UpdateCredentials replaces the password hash and KDF parameters and
// rotates the security stamp in the same statement, so session
// invalidation is atomic with the credential change.
func (r *UserRepository) UpdateCredentials(ctx context.Context, user *models.User, newStamp string) (*models.User, error) {
	query := `
		UPDATE users
		SET password_hash = $1, salt = $2, kdf_type = $3, kdf_iterations = $4, kdf_memory = $5, kdf_parallelism = $6, security_stamp = $7, updated_at = $8
		WHERE id = $9
		RETURNING ` + userColumns

	return scanUserRow(r.db.Pool.QueryRow(ctx, query,
		user.PasswordHash, user.Salt, user.KdfType, user.KdfIterations,
		user.KdfMemory, user.KdfParallelism, newStamp, time.Now(), user.ID,
	))
}

