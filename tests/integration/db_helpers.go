package integration

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	vaultgate "github.com/vaultgate/vaultgate"
	"github.com/vaultgate/vaultgate/internal/auth"
	"github.com/vaultgate/vaultgate/internal/database"
	"github.com/vaultgate/vaultgate/internal/models"
	"github.com/vaultgate/vaultgate/internal/repositories"
)

// TestDB manages PostgreSQL testcontainer and database operations
type TestDB struct {
	Container  testcontainers.Container
	ConnString string
	Pool       *pgxpool.Pool
	DB         *database.DB
}

// SetupTestDatabase creates a PostgreSQL testcontainer, runs migrations, returns TestDB
func SetupTestDatabase(ctx context.Context) (*TestDB, error) {
	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:16-alpine"),
		postgres.WithDatabase("vaultgate"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start postgres container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get connection string: %w", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := database.Migrate(connStr, vaultgate.Migrations); err != nil {
		pool.Close()
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &TestDB{
		Container:  container,
		ConnString: connStr,
		Pool:       pool,
		DB:         &database.DB{Pool: pool},
	}, nil
}

// Teardown stops the container and closes the connection pool
func (db *TestDB) Teardown(ctx context.Context) error {
	if db.Pool != nil {
		db.Pool.Close()
	}
	if db.Container != nil {
		return db.Container.Terminate(ctx)
	}
	return nil
}

// CleanupTables truncates all tables for test isolation
func (db *TestDB) CleanupTables(ctx context.Context) error {
	tables := []string{
		"emergency_access",
		"sso_users",
		"sso_auth",
		"auth_requests",
		"twofactor_attempts",
		"twofactor_incomplete",
		"twofactor",
		"devices",
		"users",
	}

	for _, table := range tables {
		if _, err := db.Pool.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table)); err != nil {
			return fmt.Errorf("failed to truncate table %s: %w", table, err)
		}
	}

	return nil
}

// InitializeRepositories creates all repository instances from database wrapper
func InitializeRepositories(db *database.DB) (
	*repositories.UserRepository,
	*repositories.DeviceRepository,
	*repositories.TwoFactorRepository,
	*repositories.AuthRequestRepository,
	*repositories.SsoRepository,
	*repositories.EmergencyAccessRepository,
) {
	return repositories.NewUserRepository(db),
		repositories.NewDeviceRepository(db),
		repositories.NewTwoFactorRepository(db),
		repositories.NewAuthRequestRepository(db),
		repositories.NewSsoRepository(db),
		repositories.NewEmergencyAccessRepository(db)
}

// SeedUser inserts a test user whose stored hash matches the given proof
// under PBKDF2 with the given iteration count.
func SeedUser(ctx context.Context, pool *pgxpool.Pool, verifier *auth.CredentialVerifier, email, proof string, iterations int) (*models.User, error) {
	salt, err := auth.GenerateSalt()
	if err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	user := &models.User{
		ID:            uuid.New().String(),
		Email:         email,
		KdfType:       models.KdfPBKDF2,
		KdfIterations: iterations,
		Salt:          base64.StdEncoding.EncodeToString(salt),
		SecurityStamp: auth.GenerateSecurityStamp(),
		Enabled:       true,
	}
	user.PasswordHash = verifier.Hash(proof, salt, user)

	query := `
		INSERT INTO users (id, email, password_hash, salt, kdf_type, kdf_iterations, security_stamp, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`
	err = pool.QueryRow(ctx, query,
		user.ID, user.Email, user.PasswordHash, user.Salt,
		user.KdfType, user.KdfIterations, user.SecurityStamp, user.Enabled,
	).Scan(&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}

	return user, nil
}

// SeedDevice registers a known device for a user
func SeedDevice(ctx context.Context, pool *pgxpool.Pool, userID, name string) (*models.Device, error) {
	device := &models.Device{
		ID:           uuid.New().String(),
		UserID:       userID,
		Name:         name,
		Type:         0,
		RefreshToken: "seed-refresh-" + uuid.New().String(),
	}

	query := `
		INSERT INTO devices (uuid, user_uuid, name, atype, refresh_token)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := pool.Exec(ctx, query, device.ID, device.UserID, device.Name, device.Type, device.RefreshToken); err != nil {
		return nil, fmt.Errorf("failed to insert device: %w", err)
	}

	return device, nil
}

// SeedTwoFactorMethod enables a provider for a user with the given data blob
func SeedTwoFactorMethod(ctx context.Context, pool *pgxpool.Pool, userID string, providerType models.TwoFactorProviderType, data []byte) error {
	query := `
		INSERT INTO twofactor (uuid, user_uuid, atype, enabled, data)
		VALUES ($1, $2, $3, TRUE, $4)
	`
	if _, err := pool.Exec(ctx, query, uuid.New().String(), userID, int(providerType), data); err != nil {
		return fmt.Errorf("failed to insert twofactor method: %w", err)
	}
	return nil
}

// SeedAuthRequest creates a pending device-trust request for a user
func SeedAuthRequest(ctx context.Context, pool *pgxpool.Pool, userID, accessCode string) (string, error) {
	id := uuid.New().String()
	query := `
		INSERT INTO auth_requests (uuid, user_uuid, request_device_identifier, device_type, request_ip, access_code, public_key)
		VALUES ($1, $2, $3, 0, '127.0.0.1', $4, 'test-public-key')
	`
	if _, err := pool.Exec(ctx, query, id, userID, uuid.New().String(), accessCode); err != nil {
		return "", fmt.Errorf("failed to insert auth request: %w", err)
	}
	return id, nil
}
