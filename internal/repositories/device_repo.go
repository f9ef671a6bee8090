package repositories

import (
	"context"
	"time"

	"github.com/vaultgate/vaultgate/internal/database"
	"github.com/vaultgate/vaultgate/internal/models"
)

type DeviceRepository struct {
	db *database.DB
}

func NewDeviceRepository(db *database.DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

const deviceColumns = `uuid, user_uuid, name, atype, push_token, refresh_token, created_at, updated_at`

func scanDeviceRow(scanner rowScanner) (*models.Device, error) {
	var d models.Device
	err := scanner.Scan(
		&d.ID, &d.UserID, &d.Name, &d.Type, &d.PushToken,
		&d.RefreshToken, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &d, nil
}

func (r *DeviceRepository) GetByID(ctx context.Context, userID, deviceID string) (*models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE uuid = $1 AND user_uuid = $2`
	return scanDeviceRow(r.db.Pool.QueryRow(ctx, query, deviceID, userID))
}

// Upsert creates the device on first login from this identifier and
// refreshes the token and metadata thereafter.
func (r *DeviceRepository) Upsert(ctx context.Context, device *models.Device) (*models.Device, error) {
	now := time.Now()
	query := `
		INSERT INTO devices (uuid, user_uuid, name, atype, push_token, refresh_token, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (uuid) DO UPDATE
		SET name = EXCLUDED.name, atype = EXCLUDED.atype, push_token = COALESCE(EXCLUDED.push_token, devices.push_token),
		    refresh_token = EXCLUDED.refresh_token, updated_at = EXCLUDED.updated_at
		RETURNING ` + deviceColumns

	return scanDeviceRow(r.db.Pool.QueryRow(ctx, query,
		device.ID, device.UserID, device.Name, device.Type,
		device.PushToken, device.RefreshToken, now,
	))
}

// GetByRefreshToken looks up the device holding a refresh token so
// refresh can rotate it.
func (r *DeviceRepository) GetByRefreshToken(ctx context.Context, refreshToken string) (*models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE refresh_token = $1`
	return scanDeviceRow(r.db.Pool.QueryRow(ctx, query, refreshToken))
}

func (r *DeviceRepository) UpdateRefreshToken(ctx context.Context, deviceID, refreshToken string) error {
	query := `UPDATE devices SET refresh_token = $1, updated_at = $2 WHERE uuid = $3`

	result, err := r.db.Pool.Exec(ctx, query, refreshToken, time.Now(), deviceID)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *DeviceRepository) ListByUser(ctx context.Context, userID string) ([]*models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE user_uuid = $1 ORDER BY created_at`

	rows, err := r.db.Pool.Query(ctx, query, userID)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer rows.Close()

	devices := make([]*models.Device, 0)
	for rows.Next() {
		d, err := scanDeviceRow(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}
