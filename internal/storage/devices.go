package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/KevinKickass/FieldSense/internal/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const deviceColumns = `id, device_uuid, name, status, battery_level, created_at`

const uniqueViolation = "23505"

func scanDevice(row pgx.Row) (*types.Device, error) {
	var device types.Device
	var status string
	err := row.Scan(
		&device.ID, &device.UUID, &device.Name, &status,
		&device.BatteryLevel, &device.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	device.Status = types.DeviceStatus(status)
	return &device, nil
}

// FindDeviceByUUID returns types.ErrDeviceNotFound when no device is registered.
func (p *PostgresClient) FindDeviceByUUID(ctx context.Context, deviceUUID string) (*types.Device, error) {
	device, err := scanDevice(p.q.QueryRow(ctx, `
		SELECT `+deviceColumns+`
		FROM devices
		WHERE device_uuid = $1
	`, deviceUUID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.ErrDeviceNotFound
		}
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return device, nil
}

func (p *PostgresClient) ListDevices(ctx context.Context) ([]types.Device, error) {
	rows, err := p.q.Query(ctx, `
		SELECT `+deviceColumns+`
		FROM devices
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	devices := make([]types.Device, 0)
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, *device)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return devices, nil
}

// CountDevices counts all devices, or only those with the given status.
func (p *PostgresClient) CountDevices(ctx context.Context, status *types.DeviceStatus) (int, error) {
	var count int
	var err error
	if status == nil {
		err = p.q.QueryRow(ctx, `SELECT COUNT(*) FROM devices`).Scan(&count)
	} else {
		err = p.q.QueryRow(ctx, `SELECT COUNT(*) FROM devices WHERE status = $1`, string(*status)).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count devices: %w", err)
	}
	return count, nil
}

func (p *PostgresClient) CreateDevice(ctx context.Context, deviceUUID, name string) (*types.Device, error) {
	device, err := scanDevice(p.q.QueryRow(ctx, `
		INSERT INTO devices (device_uuid, name)
		VALUES ($1, $2)
		RETURNING `+deviceColumns,
		deviceUUID, name))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, types.ErrDuplicateDevice
		}
		return nil, fmt.Errorf("failed to create device: %w", err)
	}
	return device, nil
}

func (p *PostgresClient) RenameDevice(ctx context.Context, deviceUUID, name string) (*types.Device, error) {
	device, err := scanDevice(p.q.QueryRow(ctx, `
		UPDATE devices SET name = $2
		WHERE device_uuid = $1
		RETURNING `+deviceColumns,
		deviceUUID, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.ErrDeviceNotFound
		}
		return nil, fmt.Errorf("failed to rename device: %w", err)
	}
	return device, nil
}

// DeleteDevice removes the device; its readings go with it (ON DELETE CASCADE).
func (p *PostgresClient) DeleteDevice(ctx context.Context, deviceUUID string) error {
	result, err := p.q.Exec(ctx, `DELETE FROM devices WHERE device_uuid = $1`, deviceUUID)
	if err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}
	if result.RowsAffected() == 0 {
		return types.ErrDeviceNotFound
	}
	return nil
}

func (p *PostgresClient) UpdateDeviceStatus(ctx context.Context, deviceID int64, status types.DeviceStatus) error {
	result, err := p.q.Exec(ctx, `
		UPDATE devices SET status = $1 WHERE id = $2
	`, string(status), deviceID)
	if err != nil {
		return fmt.Errorf("failed to update device status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return types.ErrDeviceNotFound
	}
	return nil
}

func (p *PostgresClient) UpdateDeviceBattery(ctx context.Context, deviceID int64, level int) error {
	result, err := p.q.Exec(ctx, `
		UPDATE devices SET battery_level = $1 WHERE id = $2
	`, level, deviceID)
	if err != nil {
		return fmt.Errorf("failed to update device battery: %w", err)
	}
	if result.RowsAffected() == 0 {
		return types.ErrDeviceNotFound
	}
	return nil
}
