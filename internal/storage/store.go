package storage

import (
	"context"
	"time"

	"github.com/KevinKickass/FieldSense/internal/types"
)

// Reader is the read side of the Reading Store.
type Reader interface {
	FindDeviceByUUID(ctx context.Context, deviceUUID string) (*types.Device, error)
	ListDevices(ctx context.Context) ([]types.Device, error)
	CountDevices(ctx context.Context, status *types.DeviceStatus) (int, error)
	LatestReadingFor(ctx context.Context, deviceID int64) (*types.SensorReading, error)
	LatestNReadingsFor(ctx context.Context, deviceID int64, n int) ([]types.SensorReading, error)
	ReadingsInRange(ctx context.Context, deviceID int64, from, to time.Time, limit int) ([]types.SensorReading, error)
}

// Store is the full Reading Store contract, implemented by PostgresClient
// and MemoryStore.
type Store interface {
	Reader

	CreateDevice(ctx context.Context, deviceUUID, name string) (*types.Device, error)
	RenameDevice(ctx context.Context, deviceUUID, name string) (*types.Device, error)
	DeleteDevice(ctx context.Context, deviceUUID string) error
	UpdateDeviceStatus(ctx context.Context, deviceID int64, status types.DeviceStatus) error
	UpdateDeviceBattery(ctx context.Context, deviceID int64, level int) error
	CreateReading(ctx context.Context, deviceID int64, m types.Measurements) (*types.SensorReading, error)

	ReadSnapshot(ctx context.Context, fn func(Reader) error) error
	Ping(ctx context.Context) error
	Close()
}

var (
	_ Store = (*PostgresClient)(nil)
	_ Store = (*MemoryStore)(nil)
)
