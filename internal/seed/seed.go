package seed

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/KevinKickass/FieldSense/internal/types"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type DeviceSpec struct {
	UUID           string `yaml:"device_uuid"`
	Name           string `yaml:"name"`
	BatteryLevel   *int   `yaml:"battery_level"`
	SampleReadings int    `yaml:"sample_readings"`
}

type File struct {
	Devices []DeviceSpec `yaml:"devices"`
}

type Store interface {
	FindDeviceByUUID(ctx context.Context, deviceUUID string) (*types.Device, error)
	CreateDevice(ctx context.Context, deviceUUID, name string) (*types.Device, error)
	UpdateDeviceBattery(ctx context.Context, deviceID int64, level int) error
	CreateReading(ctx context.Context, deviceID int64, m types.Measurements) (*types.SensorReading, error)
}

type Result struct {
	Created  int
	Existing int
	Readings int
}

func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*File, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}

	seen := make(map[string]bool, len(file.Devices))
	for i, d := range file.Devices {
		if d.UUID == "" || d.Name == "" {
			return nil, fmt.Errorf("device %d: device_uuid and name are required", i)
		}
		if seen[d.UUID] {
			return nil, fmt.Errorf("device %d: duplicate device_uuid %q", i, d.UUID)
		}
		seen[d.UUID] = true
		if d.BatteryLevel != nil && (*d.BatteryLevel < 0 || *d.BatteryLevel > 100) {
			return nil, fmt.Errorf("device %q: battery_level must be within 0-100", d.UUID)
		}
		if d.SampleReadings < 0 {
			return nil, fmt.Errorf("device %q: sample_readings must not be negative", d.UUID)
		}
	}

	return &file, nil
}

// Apply creates every missing device. Existing devices are left untouched,
// so running it twice is harmless. sample produces the measurements for
// sample readings of newly created devices.
func Apply(ctx context.Context, store Store, file *File, sample func() types.Measurements, logger *zap.Logger) (Result, error) {
	var result Result

	for _, spec := range file.Devices {
		existing, err := store.FindDeviceByUUID(ctx, spec.UUID)
		if err == nil {
			result.Existing++
			logger.Info("Device already exists",
				zap.String("device_uuid", existing.UUID),
				zap.String("name", existing.Name))
			continue
		}
		if !errors.Is(err, types.ErrDeviceNotFound) {
			return result, fmt.Errorf("failed to look up %s: %w", spec.UUID, err)
		}

		device, err := store.CreateDevice(ctx, spec.UUID, spec.Name)
		if err != nil {
			return result, fmt.Errorf("failed to create %s: %w", spec.UUID, err)
		}
		result.Created++

		if spec.BatteryLevel != nil {
			if err := store.UpdateDeviceBattery(ctx, device.ID, *spec.BatteryLevel); err != nil {
				return result, fmt.Errorf("failed to set battery for %s: %w", spec.UUID, err)
			}
		}

		for i := 0; i < spec.SampleReadings; i++ {
			if _, err := store.CreateReading(ctx, device.ID, sample()); err != nil {
				return result, fmt.Errorf("failed to create sample reading for %s: %w", spec.UUID, err)
			}
			result.Readings++
		}

		logger.Info("Created device",
			zap.String("device_uuid", device.UUID),
			zap.String("name", device.Name),
			zap.Int("sample_readings", spec.SampleReadings))
	}

	return result, nil
}
