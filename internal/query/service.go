package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KevinKickass/FieldSense/internal/storage"
	"github.com/KevinKickass/FieldSense/internal/types"
	"go.uber.org/zap"
)

// Source is the read side of the Reading Store plus its snapshot scope.
type Source interface {
	storage.Reader
	ReadSnapshot(ctx context.Context, fn func(storage.Reader) error) error
}

// Service answers dashboard queries straight from the store. Dashboard-facing
// operations never return errors: faults degrade to empty results and are
// logged.
type Service struct {
	source       Source
	logger       *zap.Logger
	defaultLimit int
	maxLimit     int
}

func NewService(source Source, logger *zap.Logger, defaultLimit, maxLimit int) *Service {
	if defaultLimit < 1 {
		defaultLimit = 10
	}
	if maxLimit < defaultLimit {
		maxLimit = defaultLimit
	}
	return &Service{
		source:       source,
		logger:       logger,
		defaultLimit: defaultLimit,
		maxLimit:     maxLimit,
	}
}

// DefaultLimit is the number of readings returned when the caller gives none.
func (s *Service) DefaultLimit() int {
	return s.defaultLimit
}

// ClampLimit maps a requested limit onto [1, maxLimit], zero or negative
// meaning the default.
func (s *Service) ClampLimit(limit int) int {
	if limit < 1 {
		return s.defaultLimit
	}
	if limit > s.maxLimit {
		return s.maxLimit
	}
	return limit
}

// FullSnapshot lists every device with its latest reading and the status
// counts, all read in one consistent scope.
func (s *Service) FullSnapshot(ctx context.Context) types.DashboardSnapshot {
	var snapshot types.DashboardSnapshot

	err := s.source.ReadSnapshot(ctx, func(r storage.Reader) error {
		devices, err := r.ListDevices(ctx)
		if err != nil {
			return fmt.Errorf("failed to list devices: %w", err)
		}

		entries := make([]types.DeviceSnapshot, 0, len(devices))
		for _, device := range devices {
			reading, err := r.LatestReadingFor(ctx, device.ID)
			if err != nil {
				return fmt.Errorf("failed to load latest reading for %s: %w", device.UUID, err)
			}
			entries = append(entries, types.DeviceSnapshot{Device: device, Reading: reading})
		}

		total, err := r.CountDevices(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to count devices: %w", err)
		}

		online := types.DeviceStatusOnline
		onlineCount, err := r.CountDevices(ctx, &online)
		if err != nil {
			return fmt.Errorf("failed to count online devices: %w", err)
		}

		offline := types.DeviceStatusOffline
		offlineCount, err := r.CountDevices(ctx, &offline)
		if err != nil {
			return fmt.Errorf("failed to count offline devices: %w", err)
		}

		snapshot = types.DashboardSnapshot{
			Devices:      entries,
			TotalCount:   total,
			OnlineCount:  onlineCount,
			OfflineCount: offlineCount,
			HasDevices:   total > 0,
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("Dashboard snapshot unavailable", zap.Error(err))
		return types.EmptySnapshot()
	}

	return snapshot
}

// LatestReadings returns up to limit readings for the device, newest first.
// Unknown devices and store faults yield an empty slice.
func (s *Service) LatestReadings(ctx context.Context, deviceUUID string, limit int) []types.SensorReading {
	limit = s.ClampLimit(limit)

	device, err := s.source.FindDeviceByUUID(ctx, deviceUUID)
	if err != nil {
		if !errors.Is(err, types.ErrDeviceNotFound) {
			s.logger.Warn("Failed to look up device",
				zap.String("device_uuid", deviceUUID),
				zap.Error(err))
		}
		return []types.SensorReading{}
	}

	readings, err := s.source.LatestNReadingsFor(ctx, device.ID, limit)
	if err != nil {
		s.logger.Warn("Failed to load latest readings",
			zap.String("device_uuid", deviceUUID),
			zap.Error(err))
		return []types.SensorReading{}
	}
	if readings == nil {
		return []types.SensorReading{}
	}
	if len(readings) > limit {
		readings = readings[:limit]
	}
	return readings
}

// OnlineDevices lists devices currently marked online.
func (s *Service) OnlineDevices(ctx context.Context) []types.DeviceSummary {
	devices, err := s.source.ListDevices(ctx)
	if err != nil {
		s.logger.Warn("Failed to list devices", zap.Error(err))
		return []types.DeviceSummary{}
	}

	online := make([]types.DeviceSummary, 0, len(devices))
	for _, d := range devices {
		if d.Status != types.DeviceStatusOnline {
			continue
		}
		online = append(online, types.DeviceSummary{
			UUID:         d.UUID,
			Name:         d.Name,
			Status:       d.Status,
			BatteryLevel: d.BatteryLevel,
		})
	}
	return online
}

// ReadingsBetween is the admin range query. Unlike the dashboard operations
// it reports ErrDeviceNotFound and store faults to the caller.
func (s *Service) ReadingsBetween(ctx context.Context, deviceUUID string, from, to time.Time, limit int) ([]types.SensorReading, error) {
	device, err := s.source.FindDeviceByUUID(ctx, deviceUUID)
	if err != nil {
		return nil, err
	}

	readings, err := s.source.ReadingsInRange(ctx, device.ID, from, to, s.ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	if readings == nil {
		readings = []types.SensorReading{}
	}
	return readings, nil
}
