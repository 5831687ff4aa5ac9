package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/KevinKickass/FieldSense/internal/hub"
	"github.com/KevinKickass/FieldSense/internal/types"
	"go.uber.org/zap"
)

// ReadingWriter is the part of the Reading Store the pipeline writes to.
type ReadingWriter interface {
	CreateReading(ctx context.Context, deviceID int64, m types.Measurements) (*types.SensorReading, error)
	UpdateDeviceBattery(ctx context.Context, deviceID int64, level int) error
}

type Publisher interface {
	Publish(ev hub.Event) hub.Delivery
}

// Result describes an accepted reading. BatteryLevel is set when the
// payload carried one and the device record was updated.
type Result struct {
	Reading      types.SensorReading
	BatteryLevel *int
	Delivery     hub.Delivery
}

type Pipeline struct {
	store     ReadingWriter
	publisher Publisher
	validator *Validator
	logger    *zap.Logger
}

func NewPipeline(store ReadingWriter, publisher Publisher, validator *Validator, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		store:     store,
		publisher: publisher,
		validator: validator,
		logger:    logger,
	}
}

// Ingest validates data, persists exactly one reading, updates the battery
// level when present and publishes a reading event.
//
// Errors wrap types.ErrProtocol (nothing persisted) or types.ErrPersistence
// (nothing published). Broadcast outcome never affects the result.
func (p *Pipeline) Ingest(ctx context.Context, device types.Device, data json.RawMessage) (*Result, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		trimmed = []byte("{}")
	}

	var decoded any
	if err := json.Unmarshal(trimmed, &decoded); err != nil {
		return nil, fmt.Errorf("%w: invalid sensor data encoding", types.ErrProtocol)
	}

	if err := p.validator.Validate(decoded); err != nil {
		return nil, err
	}

	payload, _ := decoded.(map[string]any)

	var measurements types.Measurements
	if err := json.Unmarshal(trimmed, &measurements); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrProtocol, err)
	}

	reading, err := p.store.CreateReading(ctx, device.ID, measurements)
	if err != nil {
		p.logger.Error("Failed to persist sensor reading",
			zap.String("device_uuid", device.UUID),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %w", types.ErrPersistence, err)
	}

	result := &Result{Reading: *reading}

	if level, ok := batteryLevel(payload); ok {
		if err := p.store.UpdateDeviceBattery(ctx, device.ID, level); err != nil {
			p.logger.Warn("Failed to update battery level",
				zap.String("device_uuid", device.UUID),
				zap.Int("battery_level", level),
				zap.Error(err))
		} else {
			result.BatteryLevel = &level
		}
	}

	result.Delivery = p.publisher.Publish(hub.NewReadingEvent(device, *reading, payload))

	p.logger.Debug("Sensor reading accepted",
		zap.String("device_uuid", device.UUID),
		zap.Int64("reading_id", reading.ID),
		zap.Int("delivered", result.Delivery.Delivered),
		zap.Int("dropped", result.Delivery.Dropped))

	return result, nil
}

func batteryLevel(payload map[string]any) (int, bool) {
	raw, ok := payload["battery_level"].(float64)
	if !ok {
		return 0, false
	}
	return int(math.Round(raw)), true
}
