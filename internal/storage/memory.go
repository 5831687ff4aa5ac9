package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/KevinKickass/FieldSense/internal/types"
)

// MemoryStore is an in-process Store for development and tests.
// Data is lost on restart.
type MemoryStore struct {
	mu           sync.RWMutex
	now          func() time.Time
	nextDeviceID int64
	nextReadID   int64
	devices      map[int64]types.Device
	byUUID       map[string]int64
	readings     map[int64][]types.SensorReading // per device, oldest first
}

func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	return &MemoryStore{
		now:      now,
		devices:  make(map[int64]types.Device),
		byUUID:   make(map[string]int64),
		readings: make(map[int64][]types.SensorReading),
	}
}

func cloneDevice(d types.Device) types.Device {
	if d.BatteryLevel != nil {
		level := *d.BatteryLevel
		d.BatteryLevel = &level
	}
	return d
}

func (m *MemoryStore) FindDeviceByUUID(_ context.Context, deviceUUID string) (*types.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byUUID[deviceUUID]
	if !ok {
		return nil, types.ErrDeviceNotFound
	}
	device := cloneDevice(m.devices[id])
	return &device, nil
}

func (m *MemoryStore) ListDevices(_ context.Context) ([]types.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	devices := make([]types.Device, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, cloneDevice(d))
	}
	sort.Slice(devices, func(i, j int) bool {
		if devices[i].CreatedAt.Equal(devices[j].CreatedAt) {
			return devices[i].ID < devices[j].ID
		}
		return devices[i].CreatedAt.Before(devices[j].CreatedAt)
	})
	return devices, nil
}

func (m *MemoryStore) CountDevices(_ context.Context, status *types.DeviceStatus) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if status == nil {
		return len(m.devices), nil
	}
	count := 0
	for _, d := range m.devices {
		if d.Status == *status {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) CreateDevice(_ context.Context, deviceUUID, name string) (*types.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byUUID[deviceUUID]; exists {
		return nil, types.ErrDuplicateDevice
	}

	m.nextDeviceID++
	device := types.Device{
		ID:        m.nextDeviceID,
		UUID:      deviceUUID,
		Name:      name,
		Status:    types.DeviceStatusOffline,
		CreatedAt: m.now(),
	}
	m.devices[device.ID] = device
	m.byUUID[deviceUUID] = device.ID

	out := cloneDevice(device)
	return &out, nil
}

func (m *MemoryStore) RenameDevice(_ context.Context, deviceUUID, name string) (*types.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byUUID[deviceUUID]
	if !ok {
		return nil, types.ErrDeviceNotFound
	}
	device := m.devices[id]
	device.Name = name
	m.devices[id] = device

	out := cloneDevice(device)
	return &out, nil
}

func (m *MemoryStore) DeleteDevice(_ context.Context, deviceUUID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byUUID[deviceUUID]
	if !ok {
		return types.ErrDeviceNotFound
	}
	delete(m.byUUID, deviceUUID)
	delete(m.devices, id)
	delete(m.readings, id)
	return nil
}

func (m *MemoryStore) UpdateDeviceStatus(_ context.Context, deviceID int64, status types.DeviceStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	device, ok := m.devices[deviceID]
	if !ok {
		return types.ErrDeviceNotFound
	}
	device.Status = status
	m.devices[deviceID] = device
	return nil
}

func (m *MemoryStore) UpdateDeviceBattery(_ context.Context, deviceID int64, level int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	device, ok := m.devices[deviceID]
	if !ok {
		return types.ErrDeviceNotFound
	}
	device.BatteryLevel = &level
	m.devices[deviceID] = device
	return nil
}

func (m *MemoryStore) CreateReading(_ context.Context, deviceID int64, measurements types.Measurements) (*types.SensorReading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.devices[deviceID]; !ok {
		return nil, types.ErrDeviceNotFound
	}

	ts := m.now()
	existing := m.readings[deviceID]
	if n := len(existing); n > 0 && ts.Before(existing[n-1].Timestamp) {
		ts = existing[n-1].Timestamp
	}

	m.nextReadID++
	reading := types.SensorReading{
		ID:           m.nextReadID,
		DeviceID:     deviceID,
		Timestamp:    ts,
		Measurements: measurements,
	}
	m.readings[deviceID] = append(existing, reading)
	return &reading, nil
}

func (m *MemoryStore) LatestReadingFor(_ context.Context, deviceID int64) (*types.SensorReading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	existing := m.readings[deviceID]
	if len(existing) == 0 {
		return nil, nil
	}
	reading := existing[len(existing)-1]
	return &reading, nil
}

func (m *MemoryStore) LatestNReadingsFor(_ context.Context, deviceID int64, n int) ([]types.SensorReading, error) {
	if n <= 0 {
		return []types.SensorReading{}, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	existing := m.readings[deviceID]
	out := make([]types.SensorReading, 0, min(n, len(existing)))
	for i := len(existing) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, existing[i])
	}
	return out, nil
}

func (m *MemoryStore) ReadingsInRange(_ context.Context, deviceID int64, from, to time.Time, limit int) ([]types.SensorReading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	existing := m.readings[deviceID]
	out := make([]types.SensorReading, 0)
	for i := len(existing) - 1; i >= 0 && len(out) < limit; i-- {
		ts := existing[i].Timestamp
		if !ts.Before(from) && ts.Before(to) {
			out = append(out, existing[i])
		}
	}
	return out, nil
}

// ReadSnapshot hands fn a frozen copy of the store taken under one lock.
func (m *MemoryStore) ReadSnapshot(_ context.Context, fn func(Reader) error) error {
	m.mu.RLock()
	frozen := &MemoryStore{
		now:          m.now,
		nextDeviceID: m.nextDeviceID,
		nextReadID:   m.nextReadID,
		devices:      make(map[int64]types.Device, len(m.devices)),
		byUUID:       make(map[string]int64, len(m.byUUID)),
		readings:     make(map[int64][]types.SensorReading, len(m.readings)),
	}
	for id, d := range m.devices {
		frozen.devices[id] = cloneDevice(d)
	}
	for u, id := range m.byUUID {
		frozen.byUUID[u] = id
	}
	for id, rs := range m.readings {
		frozen.readings[id] = append([]types.SensorReading(nil), rs...)
	}
	m.mu.RUnlock()

	return fn(frozen)
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() {}
