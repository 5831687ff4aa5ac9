package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/FieldSense/internal/hub"
	"github.com/KevinKickass/FieldSense/internal/types"
	"go.uber.org/zap"
)

type fakeWriter struct {
	mu          sync.Mutex
	readings    []types.SensorReading
	battery     map[int64]int
	createErr   error
	batteryErr  error
	nextID      int64
	lastPayload types.Measurements
}

func (f *fakeWriter) CreateReading(_ context.Context, deviceID int64, m types.Measurements) (*types.SensorReading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextID++
	r := types.SensorReading{
		ID:           f.nextID,
		DeviceID:     deviceID,
		Timestamp:    time.Unix(1700000000, 0).UTC(),
		Measurements: m,
	}
	f.readings = append(f.readings, r)
	f.lastPayload = m
	return &r, nil
}

func (f *fakeWriter) UpdateDeviceBattery(_ context.Context, deviceID int64, level int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.batteryErr != nil {
		return f.batteryErr
	}
	if f.battery == nil {
		f.battery = make(map[int64]int)
	}
	f.battery[deviceID] = level
	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []hub.Event
}

func (f *fakePublisher) Publish(ev hub.Event) hub.Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return hub.Delivery{Subscribers: 1, Delivered: 1}
}

func newTestPipeline(t *testing.T, store *fakeWriter, pub *fakePublisher) *Pipeline {
	t.Helper()
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	return NewPipeline(store, pub, v, zap.NewNop())
}

var testDevice = types.Device{ID: 7, UUID: "AA:BB:CC:DD:EE:FF", Name: "Raspberry Pi 4", Status: types.DeviceStatusOnline}

func TestIngestPersistsAndPublishes(t *testing.T) {
	store := &fakeWriter{}
	pub := &fakePublisher{}
	p := newTestPipeline(t, store, pub)

	data := json.RawMessage(`{"air_temperature": 22.5, "soil_ph": 6.8, "wind_direction": "NE", "battery_level": 85}`)
	res, err := p.Ingest(context.Background(), testDevice, data)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if res.Reading.ID != 1 {
		t.Fatalf("expected reading id 1, got %d", res.Reading.ID)
	}
	if len(store.readings) != 1 {
		t.Fatalf("expected one persisted reading, got %d", len(store.readings))
	}
	m := store.lastPayload
	if m.AirTemperature == nil || *m.AirTemperature != 22.5 {
		t.Fatalf("unexpected air temperature %v", m.AirTemperature)
	}
	if m.WindDirection == nil || *m.WindDirection != "NE" {
		t.Fatalf("unexpected wind direction %v", m.WindDirection)
	}
	if m.AirHumidity != nil || m.Rainfall != nil {
		t.Fatal("absent measurements must stay null")
	}

	if store.battery[7] != 85 {
		t.Fatalf("expected battery 85, got %d", store.battery[7])
	}
	if res.BatteryLevel == nil || *res.BatteryLevel != 85 {
		t.Fatalf("expected result battery 85, got %v", res.BatteryLevel)
	}

	if len(pub.events) != 1 {
		t.Fatalf("expected one published event, got %d", len(pub.events))
	}
	ev := pub.events[0]
	if ev.Kind != hub.EventReadingAccepted || ev.DeviceUUID != testDevice.UUID {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.Reading == nil || ev.Reading.ID != res.Reading.ID {
		t.Fatal("event must reference the persisted reading")
	}
	if ev.Payload["air_temperature"] != 22.5 {
		t.Fatalf("expected raw payload in event, got %v", ev.Payload)
	}
}

func TestIngestEmptyDataStoresAllNull(t *testing.T) {
	for _, raw := range []string{"", "null", "{}"} {
		store := &fakeWriter{}
		pub := &fakePublisher{}
		p := newTestPipeline(t, store, pub)

		if _, err := p.Ingest(context.Background(), testDevice, json.RawMessage(raw)); err != nil {
			t.Fatalf("ingest %q: %v", raw, err)
		}
		if len(store.readings) != 1 {
			t.Fatalf("%q: expected one reading, got %d", raw, len(store.readings))
		}
		if store.lastPayload != (types.Measurements{}) {
			t.Fatalf("%q: expected all-null measurements", raw)
		}
		if len(store.battery) != 0 {
			t.Fatalf("%q: battery must not change", raw)
		}
	}
}

func TestIngestRejectsInvalidPayload(t *testing.T) {
	cases := []string{
		`{"air_temperature": "hot"}`,
		`{"battery_level": 150}`,
		`{"battery_level": 12.5}`,
		`{"wind_direction": 90}`,
		`[1, 2, 3]`,
	}

	for _, raw := range cases {
		store := &fakeWriter{}
		pub := &fakePublisher{}
		p := newTestPipeline(t, store, pub)

		_, err := p.Ingest(context.Background(), testDevice, json.RawMessage(raw))
		if !errors.Is(err, types.ErrProtocol) {
			t.Fatalf("%s: expected protocol error, got %v", raw, err)
		}
		if len(store.readings) != 0 || len(pub.events) != 0 {
			t.Fatalf("%s: nothing may be persisted or published", raw)
		}
	}
}

func TestIngestPersistenceFailureSkipsPublish(t *testing.T) {
	store := &fakeWriter{createErr: errors.New("disk full")}
	pub := &fakePublisher{}
	p := newTestPipeline(t, store, pub)

	_, err := p.Ingest(context.Background(), testDevice, json.RawMessage(`{"rainfall": 1.2}`))
	if !errors.Is(err, types.ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if len(pub.events) != 0 {
		t.Fatal("failed reading must not be published")
	}
}

func TestIngestBatteryFailureKeepsReading(t *testing.T) {
	store := &fakeWriter{batteryErr: errors.New("locked")}
	pub := &fakePublisher{}
	p := newTestPipeline(t, store, pub)

	res, err := p.Ingest(context.Background(), testDevice, json.RawMessage(`{"battery_level": 40}`))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.BatteryLevel != nil {
		t.Fatal("battery level must not be reported when the update failed")
	}
	if len(store.readings) != 1 || len(pub.events) != 1 {
		t.Fatal("reading must still be persisted and published")
	}
}
