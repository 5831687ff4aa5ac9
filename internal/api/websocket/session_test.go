package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/KevinKickass/FieldSense/internal/config"
	"github.com/KevinKickass/FieldSense/internal/hub"
	"github.com/KevinKickass/FieldSense/internal/ingest"
	"github.com/KevinKickass/FieldSense/internal/query"
	"github.com/KevinKickass/FieldSense/internal/storage"
	"github.com/KevinKickass/FieldSense/internal/types"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type testEnv struct {
	store   *storage.MemoryStore
	hub     *hub.Hub
	handler *Handler
	server  *httptest.Server
}

func testSettings() config.SessionsConfig {
	return config.SessionsConfig{
		WriteWait:       time.Second,
		PingPeriod:      time.Minute,
		MaxMessageSize:  8192,
		DashboardBuffer: 32,
		DeviceBuffer:    32,
	}
}

func newTestEnv(t *testing.T, settings config.SessionsConfig) *testEnv {
	t.Helper()
	return newTestEnvWithWriter(t, settings, nil)
}

// failingWriter lets devices be found but refuses every reading.
type failingWriter struct {
	*storage.MemoryStore
}

func (f failingWriter) CreateReading(context.Context, int64, types.Measurements) (*types.SensorReading, error) {
	return nil, errors.New("connection refused")
}

// newTestEnvWithWriter builds the pipeline on writer instead of the store
// when writer is non-nil.
func newTestEnvWithWriter(t *testing.T, settings config.SessionsConfig, writer func(*storage.MemoryStore) ingest.ReadingWriter) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := zap.NewNop()
	store := storage.NewMemoryStore()
	events := hub.NewHub(logger, settings.DashboardBuffer)

	validator, err := ingest.NewValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	var readings ingest.ReadingWriter = store
	if writer != nil {
		readings = writer(store)
	}
	pipeline := ingest.NewPipeline(readings, events, validator, logger)
	queries := query.NewService(store, logger, 10, 100)

	handler := NewHandler(store, pipeline, queries, events, NewRegistry(), settings, logger)

	router := gin.New()
	handler.RegisterRoutes(router)
	server := httptest.NewServer(router)

	t.Cleanup(func() {
		server.Close()
		events.Close()
	})

	return &testEnv{store: store, hub: events, handler: handler, server: server}
}

func (e *testEnv) createDevice(t *testing.T, deviceUUID, name string) *types.Device {
	t.Helper()
	device, err := e.store.CreateDevice(context.Background(), deviceUUID, name)
	if err != nil {
		t.Fatalf("create device: %v", err)
	}
	return device
}

func (e *testEnv) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (e *testEnv) deviceStatus(t *testing.T, deviceUUID string) types.DeviceStatus {
	t.Helper()
	device, err := e.store.FindDeviceByUUID(context.Background(), deviceUUID)
	if err != nil {
		t.Fatalf("find device: %v", err)
	}
	return device.Status
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return msg
}

// readType skips frames until one of the wanted type arrives.
func readType(t *testing.T, conn *websocket.Conn, msgType MessageType) map[string]any {
	t.Helper()
	for {
		msg := readMessage(t, conn)
		if msg["type"] == string(msgType) {
			return msg
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, payload string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, code) {
			t.Fatalf("expected close code %d, got %v", code, err)
		}
		return
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDeviceSensorDataIsPersistedAndAcknowledged(t *testing.T) {
	env := newTestEnv(t, testSettings())
	device := env.createDevice(t, "AA:BB", "Raspberry Pi 4")

	conn := env.dial(t, "/ws/device/AA:BB/")

	ack := readMessage(t, conn)
	if ack["type"] != "connection_established" || ack["device_uuid"] != "AA:BB" {
		t.Fatalf("unexpected connect ack %v", ack)
	}
	if env.deviceStatus(t, "AA:BB") != types.DeviceStatusOnline {
		t.Fatal("device must be online after connect")
	}

	send(t, conn, `{"type":"sensor_data","data":{"air_temperature":30.2}}`)

	received := readMessage(t, conn)
	if received["type"] != "data_received" {
		t.Fatalf("expected data_received, got %v", received)
	}
	id, ok := received["reading_id"].(float64)
	if !ok {
		t.Fatalf("missing reading id in %v", received)
	}

	reading, err := env.store.LatestReadingFor(context.Background(), device.ID)
	if err != nil || reading == nil {
		t.Fatalf("latest reading: %v %v", reading, err)
	}
	if reading.ID != int64(id) {
		t.Fatalf("ack id %v does not match stored id %d", id, reading.ID)
	}
	if reading.AirTemperature == nil || *reading.AirTemperature != 30.2 {
		t.Fatalf("expected air temperature 30.2, got %v", reading.AirTemperature)
	}
	if reading.SoilMoisture != nil || reading.WindDirection != nil {
		t.Fatal("unreported fields must be stored as null")
	}
}

func TestDeviceHeartbeatCreatesNoReading(t *testing.T) {
	env := newTestEnv(t, testSettings())
	device := env.createDevice(t, "AA:BB", "Raspberry Pi 4")

	conn := env.dial(t, "/ws/device/AA:BB")
	readType(t, conn, MessageTypeConnectionEstablished)

	send(t, conn, `{"type":"heartbeat"}`)
	if msg := readMessage(t, conn); msg["type"] != "heartbeat_ack" || msg["timestamp"] == nil {
		t.Fatalf("expected heartbeat_ack, got %v", msg)
	}

	readings, _ := env.store.LatestNReadingsFor(context.Background(), device.ID, 10)
	if len(readings) != 0 {
		t.Fatalf("heartbeat must not persist readings, got %d", len(readings))
	}
}

func TestDeviceProtocolErrorsKeepSessionOpen(t *testing.T) {
	env := newTestEnv(t, testSettings())
	env.createDevice(t, "AA:BB", "Raspberry Pi 4")

	conn := env.dial(t, "/ws/device/AA:BB/")
	readType(t, conn, MessageTypeConnectionEstablished)

	send(t, conn, `{"type":"frobnicate"}`)
	msg := readMessage(t, conn)
	if msg["type"] != "error" || !strings.Contains(msg["message"].(string), "frobnicate") {
		t.Fatalf("expected error naming frobnicate, got %v", msg)
	}

	send(t, conn, `{not json`)
	if msg := readMessage(t, conn); msg["type"] != "error" || msg["message"] != "Invalid JSON format" {
		t.Fatalf("expected invalid json error, got %v", msg)
	}

	send(t, conn, `{"type":"sensor_data","data":{"battery_level":"full"}}`)
	if msg := readMessage(t, conn); msg["type"] != "error" {
		t.Fatalf("expected validation error, got %v", msg)
	}

	send(t, conn, `{"type":"heartbeat"}`)
	if msg := readMessage(t, conn); msg["type"] != "heartbeat_ack" {
		t.Fatalf("session should still be open, got %v", msg)
	}
}

func TestUnknownDeviceIsRejected(t *testing.T) {
	env := newTestEnv(t, testSettings())

	conn := env.dial(t, "/ws/device/ZZZZ/")
	expectClose(t, conn, CloseUnknownDevice)

	count, _ := env.store.CountDevices(context.Background(), nil)
	if count != 0 {
		t.Fatalf("rejection must not create devices, got %d", count)
	}
	if env.handler.LiveDevices() != 0 {
		t.Fatal("rejection must not register a session")
	}
}

func TestDeviceDisconnectMarksOffline(t *testing.T) {
	env := newTestEnv(t, testSettings())
	env.createDevice(t, "AA:BB", "Raspberry Pi 4")

	conn := env.dial(t, "/ws/device/AA:BB/")
	readType(t, conn, MessageTypeConnectionEstablished)
	conn.Close()

	eventually(t, "device offline", func() bool {
		return env.deviceStatus(t, "AA:BB") == types.DeviceStatusOffline
	})
	eventually(t, "registry empty", func() bool { return env.handler.LiveDevices() == 0 })
}

func TestReconnectSupersedesPreviousSession(t *testing.T) {
	env := newTestEnv(t, testSettings())
	env.createDevice(t, "AA:BB", "Raspberry Pi 4")

	first := env.dial(t, "/ws/device/AA:BB/")
	readType(t, first, MessageTypeConnectionEstablished)

	second := env.dial(t, "/ws/device/AA:BB/")
	readType(t, second, MessageTypeConnectionEstablished)

	expectClose(t, first, CloseSuperseded)

	// Give the stale session time to run its cleanup.
	time.Sleep(100 * time.Millisecond)

	if env.deviceStatus(t, "AA:BB") != types.DeviceStatusOnline {
		t.Fatal("superseded session must not mark the device offline")
	}
	if env.handler.LiveDevices() != 1 {
		t.Fatalf("expected one live session, got %d", env.handler.LiveDevices())
	}

	send(t, second, `{"type":"heartbeat"}`)
	if msg := readMessage(t, second); msg["type"] != "heartbeat_ack" {
		t.Fatalf("newer session should be serving, got %v", msg)
	}

	second.Close()
	eventually(t, "device offline", func() bool {
		return env.deviceStatus(t, "AA:BB") == types.DeviceStatusOffline
	})
}

func TestDeviceIdleTimeout(t *testing.T) {
	settings := testSettings()
	settings.DeviceIdleTimeout = 100 * time.Millisecond
	env := newTestEnv(t, settings)
	env.createDevice(t, "AA:BB", "Raspberry Pi 4")

	conn := env.dial(t, "/ws/device/AA:BB/")
	readType(t, conn, MessageTypeConnectionEstablished)

	expectClose(t, conn, CloseIdleTimeout)
	eventually(t, "device offline", func() bool {
		return env.deviceStatus(t, "AA:BB") == types.DeviceStatusOffline
	})
}

func TestDashboardSnapshotThenLiveUpdate(t *testing.T) {
	env := newTestEnv(t, testSettings())
	env.createDevice(t, "AA:BB", "Raspberry Pi 4")
	env.createDevice(t, "device-002", "Sensor Lahan B")

	device := env.dial(t, "/ws/device/AA:BB/")
	readType(t, device, MessageTypeConnectionEstablished)
	send(t, device, `{"type":"sensor_data","data":{"air_temperature":21.5}}`)
	readType(t, device, MessageTypeDataReceived)

	dashboard := env.dial(t, "/ws/dashboard/")

	if msg := readMessage(t, dashboard); msg["type"] != "connection_established" {
		t.Fatalf("expected connection_established first, got %v", msg)
	}

	snapshot := readMessage(t, dashboard)
	if snapshot["type"] != "devices_data" {
		t.Fatalf("expected devices_data, got %v", snapshot)
	}
	if snapshot["total_devices_count"] != float64(2) || snapshot["online_devices_count"] != float64(1) ||
		snapshot["offline_devices_count"] != float64(1) || snapshot["has_devices"] != true {
		t.Fatalf("unexpected counts %v", snapshot)
	}
	var found bool
	for _, raw := range snapshot["devices_data"].([]any) {
		entry := raw.(map[string]any)
		dev := entry["device"].(map[string]any)
		if dev["uuid"] != "AA:BB" {
			continue
		}
		found = true
		reading, ok := entry["readings"].(map[string]any)
		if !ok || reading["air_temperature"] != 21.5 {
			t.Fatalf("expected latest reading for AA:BB, got %v", entry["readings"])
		}
	}
	if !found {
		t.Fatal("AA:BB missing from snapshot")
	}

	online := readMessage(t, dashboard)
	if online["type"] != "online_devices" || len(online["devices"].([]any)) != 1 {
		t.Fatalf("expected one online device, got %v", online)
	}

	send(t, device, `{"type":"sensor_data","data":{"air_temperature":22.0,"wind_direction":"NE"}}`)
	ack := readType(t, device, MessageTypeDataReceived)

	update := readType(t, dashboard, MessageTypeSensorUpdate)
	if update["device_uuid"] != "AA:BB" || update["device_name"] != "Raspberry Pi 4" {
		t.Fatalf("unexpected update %v", update)
	}
	if update["reading_id"] != ack["reading_id"] {
		t.Fatalf("update reading %v does not match ack %v", update["reading_id"], ack["reading_id"])
	}
	if data := update["data"].(map[string]any); data["wind_direction"] != "NE" {
		t.Fatalf("expected raw payload, got %v", data)
	}

	// No second copy of the same reading precedes the next reply.
	send(t, dashboard, `{"type":"get_devices"}`)
	for {
		msg := readMessage(t, dashboard)
		if msg["type"] == "online_devices" {
			break
		}
		if msg["type"] == "sensor_update" {
			t.Fatalf("unexpected extra sensor_update %v", msg)
		}
	}
}

func TestDashboardQueries(t *testing.T) {
	env := newTestEnv(t, testSettings())
	env.createDevice(t, "AA:BB", "Raspberry Pi 4")

	device := env.dial(t, "/ws/device/AA:BB/")
	readType(t, device, MessageTypeConnectionEstablished)
	for i := 0; i < 3; i++ {
		send(t, device, `{"type":"sensor_data","data":{"rainfall":1}}`)
		readType(t, device, MessageTypeDataReceived)
	}

	dashboard := env.dial(t, "/ws/dashboard")
	readType(t, dashboard, MessageTypeOnlineDevices)

	send(t, dashboard, `{"type":"get_latest_readings","device_uuid":"AA:BB","limit":2}`)
	latest := readType(t, dashboard, MessageTypeLatestReadings)
	if latest["device_uuid"] != "AA:BB" || len(latest["readings"].([]any)) != 2 {
		t.Fatalf("expected two readings, got %v", latest)
	}

	send(t, dashboard, `{"type":"get_latest_readings","device_uuid":"ZZZZ"}`)
	latest = readType(t, dashboard, MessageTypeLatestReadings)
	if len(latest["readings"].([]any)) != 0 {
		t.Fatalf("unknown device must yield no readings, got %v", latest)
	}

	send(t, dashboard, `{"type":"get_latest_readings"}`)
	if msg := readType(t, dashboard, MessageTypeError); msg["message"] != "device_uuid is required" {
		t.Fatalf("unexpected error %v", msg)
	}

	send(t, dashboard, `{"type":"hello","message":"ping"}`)
	if msg := readType(t, dashboard, MessageTypeEcho); msg["message"] != "Received: ping" {
		t.Fatalf("unexpected echo %v", msg)
	}

	send(t, dashboard, `{"type":"get_dashboard_data"}`)
	if msg := readType(t, dashboard, MessageTypeDevicesData); msg["total_devices_count"] != float64(1) {
		t.Fatalf("unexpected snapshot %v", msg)
	}

	if env.handler.ConnectedDashboards() != 1 {
		t.Fatalf("expected one dashboard, got %d", env.handler.ConnectedDashboards())
	}
}

func TestDashboardSeesStatusChanges(t *testing.T) {
	env := newTestEnv(t, testSettings())
	env.createDevice(t, "AA:BB", "Raspberry Pi 4")

	dashboard := env.dial(t, "/ws/dashboard/")
	readType(t, dashboard, MessageTypeOnlineDevices)

	device := env.dial(t, "/ws/device/AA:BB/")
	readType(t, device, MessageTypeConnectionEstablished)

	if msg := readType(t, dashboard, MessageTypeDeviceStatus); msg["status"] != "online" {
		t.Fatalf("expected online status event, got %v", msg)
	}

	device.Close()
	if msg := readType(t, dashboard, MessageTypeDeviceStatus); msg["status"] != "offline" {
		t.Fatalf("expected offline status event, got %v", msg)
	}
}

func TestRemovedDeviceIsDisconnected(t *testing.T) {
	env := newTestEnv(t, testSettings())
	env.createDevice(t, "AA:BB", "Raspberry Pi 4")

	conn := env.dial(t, "/ws/device/AA:BB/")
	readType(t, conn, MessageTypeConnectionEstablished)

	if !env.handler.DisconnectDevice("AA:BB") {
		t.Fatal("expected a live session to disconnect")
	}
	expectClose(t, conn, CloseDeviceRemoved)
}

func TestShutdownClosesSessionsAndMarksOffline(t *testing.T) {
	env := newTestEnv(t, testSettings())
	env.createDevice(t, "AA:BB", "Raspberry Pi 4")

	device := env.dial(t, "/ws/device/AA:BB/")
	readType(t, device, MessageTypeConnectionEstablished)
	dashboard := env.dial(t, "/ws/dashboard/")
	readType(t, dashboard, MessageTypeOnlineDevices)

	env.hub.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := env.handler.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	expectClose(t, device, websocket.CloseGoingAway)
	expectClose(t, dashboard, websocket.CloseGoingAway)

	if got := env.deviceStatus(t, "AA:BB"); got != types.DeviceStatusOffline {
		t.Fatalf("expected offline after shutdown, got %s", got)
	}
	if env.handler.ConnectedDashboards() != 0 {
		t.Fatalf("expected no dashboards, got %d", env.handler.ConnectedDashboards())
	}
}

func TestDevicePersistenceFailureKeepsSessionOpen(t *testing.T) {
	env := newTestEnvWithWriter(t, testSettings(), func(store *storage.MemoryStore) ingest.ReadingWriter {
		return failingWriter{store}
	})
	device := env.createDevice(t, "AA:BB", "Raspberry Pi 4")

	conn := env.dial(t, "/ws/device/AA:BB/")
	readType(t, conn, MessageTypeConnectionEstablished)

	dashboard := env.dial(t, "/ws/dashboard/")
	readType(t, dashboard, MessageTypeOnlineDevices)

	send(t, conn, `{"type":"sensor_data","data":{"air_temperature":30.2}}`)
	msg := readMessage(t, conn)
	if msg["type"] != "error" || msg["message"] != "Error processing data: Failed to save sensor reading" {
		t.Fatalf("expected persistence error reply, got %v", msg)
	}

	send(t, conn, `{"type":"heartbeat"}`)
	if msg := readMessage(t, conn); msg["type"] != string(MessageTypeHeartbeatAck) {
		t.Fatalf("session should stay open after a failed write, got %v", msg)
	}

	readings, err := env.store.LatestNReadingsFor(context.Background(), device.ID, 10)
	if err != nil {
		t.Fatalf("latest readings: %v", err)
	}
	if len(readings) != 0 {
		t.Fatalf("expected no stored readings, got %d", len(readings))
	}

	// Anything published for the failed reading would be queued ahead of
	// this reply.
	send(t, dashboard, `{"type":"get_devices"}`)
	if msg := readMessage(t, dashboard); msg["type"] != string(MessageTypeOnlineDevices) {
		t.Fatalf("failed reading must not reach dashboards, got %v", msg)
	}
}

func TestSlowDashboardIsDroppedWhileOthersKeepReceiving(t *testing.T) {
	settings := testSettings()
	settings.DashboardBuffer = 1
	// Writes to the stalled peer must stay pending until it drains.
	settings.WriteWait = 30 * time.Second
	env := newTestEnv(t, settings)

	slow := env.dial(t, "/ws/dashboard/")
	fast := env.dial(t, "/ws/dashboard/")
	readType(t, fast, MessageTypeOnlineDevices)
	eventually(t, "both dashboards subscribed", func() bool { return env.hub.SubscriberCount() == 2 })

	// Large events fill the socket buffers of the dashboard that never reads.
	padding := strings.Repeat("x", 64<<10)
	device := types.Device{ID: 1, UUID: "AA:BB", Name: "Raspberry Pi 4"}

	dropped := false
	for i := 1; i <= 4000 && !dropped; i++ {
		reading := types.SensorReading{ID: int64(i), Timestamp: time.Now()}
		env.hub.Publish(hub.NewReadingEvent(device, reading, map[string]any{"padding": padding}))

		msg := readType(t, fast, MessageTypeSensorUpdate)
		if msg["reading_id"] != float64(i) {
			t.Fatalf("fast dashboard expected reading %d, got %v", i, msg["reading_id"])
		}
		dropped = env.hub.SubscriberCount() == 1
	}
	if !dropped {
		t.Fatal("slow dashboard was never dropped")
	}

	slow.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		_, _, err := slow.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, CloseSlowConsumer) {
			t.Fatalf("expected close code %d, got %v", CloseSlowConsumer, err)
		}
		break
	}

	// The remaining dashboard is unaffected.
	reading := types.SensorReading{ID: 9999, Timestamp: time.Now()}
	env.hub.Publish(hub.NewReadingEvent(device, reading, nil))
	if msg := readType(t, fast, MessageTypeSensorUpdate); msg["reading_id"] != float64(9999) {
		t.Fatalf("expected reading 9999, got %v", msg["reading_id"])
	}
}

func TestDashboardWithMinimalBufferReceivesSnapshot(t *testing.T) {
	settings := testSettings()
	settings.DashboardBuffer = 1
	env := newTestEnv(t, settings)

	conn := env.dial(t, "/ws/dashboard/")
	for _, want := range []MessageType{
		MessageTypeConnectionEstablished,
		MessageTypeDevicesData,
		MessageTypeOnlineDevices,
	} {
		if msg := readMessage(t, conn); msg["type"] != string(want) {
			t.Fatalf("expected %s, got %v", want, msg["type"])
		}
	}
}
