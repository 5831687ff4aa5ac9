package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/KevinKickass/FieldSense/internal/hub"
	"github.com/KevinKickass/FieldSense/internal/types"
	"github.com/gorilla/websocket"
)

// Close codes sent to peers.
const (
	CloseInternalError = 4000
	CloseSuperseded    = 4001
	CloseUnknownDevice = 4004
	CloseIdleTimeout   = 4008

	// A deleted device is indistinguishable from one that never existed.
	CloseDeviceRemoved = CloseUnknownDevice
	CloseSlowConsumer  = websocket.CloseTryAgainLater
)

// MessageType is the "type" tag of every frame on both channels.
type MessageType string

const (
	// Inbound from devices
	MessageTypeSensorData MessageType = "sensor_data"
	MessageTypeHeartbeat  MessageType = "heartbeat"

	// Inbound from dashboards
	MessageTypeGetDevices        MessageType = "get_devices"
	MessageTypeGetLatestReadings MessageType = "get_latest_readings"
	MessageTypeGetDashboardData  MessageType = "get_dashboard_data"

	// Outbound
	MessageTypeConnectionEstablished MessageType = "connection_established"
	MessageTypeDataReceived          MessageType = "data_received"
	MessageTypeHeartbeatAck          MessageType = "heartbeat_ack"
	MessageTypeError                 MessageType = "error"
	MessageTypeDevicesData           MessageType = "devices_data"
	MessageTypeOnlineDevices         MessageType = "online_devices"
	MessageTypeLatestReadings        MessageType = "latest_readings"
	MessageTypeSensorUpdate          MessageType = "sensor_update"
	MessageTypeDeviceStatus          MessageType = "device_status"
	MessageTypeEcho                  MessageType = "echo"

	messageTypeUnknown MessageType = "unknown"
)

var errMalformed = errors.New("malformed message")

// InboundMessage is the union of fields either channel accepts.
type InboundMessage struct {
	Type       MessageType
	Data       json.RawMessage
	DeviceUUID string
	Limit      int
	Message    string
}

// DecodeInbound parses a text frame. A missing or non-string type decodes
// as "unknown"; anything that is not a JSON object is malformed.
func DecodeInbound(raw []byte) (InboundMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return InboundMessage{}, fmt.Errorf("%w: %w", types.ErrProtocol, errMalformed)
	}

	msg := InboundMessage{Type: messageTypeUnknown, Data: fields["data"]}

	var msgType string
	if err := json.Unmarshal(fields["type"], &msgType); err == nil && msgType != "" {
		msg.Type = MessageType(msgType)
	}

	// Optional fields are best-effort; a wrong type reads as absent.
	_ = json.Unmarshal(fields["device_uuid"], &msg.DeviceUUID)
	_ = json.Unmarshal(fields["limit"], &msg.Limit)
	_ = json.Unmarshal(fields["message"], &msg.Message)

	return msg, nil
}

func newMessage(msgType MessageType, now time.Time) map[string]any {
	return map[string]any{
		"type":      msgType,
		"timestamp": now,
	}
}

func errorMessage(text string, now time.Time) map[string]any {
	msg := newMessage(MessageTypeError, now)
	msg["message"] = text
	return msg
}

func deviceConnected(deviceUUID string, now time.Time) map[string]any {
	msg := newMessage(MessageTypeConnectionEstablished, now)
	msg["device_uuid"] = deviceUUID
	msg["message"] = fmt.Sprintf("Device %s connected successfully", deviceUUID)
	return msg
}

func dataReceived(reading types.SensorReading) map[string]any {
	msg := newMessage(MessageTypeDataReceived, reading.Timestamp)
	msg["message"] = "Sensor data saved successfully"
	msg["reading_id"] = reading.ID
	return msg
}

func heartbeatAck(now time.Time) map[string]any {
	return newMessage(MessageTypeHeartbeatAck, now)
}

func dashboardConnected(now time.Time) map[string]any {
	msg := newMessage(MessageTypeConnectionEstablished, now)
	msg["message"] = "Connected to dashboard"
	return msg
}

func devicesData(snapshot types.DashboardSnapshot, now time.Time) map[string]any {
	msg := newMessage(MessageTypeDevicesData, now)
	msg["devices_data"] = snapshot.Devices
	msg["total_devices_count"] = snapshot.TotalCount
	msg["online_devices_count"] = snapshot.OnlineCount
	msg["offline_devices_count"] = snapshot.OfflineCount
	msg["has_devices"] = snapshot.HasDevices
	return msg
}

func onlineDevices(devices []types.DeviceSummary, now time.Time) map[string]any {
	msg := newMessage(MessageTypeOnlineDevices, now)
	msg["devices"] = devices
	return msg
}

func latestReadings(deviceUUID string, readings []types.SensorReading, now time.Time) map[string]any {
	msg := newMessage(MessageTypeLatestReadings, now)
	msg["device_uuid"] = deviceUUID
	msg["readings"] = readings
	return msg
}

func echo(text string, now time.Time) map[string]any {
	msg := newMessage(MessageTypeEcho, now)
	msg["message"] = "Received: " + text
	return msg
}

// eventMessage renders a hub event as a dashboard frame. Unknown kinds
// yield nil.
func eventMessage(ev hub.Event) map[string]any {
	switch ev.Kind {
	case hub.EventReadingAccepted:
		if ev.Reading == nil {
			return nil
		}
		msg := newMessage(MessageTypeSensorUpdate, ev.Reading.Timestamp)
		msg["device_uuid"] = ev.DeviceUUID
		msg["device_name"] = ev.DeviceName
		msg["reading_id"] = ev.Reading.ID
		data := ev.Payload
		if data == nil {
			data = map[string]any{}
		}
		msg["data"] = data
		return msg
	case hub.EventStatusChanged:
		msg := newMessage(MessageTypeDeviceStatus, ev.PublishedAt)
		msg["device_uuid"] = ev.DeviceUUID
		msg["device_name"] = ev.DeviceName
		msg["status"] = ev.Status
		return msg
	default:
		return nil
	}
}
