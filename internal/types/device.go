package types

import "time"

type DeviceStatus string

const (
	DeviceStatusOnline  DeviceStatus = "online"
	DeviceStatusOffline DeviceStatus = "offline"
)

func (s DeviceStatus) Valid() bool {
	return s == DeviceStatusOnline || s == DeviceStatusOffline
}

// Device is a registered field sensor unit. UUID is the hardware identifier
// a device presents when it connects; ID is the internal key.
type Device struct {
	ID           int64        `json:"id"`
	UUID         string       `json:"uuid"`
	Name         string       `json:"name"`
	Status       DeviceStatus `json:"status"`
	BatteryLevel *int         `json:"battery_level"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Measurements holds the optional sensor fields of one sample.
// A nil field means the device did not report it this cycle.
type Measurements struct {
	AirTemperature *float64 `json:"air_temperature"`
	AirHumidity    *float64 `json:"air_humidity"`
	SoilMoisture   *float64 `json:"soil_moisture"`
	SoilPH         *float64 `json:"soil_ph"`
	WindSpeed      *float64 `json:"wind_speed"`
	WindDirection  *string  `json:"wind_direction"`
	Nitrogen       *float64 `json:"nitrogen"`
	Phosphorus     *float64 `json:"phosphorus"`
	Potassium      *float64 `json:"potassium"`
	Rainfall       *float64 `json:"rainfall"`
}

// SensorReading is an immutable, server-timestamped sample.
type SensorReading struct {
	ID        int64     `json:"id"`
	DeviceID  int64     `json:"-"`
	Timestamp time.Time `json:"timestamp"`
	Measurements
}

// DeviceSummary is the row shape of the online device list.
type DeviceSummary struct {
	UUID         string       `json:"device_uuid"`
	Name         string       `json:"name"`
	Status       DeviceStatus `json:"status"`
	BatteryLevel *int         `json:"battery_level"`
}

type DeviceSnapshot struct {
	Device  Device         `json:"device"`
	Reading *SensorReading `json:"readings"`
}

// DashboardSnapshot is the point-in-time view pushed to dashboards.
type DashboardSnapshot struct {
	Devices      []DeviceSnapshot `json:"devices_data"`
	TotalCount   int              `json:"total_devices_count"`
	OnlineCount  int              `json:"online_devices_count"`
	OfflineCount int              `json:"offline_devices_count"`
	HasDevices   bool             `json:"has_devices"`
}

// EmptySnapshot is what dashboards render when the store cannot be read.
func EmptySnapshot() DashboardSnapshot {
	return DashboardSnapshot{Devices: make([]DeviceSnapshot, 0)}
}
