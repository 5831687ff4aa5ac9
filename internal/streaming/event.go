package streaming

import (
	"fmt"
	"time"

	"github.com/KevinKickass/FieldSense/internal/hub"
	"google.golang.org/protobuf/types/known/structpb"
)

// EventToStruct renders ev with the same field names dashboards receive.
func EventToStruct(ev hub.Event) (*structpb.Struct, error) {
	fields := map[string]any{
		"device_uuid":  ev.DeviceUUID,
		"device_name":  ev.DeviceName,
		"published_at": ev.PublishedAt.UTC().Format(time.RFC3339Nano),
	}

	switch ev.Kind {
	case hub.EventReadingAccepted:
		if ev.Reading == nil {
			return nil, fmt.Errorf("reading event without reading")
		}
		fields["type"] = "sensor_update"
		fields["reading_id"] = ev.Reading.ID
		fields["timestamp"] = ev.Reading.Timestamp.UTC().Format(time.RFC3339Nano)
		data := ev.Payload
		if data == nil {
			data = map[string]any{}
		}
		fields["data"] = data

	case hub.EventStatusChanged:
		fields["type"] = "device_status"
		fields["status"] = string(ev.Status)

	default:
		return nil, fmt.Errorf("unknown event kind %q", ev.Kind)
	}

	return structpb.NewStruct(fields)
}
