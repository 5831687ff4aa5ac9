package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevinKickass/FieldSense/internal/config"
	"github.com/KevinKickass/FieldSense/internal/hub"
	"github.com/KevinKickass/FieldSense/internal/ingest"
	"github.com/KevinKickass/FieldSense/internal/types"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// DeviceStore is what device sessions need from the Reading Store.
type DeviceStore interface {
	FindDeviceByUUID(ctx context.Context, deviceUUID string) (*types.Device, error)
	UpdateDeviceStatus(ctx context.Context, deviceID int64, status types.DeviceStatus) error
}

type Ingester interface {
	Ingest(ctx context.Context, device types.Device, data json.RawMessage) (*ingest.Result, error)
}

type Queries interface {
	FullSnapshot(ctx context.Context) types.DashboardSnapshot
	LatestReadings(ctx context.Context, deviceUUID string, limit int) []types.SensorReading
	OnlineDevices(ctx context.Context) []types.DeviceSummary
}

type Broadcaster interface {
	Publish(ev hub.Event) hub.Delivery
	Subscribe(name string) *hub.Subscription
}

// Handler serves the device and dashboard channels.
type Handler struct {
	devices     DeviceStore
	pipeline    Ingester
	queries     Queries
	broadcaster Broadcaster
	registry    *Registry
	settings    config.SessionsConfig
	logger      *zap.Logger
	now         func() time.Time

	dashboards atomic.Int64
	active     sync.WaitGroup
}

func NewHandler(
	devices DeviceStore,
	pipeline Ingester,
	queries Queries,
	broadcaster Broadcaster,
	registry *Registry,
	settings config.SessionsConfig,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		devices:     devices,
		pipeline:    pipeline,
		queries:     queries,
		broadcaster: broadcaster,
		registry:    registry,
		settings:    settings,
		logger:      logger,
		now:         time.Now,
	}
}

// RegisterRoutes mounts both channels, with and without trailing slash.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/ws/device/:uuid", h.ServeDevice)
	r.GET("/ws/device/:uuid/", h.ServeDevice)
	r.GET("/ws/dashboard", h.ServeDashboard)
	r.GET("/ws/dashboard/", h.ServeDashboard)
}

// LiveDevices is the number of devices with an active session.
func (h *Handler) LiveDevices() int {
	return h.registry.Count()
}

func (h *Handler) IsConnected(deviceUUID string) bool {
	return h.registry.Current(deviceUUID) != nil
}

func (h *Handler) ConnectedDashboards() int {
	return int(h.dashboards.Load())
}

// DisconnectDevice closes the live session of a device that was removed.
func (h *Handler) DisconnectDevice(deviceUUID string) bool {
	return h.registry.Kick(deviceUUID, CloseDeviceRemoved, "device removed")
}

// Shutdown closes every device session and waits for all sessions to
// finish their cleanup. Dashboards end when the hub they subscribe to is
// closed, so close the hub first.
func (h *Handler) Shutdown(ctx context.Context) error {
	closed := h.registry.CloseAll(websocket.CloseGoingAway, "server shutting down")
	h.logger.Info("Closing device sessions", zap.Int("count", closed))

	done := make(chan struct{})
	go func() {
		h.active.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) publishStatus(device types.Device, status types.DeviceStatus) {
	delivery := h.broadcaster.Publish(hub.NewStatusEvent(device, status))
	if delivery.Dropped > 0 {
		h.logger.Warn("Status event dropped for slow subscribers",
			zap.String("device_uuid", device.UUID),
			zap.Int("dropped", delivery.Dropped))
	}
}
