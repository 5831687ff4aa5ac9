package interfaces

import (
	"context"

	"github.com/KevinKickass/FieldSense/internal/api/websocket"
	"github.com/KevinKickass/FieldSense/internal/auth"
	"github.com/KevinKickass/FieldSense/internal/config"
	"github.com/KevinKickass/FieldSense/internal/query"
	"github.com/KevinKickass/FieldSense/internal/storage"
)

// SystemStatus represents the current system state
type SystemStatus struct {
	State               string `json:"state"`
	LiveDevices         int    `json:"live_devices"`
	ConnectedDashboards int    `json:"connected_dashboards"`
	HubSubscribers      int    `json:"hub_subscribers"`
}

// LifecycleManager is what the REST layer needs from the running system.
// JWT returns nil when admin auth is disabled.
type LifecycleManager interface {
	Config() *config.Config
	Storage() storage.Store
	Queries() *query.Service
	Sessions() *websocket.Handler
	JWT() *auth.JWTHandler
	GetCurrentStatus() SystemStatus
	Shutdown(ctx context.Context) error
}
