package websocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/KevinKickass/FieldSense/internal/types"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// DeviceSession is one producer connection. The session goroutine is the
// only one touching device; Close may be called from anywhere.
type DeviceSession struct {
	id         uuid.UUID
	deviceUUID string
	device     types.Device
	client     *client
	state      stateMachine
	h          *Handler
	logger     *zap.Logger
}

func (s *DeviceSession) ID() uuid.UUID {
	return s.id
}

// Close stops the session from accepting further frames and closes the
// connection with code.
func (s *DeviceSession) Close(code int, reason string) {
	s.setState(StateClosed)
	s.client.shutdown(code, reason)
}

func (s *DeviceSession) setState(to SessionState) bool {
	if err := s.state.transition(to); err != nil {
		s.logger.Debug("Session state unchanged", zap.Error(err))
		return false
	}
	return true
}

// ServeDevice upgrades a device connection addressed by its hardware uuid.
func (h *Handler) ServeDevice(c *gin.Context) {
	deviceUUID := c.Param("uuid")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade error",
			zap.Error(err),
			zap.String("device_uuid", deviceUUID),
			zap.String("remote_addr", c.Request.RemoteAddr))
		return
	}

	logger := h.logger.With(
		zap.String("device_uuid", deviceUUID),
		zap.String("remote_addr", conn.RemoteAddr().String()))

	session := &DeviceSession{
		id:         uuid.New(),
		deviceUUID: deviceUUID,
		client:     newClient(conn, h.settings.DeviceBuffer, h.settings, logger),
		h:          h,
		logger:     logger,
	}

	h.active.Add(1)
	go session.client.writePump()
	go session.run()
}

func (s *DeviceSession) run() {
	defer s.h.active.Done()
	ctx := context.Background()

	if err := s.authenticate(ctx); err != nil {
		return
	}

	// A newer session may have closed this one while it was connecting.
	if !s.setState(StateStreaming) {
		s.finish()
		return
	}

	s.client.enqueue(deviceConnected(s.deviceUUID, s.h.now()))
	s.readPump(ctx)
}

func (s *DeviceSession) authenticate(ctx context.Context) error {
	device, err := s.h.devices.FindDeviceByUUID(ctx, s.deviceUUID)
	if err != nil {
		s.setState(StateRejected)
		if errors.Is(err, types.ErrDeviceNotFound) {
			s.logger.Info("Rejected unknown device")
			s.client.shutdown(CloseUnknownDevice, "unknown device")
			return fmt.Errorf("%w: %s", types.ErrUnknownDevice, s.deviceUUID)
		}
		s.logger.Error("Failed to look up device", zap.Error(err))
		s.client.shutdown(CloseInternalError, "internal error")
		return err
	}

	s.device = *device
	s.setState(StateAuthenticated)

	if previous := s.h.registry.Claim(s.deviceUUID, s); previous != nil {
		s.logger.Info("Device reconnected, closing previous session",
			zap.String("previous_session", previous.ID().String()))
		previous.Close(CloseSuperseded, types.ErrSessionSuperseded.Error())
	}

	status, err := s.h.registry.Reconcile(s.deviceUUID, s.writeStatus)
	if err != nil {
		s.logger.Error("Failed to mark device online", zap.Error(err))
		s.setState(StateClosed)
		s.client.shutdown(CloseInternalError, "internal error")
		s.release()
		return fmt.Errorf("%w: %w", types.ErrPersistence, err)
	}

	s.device.Status = status
	s.h.publishStatus(s.device, status)

	s.logger.Info("Device connected", zap.String("session_id", s.id.String()))
	return nil
}

func (s *DeviceSession) writeStatus(status types.DeviceStatus) error {
	return s.h.devices.UpdateDeviceStatus(context.Background(), s.device.ID, status)
}

func (s *DeviceSession) readPump(ctx context.Context) {
	defer s.finish()

	conn := s.client.conn
	conn.SetReadLimit(s.h.settings.MaxMessageSize)
	idle := s.h.settings.DeviceIdleTimeout

	for {
		if idle > 0 {
			conn.SetReadDeadline(time.Now().Add(idle))
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				s.logger.Info("Device idle, closing session", zap.Duration("idle_timeout", idle))
				s.client.shutdown(CloseIdleTimeout, "idle timeout")
			case !isExpectedClose(err):
				s.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}

		s.handle(ctx, data)
	}
}

func (s *DeviceSession) handle(ctx context.Context, data []byte) {
	if state := s.state.current(); state != StateStreaming {
		s.logger.Debug("Dropping frame outside streaming state", zap.Stringer("state", state))
		return
	}

	msg, err := DecodeInbound(data)
	if err != nil {
		s.client.enqueue(errorMessage("Invalid JSON format", s.h.now()))
		return
	}

	switch msg.Type {
	case MessageTypeSensorData:
		s.handleSensorData(ctx, msg)
	case MessageTypeHeartbeat:
		s.client.enqueue(heartbeatAck(s.h.now()))
	default:
		s.client.enqueue(errorMessage(fmt.Sprintf("Unknown message type: %s", msg.Type), s.h.now()))
	}
}

func (s *DeviceSession) handleSensorData(ctx context.Context, msg InboundMessage) {
	result, err := s.h.pipeline.Ingest(ctx, s.device, msg.Data)
	if err != nil {
		text := "Error processing data: Failed to save sensor reading"
		if errors.Is(err, types.ErrProtocol) {
			text = "Error processing data: " + err.Error()
		}
		s.client.enqueue(errorMessage(text, s.h.now()))
		return
	}

	if result.BatteryLevel != nil {
		s.device.BatteryLevel = result.BatteryLevel
	}
	s.client.enqueue(dataReceived(result.Reading))
}

func (s *DeviceSession) finish() {
	s.setState(StateClosed)
	s.client.shutdown(websocket.CloseNormalClosure, "")
	s.release()
}

// release gives up the device. A superseded session holds nothing and
// leaves the status to its successor.
func (s *DeviceSession) release() {
	if !s.h.registry.Release(s.deviceUUID, s) {
		s.logger.Info("Superseded session closed", zap.String("session_id", s.id.String()))
		return
	}

	status, err := s.h.registry.Reconcile(s.deviceUUID, s.writeStatus)
	if err != nil {
		s.logger.Warn("Failed to persist device status on disconnect",
			zap.String("status", string(status)),
			zap.Error(err))
		return
	}

	if status == types.DeviceStatusOffline {
		s.device.Status = status
		s.h.publishStatus(s.device, status)
	}
	s.logger.Info("Device disconnected", zap.String("session_id", s.id.String()))
}
