package websocket

import (
	"context"
	"errors"

	"github.com/KevinKickass/FieldSense/internal/hub"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// initialDashboardMessages is the greeting plus both snapshots, queued before
// the writer has had a chance to drain anything.
const initialDashboardMessages = 3

// DashboardSession is one observer connection: a hub subscriber plus an
// on-demand query client.
type DashboardSession struct {
	client *client
	sub    *hub.Subscription
	h      *Handler
	logger *zap.Logger
}

// ServeDashboard subscribes before accepting so no event published after the
// snapshot is missed.
func (h *Handler) ServeDashboard(c *gin.Context) {
	sub := h.broadcaster.Subscribe("dashboard " + c.Request.RemoteAddr)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		sub.Unsubscribe()
		h.logger.Error("WebSocket upgrade error",
			zap.Error(err),
			zap.String("remote_addr", c.Request.RemoteAddr))
		return
	}

	logger := h.logger.With(
		zap.String("subscription_id", sub.ID.String()),
		zap.String("remote_addr", conn.RemoteAddr().String()))

	session := &DashboardSession{
		client: newClient(conn, h.settings.DashboardBuffer+initialDashboardMessages, h.settings, logger),
		sub:    sub,
		h:      h,
		logger: logger,
	}

	h.active.Add(1)
	h.dashboards.Add(1)
	logger.Info("Dashboard connected", zap.Int64("dashboards", h.dashboards.Load()))

	go session.client.writePump()
	go session.run()
}

func (d *DashboardSession) run() {
	defer d.h.active.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d.client.enqueue(dashboardConnected(d.h.now()))
	d.client.enqueue(devicesData(d.h.queries.FullSnapshot(ctx), d.h.now()))
	d.client.enqueue(onlineDevices(d.h.queries.OnlineDevices(ctx), d.h.now()))

	go d.forward()
	d.readPump(ctx)
}

// forward relays hub events in the order they were received.
func (d *DashboardSession) forward() {
	for {
		select {
		case ev := <-d.sub.Events():
			msg := eventMessage(ev)
			if msg == nil {
				continue
			}
			if !d.client.enqueue(msg) {
				return
			}

		case <-d.sub.Done():
			if errors.Is(d.sub.Err(), hub.ErrSlowSubscriber) {
				d.logger.Warn("Dashboard too slow, dropping connection")
				d.client.shutdown(CloseSlowConsumer, "too slow")
			} else {
				d.client.shutdown(websocket.CloseGoingAway, "server shutting down")
			}
			return

		case <-d.client.closed():
			return
		}
	}
}

func (d *DashboardSession) readPump(ctx context.Context) {
	defer d.finish()

	d.client.conn.SetReadLimit(d.h.settings.MaxMessageSize)

	for {
		_, data, err := d.client.conn.ReadMessage()
		if err != nil {
			if !isExpectedClose(err) {
				d.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}

		d.handle(ctx, data)
	}
}

func (d *DashboardSession) handle(ctx context.Context, data []byte) {
	msg, err := DecodeInbound(data)
	if err != nil {
		d.client.enqueue(errorMessage("Invalid JSON format", d.h.now()))
		return
	}

	switch msg.Type {
	case MessageTypeGetDevices:
		d.client.enqueue(onlineDevices(d.h.queries.OnlineDevices(ctx), d.h.now()))

	case MessageTypeGetLatestReadings:
		if msg.DeviceUUID == "" {
			d.client.enqueue(errorMessage("device_uuid is required", d.h.now()))
			return
		}
		readings := d.h.queries.LatestReadings(ctx, msg.DeviceUUID, msg.Limit)
		d.client.enqueue(latestReadings(msg.DeviceUUID, readings, d.h.now()))

	case MessageTypeGetDashboardData:
		d.client.enqueue(devicesData(d.h.queries.FullSnapshot(ctx), d.h.now()))

	default:
		d.client.enqueue(echo(msg.Message, d.h.now()))
	}
}

func (d *DashboardSession) finish() {
	d.sub.Unsubscribe()
	d.client.shutdown(websocket.CloseNormalClosure, "")
	n := d.h.dashboards.Add(-1)
	d.logger.Info("Dashboard disconnected", zap.Int64("dashboards", n))
}
