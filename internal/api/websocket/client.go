package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/KevinKickass/FieldSense/internal/config"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Devices send no Origin; dashboards are covered by CORS on the REST side.
		return true
	},
}

// client owns one websocket connection. Only writePump writes to conn;
// everything else goes through enqueue or shutdown.
type client struct {
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	logger   *zap.Logger
	settings config.SessionsConfig

	closeOnce   sync.Once
	closeCode   int
	closeReason string
}

func newClient(conn *websocket.Conn, buffer int, settings config.SessionsConfig, logger *zap.Logger) *client {
	return &client{
		conn:     conn,
		send:     make(chan []byte, buffer),
		done:     make(chan struct{}),
		logger:   logger,
		settings: settings,
	}
}

// enqueue queues msg for writing. A full send buffer means the peer is not
// keeping up; the connection is closed rather than blocking the caller.
func (c *client) enqueue(msg any) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("Failed to encode message", zap.Error(err))
		return false
	}

	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Warn("Send buffer full, closing connection",
			zap.String("remote_addr", c.conn.RemoteAddr().String()))
		c.shutdown(CloseSlowConsumer, "send buffer full")
		return false
	}
}

// shutdown asks writePump to send a close frame with code and drop the
// connection. Only the first call has any effect.
func (c *client) shutdown(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

func (c *client) closed() <-chan struct{} {
	return c.done
}

// writePump handles writing messages to the WebSocket connection
func (c *client) writePump() {
	ticker := time.NewTicker(c.settings.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.settings.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.shutdown(websocket.CloseAbnormalClosure, "write failed")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.settings.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown(websocket.CloseAbnormalClosure, "ping failed")
				return
			}

		case <-c.done:
			c.flush()
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(c.closeCode, c.closeReason),
				time.Now().Add(c.settings.WriteWait))
			return
		}
	}
}

// flush writes whatever is already queued so replies sent just before a
// close still reach the peer.
func (c *client) flush() {
	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.settings.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

// isExpectedClose reports read errors that are a normal end of a session.
func isExpectedClose(err error) bool {
	return !websocket.IsUnexpectedCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseNoStatusReceived)
}
