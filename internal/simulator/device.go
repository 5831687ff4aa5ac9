package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Options mirror the simulator command line.
type Options struct {
	Server            string
	Duration          time.Duration
	DataInterval      time.Duration
	HeartbeatInterval time.Duration
}

// Device is a simulated field unit speaking the device channel protocol.
type Device struct {
	uuid   string
	url    string
	rng    *rand.Rand
	logger *zap.Logger
	conn   *websocket.Conn
}

func NewDevice(deviceUUID, server string, rng *rand.Rand, logger *zap.Logger) (*Device, error) {
	base, err := url.Parse(strings.TrimRight(server, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	base.Path += "/ws/device/" + deviceUUID + "/"

	return &Device{
		uuid:   deviceUUID,
		url:    base.String(),
		rng:    rng,
		logger: logger.With(zap.String("device_uuid", deviceUUID)),
	}, nil
}

func (d *Device) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", d.url, err)
	}
	d.conn = conn
	d.logger.Info("Connected", zap.String("url", d.url))
	return nil
}

func (d *Device) Close() error {
	if d.conn == nil {
		return nil
	}
	d.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return d.conn.Close()
}

func (d *Device) SendSensorData() (Payload, error) {
	payload := RandomPayload(d.rng)
	err := d.conn.WriteJSON(map[string]any{
		"type": "sensor_data",
		"data": payload,
	})
	return payload, err
}

func (d *Device) SendHeartbeat() error {
	return d.conn.WriteJSON(map[string]any{
		"type":      "heartbeat",
		"timestamp": time.Now(),
	})
}

// Receive reads one server message.
func (d *Device) Receive() (map[string]any, error) {
	_, data, err := d.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid server message: %w", err)
	}
	return msg, nil
}

// SendSingle connects, sends one reading and waits for the acknowledgment.
func (d *Device) SendSingle(ctx context.Context, wait time.Duration) (map[string]any, error) {
	if err := d.Connect(ctx); err != nil {
		return nil, err
	}
	defer d.Close()

	d.conn.SetReadDeadline(time.Now().Add(wait))
	if _, err := d.SendSensorData(); err != nil {
		return nil, fmt.Errorf("failed to send data: %w", err)
	}

	for {
		msg, err := d.Receive()
		if err != nil {
			return nil, err
		}
		switch msg["type"] {
		case "data_received":
			return msg, nil
		case "error":
			return msg, fmt.Errorf("server error: %v", msg["message"])
		}
	}
}

// Run streams readings and heartbeats until ctx ends or Duration elapses.
func (d *Device) Run(ctx context.Context, opts Options) error {
	if err := d.Connect(ctx); err != nil {
		return err
	}
	defer d.Close()

	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	readErr := make(chan error, 1)
	go func() {
		for {
			msg, err := d.Receive()
			if err != nil {
				readErr <- err
				return
			}
			d.logMessage(msg)
		}
	}()

	dataTicker := time.NewTicker(opts.DataInterval)
	defer dataTicker.Stop()
	heartbeatTicker := time.NewTicker(opts.HeartbeatInterval)
	defer heartbeatTicker.Stop()

	if err := d.sendData(); err != nil {
		return err
	}
	if err := d.SendHeartbeat(); err != nil {
		return fmt.Errorf("failed to send heartbeat: %w", err)
	}

	for {
		select {
		case <-dataTicker.C:
			if err := d.sendData(); err != nil {
				return err
			}
		case <-heartbeatTicker.C:
			if err := d.SendHeartbeat(); err != nil {
				return fmt.Errorf("failed to send heartbeat: %w", err)
			}
			d.logger.Debug("Heartbeat sent")
		case err := <-readErr:
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("connection closed: %w", err)
		case <-ctx.Done():
			d.logger.Info("Simulation finished")
			return nil
		}
	}
}

func (d *Device) sendData() error {
	payload, err := d.SendSensorData()
	if err != nil {
		return fmt.Errorf("failed to send data: %w", err)
	}
	d.logger.Info("Sent sensor data",
		zap.Float64p("air_temperature", payload.AirTemperature),
		zap.Float64p("air_humidity", payload.AirHumidity),
		zap.Float64p("soil_moisture", payload.SoilMoisture))
	return nil
}

func (d *Device) logMessage(msg map[string]any) {
	switch msg["type"] {
	case "connection_established":
		d.logger.Info("Connection confirmed by server")
	case "data_received":
		d.logger.Info("Server confirmed data receipt", zap.Any("reading_id", msg["reading_id"]))
	case "error":
		d.logger.Warn("Server error", zap.Any("message", msg["message"]))
	default:
		d.logger.Debug("Received", zap.Any("message", msg))
	}
}
