package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KevinKickass/FieldSense/internal/types"
	"github.com/jackc/pgx/v5"
)

const readingColumns = `id, device_id, timestamp,
	air_temperature, air_humidity, soil_moisture, soil_ph, wind_speed,
	wind_direction, nitrogen, phosphorus, potassium, rainfall`

func scanReading(row pgx.Row) (*types.SensorReading, error) {
	var r types.SensorReading
	err := row.Scan(
		&r.ID, &r.DeviceID, &r.Timestamp,
		&r.AirTemperature, &r.AirHumidity, &r.SoilMoisture, &r.SoilPH, &r.WindSpeed,
		&r.WindDirection, &r.Nitrogen, &r.Phosphorus, &r.Potassium, &r.Rainfall,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func collectReadings(rows pgx.Rows) ([]types.SensorReading, error) {
	defer rows.Close()

	readings := make([]types.SensorReading, 0)
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		readings = append(readings, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read readings: %w", err)
	}
	return readings, nil
}

// CreateReading persists one sample. Absent fields are stored as NULL and
// the timestamp is assigned by the database.
func (p *PostgresClient) CreateReading(ctx context.Context, deviceID int64, m types.Measurements) (*types.SensorReading, error) {
	reading, err := scanReading(p.q.QueryRow(ctx, `
		INSERT INTO sensor_readings (
		  device_id, air_temperature, air_humidity, soil_moisture, soil_ph, wind_speed,
		  wind_direction, nitrogen, phosphorus, potassium, rainfall
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING `+readingColumns,
		deviceID,
		m.AirTemperature, m.AirHumidity, m.SoilMoisture, m.SoilPH, m.WindSpeed,
		m.WindDirection, m.Nitrogen, m.Phosphorus, m.Potassium, m.Rainfall,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create reading: %w", err)
	}
	return reading, nil
}

// LatestReadingFor returns nil without error when the device has no readings.
func (p *PostgresClient) LatestReadingFor(ctx context.Context, deviceID int64) (*types.SensorReading, error) {
	reading, err := scanReading(p.q.QueryRow(ctx, `
		SELECT `+readingColumns+`
		FROM sensor_readings
		WHERE device_id = $1
		ORDER BY timestamp DESC, id DESC
		LIMIT 1
	`, deviceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest reading: %w", err)
	}
	return reading, nil
}

func (p *PostgresClient) LatestNReadingsFor(ctx context.Context, deviceID int64, n int) ([]types.SensorReading, error) {
	if n <= 0 {
		return []types.SensorReading{}, nil
	}

	rows, err := p.q.Query(ctx, `
		SELECT `+readingColumns+`
		FROM sensor_readings
		WHERE device_id = $1
		ORDER BY timestamp DESC, id DESC
		LIMIT $2
	`, deviceID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	return collectReadings(rows)
}

// ReadingsInRange returns readings with from <= timestamp < to, newest first.
func (p *PostgresClient) ReadingsInRange(ctx context.Context, deviceID int64, from, to time.Time, limit int) ([]types.SensorReading, error) {
	if limit <= 0 {
		return []types.SensorReading{}, nil
	}

	rows, err := p.q.Query(ctx, `
		SELECT `+readingColumns+`
		FROM sensor_readings
		WHERE device_id = $1 AND timestamp >= $2 AND timestamp < $3
		ORDER BY timestamp DESC, id DESC
		LIMIT $4
	`, deviceID, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query reading range: %w", err)
	}
	return collectReadings(rows)
}
