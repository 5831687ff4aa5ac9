package storage

import (
	"context"
	"fmt"

	"github.com/KevinKickass/FieldSense/internal/config"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is satisfied by both the pool and a transaction, so the same
// query code serves direct calls and snapshot reads.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresClient struct {
	pool *pgxpool.Pool
	q    querier
}

func NewPostgresClient(ctx context.Context, cfg config.DatabaseConfig) (*PostgresClient, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse pool config: %w", err)
	}

	if cfg.MaxConnections > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConnections)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	client := &PostgresClient{pool: pool, q: pool}
	if err := client.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return client, nil
}

func (p *PostgresClient) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS devices (
  id BIGSERIAL PRIMARY KEY,
  device_uuid VARCHAR(100) NOT NULL UNIQUE,
  name VARCHAR(255) NOT NULL,
  status VARCHAR(50) NOT NULL DEFAULT 'offline',
  battery_level INTEGER CHECK (battery_level BETWEEN 0 AND 100),
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS sensor_readings (
  id BIGSERIAL PRIMARY KEY,
  device_id BIGINT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
  timestamp TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
  air_temperature DOUBLE PRECISION,
  air_humidity DOUBLE PRECISION,
  soil_moisture DOUBLE PRECISION,
  soil_ph DOUBLE PRECISION,
  wind_speed DOUBLE PRECISION,
  wind_direction VARCHAR(50),
  nitrogen DOUBLE PRECISION,
  phosphorus DOUBLE PRECISION,
  potassium DOUBLE PRECISION,
  rainfall DOUBLE PRECISION
);

CREATE INDEX IF NOT EXISTS idx_sensor_readings_device_timestamp
  ON sensor_readings(device_id, timestamp DESC);
`

	_, err := p.pool.Exec(ctx, schema)
	return err
}

// ReadSnapshot runs fn inside a read-only REPEATABLE READ transaction so
// every read fn performs sees the same point in time.
func (p *PostgresClient) ReadSnapshot(ctx context.Context, fn func(Reader) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return fmt.Errorf("failed to begin snapshot: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&PostgresClient{pool: p.pool, q: tx}); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresClient) Close() {
	p.pool.Close()
}

func (p *PostgresClient) Pool() *pgxpool.Pool {
	return p.pool
}
