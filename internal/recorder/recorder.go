// Package recorder archives vehicle snapshots to Postgres so telemetry
// survives longer than the broker's retained messages.
package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bmwcd/connecteddrive/pkg/vehicle"
)

// DB is the slice of pgxpool.Pool the recorder uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// Recorder writes snapshots to the vehicle_snapshots table.
type Recorder struct {
	db DB
}

// Open connects to dsn and creates the snapshot table if it does not exist.
func Open(ctx context.Context, dsn string) (*Recorder, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	r := New(pool)
	if err := r.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

// New wraps an existing connection. Open is the usual entry point; New exists
// so tests can substitute the database.
func New(db DB) *Recorder {
	return &Recorder{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS vehicle_snapshots (
    id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
    vin VARCHAR(17) NOT NULL,
    car_name TEXT NOT NULL,
    powertrain TEXT NOT NULL,
    attributes JSONB NOT NULL,
    recorded_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_vehicle_snapshots_vin_recorded_at ON vehicle_snapshots(vin, recorded_at DESC);
`

func (r *Recorder) ensureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

const insertSnapshot = `
INSERT INTO vehicle_snapshots (vin, car_name, powertrain, attributes)
VALUES ($1, $2, $3, $4)
`

// Record inserts one row per snapshot. It stops at the first failure so a
// broken connection surfaces once instead of once per vehicle.
func (r *Recorder) Record(ctx context.Context, snapshots []vehicle.Snapshot) error {
	for i := range snapshots {
		snapshot := &snapshots[i]
		attributes, err := json.Marshal(snapshot.Attributes)
		if err != nil {
			return fmt.Errorf("failed to encode attributes of %s: %w", snapshot.VIN, err)
		}
		_, err = r.db.Exec(ctx, insertSnapshot,
			snapshot.VIN,
			snapshot.CarName,
			string(snapshot.Powertrain),
			string(attributes),
		)
		if err != nil {
			return fmt.Errorf("failed to record snapshot of %s: %w", snapshot.VIN, err)
		}
	}
	return nil
}

// StoredSnapshot is one archived row.
type StoredSnapshot struct {
	VIN        string
	CarName    string
	Powertrain vehicle.Powertrain
	Attributes map[string]string
	RecordedAt time.Time
}

const recentSnapshots = `
SELECT vin, car_name, powertrain, attributes, recorded_at
FROM vehicle_snapshots
WHERE vin = $1
ORDER BY recorded_at DESC
LIMIT $2
`

// Recent returns the newest limit snapshots for vin, newest first.
func (r *Recorder) Recent(ctx context.Context, vin string, limit int) ([]StoredSnapshot, error) {
	rows, err := r.db.Query(ctx, recentSnapshots, vin, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var stored []StoredSnapshot
	for rows.Next() {
		var (
			s          StoredSnapshot
			powertrain string
			attributes []byte
		)
		if err := rows.Scan(&s.VIN, &s.CarName, &powertrain, &attributes, &s.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		s.Powertrain = vehicle.Powertrain(powertrain)
		if err := json.Unmarshal(attributes, &s.Attributes); err != nil {
			return nil, fmt.Errorf("failed to decode attributes of %s: %w", s.VIN, err)
		}
		stored = append(stored, s)
	}
	return stored, rows.Err()
}

// Close releases the connection pool.
func (r *Recorder) Close() {
	r.db.Close()
}
