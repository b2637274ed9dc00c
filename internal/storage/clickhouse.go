package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"drone_telemetry/internal/telemetry"
)

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// ClickHouseDB wraps a ClickHouse connection for telemetry storage.
type ClickHouseDB struct {
	conn driver.Conn
	now  func() time.Time
}

// OpenClickHouse opens a connection to ClickHouse.
func OpenClickHouse(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}

	// Test the connection.
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	return &ClickHouseDB{conn: conn, now: time.Now}, nil
}

// Close closes the ClickHouse connection.
func (d *ClickHouseDB) Close() error {
	return d.conn.Close()
}

// clickhouseTable returns the DDL for one telemetry collection. Numeric
// fields get numeric columns, everything else is stored as sent.
func clickhouseTable(table string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", table)
	for _, f := range telemetry.Fields {
		typ := "String"
		switch {
		case f.Column == "device_id":
			typ = "LowCardinality(String)"
		case f.Kind == telemetry.KindNumber:
			typ = "Float64"
		case f.Kind == telemetry.KindInteger:
			typ = "Int32"
		}
		fmt.Fprintf(&b, "\t%s %s,\n", f.Column, typ)
	}
	b.WriteString("\tbatch_id String,\n")
	b.WriteString("\treceived_at DateTime64(3)\n")
	b.WriteString(")\n")
	b.WriteString("ENGINE = MergeTree()\n")
	b.WriteString("PARTITION BY toYYYYMM(received_at)\n")
	b.WriteString("ORDER BY (device_id, received_at, packet_seq)")
	return b.String()
}

// CreateSchema creates the ClickHouse tables.
func (d *ClickHouseDB) CreateSchema(ctx context.Context) error {
	for _, table := range []string{TableTelemetry, TableTrips} {
		if err := d.conn.Exec(ctx, clickhouseTable(table)); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	// Skip index on activation mode for trip lookups (ignore error if already exists).
	_ = d.conn.Exec(ctx, `ALTER TABLE drone_trip_data ADD INDEX IF NOT EXISTS idx_activation_mode activation_mode TYPE set(8) GRANULARITY 1`)

	return nil
}

// InsertTelemetry appends records to the raw collection.
func (d *ClickHouseDB) InsertTelemetry(ctx context.Context, batchID string, recs telemetry.Batch) error {
	return d.insertBatch(ctx, TableTelemetry, batchID, recs)
}

// InsertTripEvents appends records to the trip collection.
func (d *ClickHouseDB) InsertTripEvents(ctx context.Context, batchID string, recs telemetry.Batch) error {
	return d.insertBatch(ctx, TableTrips, batchID, recs)
}

func (d *ClickHouseDB) insertBatch(ctx context.Context, table, batchID string, recs telemetry.Batch) error {
	if len(recs) == 0 {
		return nil
	}

	batch, err := d.conn.PrepareBatch(ctx, insertStatement(table))
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	receivedAt := d.now().UTC()
	for i := range recs {
		if err := batch.Append(rowValues(&recs[i], batchID, receivedAt)...); err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}

	return nil
}

// QueryTelemetry returns raw records for one device in receive order.
func (d *ClickHouseDB) QueryTelemetry(ctx context.Context, q RangeQuery) ([]telemetry.Record, error) {
	return d.queryRange(ctx, TableTelemetry, q)
}

// QueryTrips returns trip events for one device in receive order.
func (d *ClickHouseDB) QueryTrips(ctx context.Context, q RangeQuery) ([]telemetry.Record, error) {
	return d.queryRange(ctx, TableTrips, q)
}

func chTime(t time.Time) any { return t.UTC() }

func (d *ClickHouseDB) queryRange(ctx context.Context, table string, q RangeQuery) ([]telemetry.Record, error) {
	where, args := q.where(chTime)
	query := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY received_at, packet_seq LIMIT %d",
		selectColumns(), table, where, q.limit())

	rows, err := d.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	var recs []telemetry.Record
	for rows.Next() {
		var r telemetry.Record
		if err := rows.Scan(r.ScanTargets()...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		recs = append(recs, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return recs, nil
}

// LatestTelemetry returns the most recently received record for a device
// across both collections, or nil if none exists.
func (d *ClickHouseDB) LatestTelemetry(ctx context.Context, deviceID string) (*telemetry.Record, error) {
	var (
		latest *telemetry.Record
		at     time.Time
	)
	for _, table := range []string{TableTelemetry, TableTrips} {
		query := fmt.Sprintf("SELECT %s, received_at FROM %s WHERE device_id = ? ORDER BY received_at DESC, packet_seq DESC LIMIT 1",
			selectColumns(), table)

		var r telemetry.Record
		var receivedAt time.Time
		err := d.conn.QueryRow(ctx, query, deviceID).Scan(append(r.ScanTargets(), &receivedAt)...)
		if err != nil {
			if isNoRows(err) {
				continue
			}
			return nil, fmt.Errorf("latest %s: %w", table, err)
		}
		if latest == nil || receivedAt.After(at) {
			latest, at = &r, receivedAt
		}
	}
	return latest, nil
}

// Devices returns the distinct device IDs seen in the raw collection.
func (d *ClickHouseDB) Devices(ctx context.Context) ([]string, error) {
	rows, err := d.conn.Query(ctx, `SELECT DISTINCT device_id FROM drone_data ORDER BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Count returns the number of rows stored for a device in table.
func (d *ClickHouseDB) Count(ctx context.Context, table, deviceID string) (uint64, error) {
	if table != TableTelemetry && table != TableTrips {
		return 0, fmt.Errorf("invalid table: %s", table)
	}
	var count uint64
	err := d.conn.QueryRow(ctx, fmt.Sprintf("SELECT count() FROM %s WHERE device_id = ?", table), deviceID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return count, nil
}
