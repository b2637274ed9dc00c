package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"drone_telemetry/internal/telemetry"
)

// SQLiteDB is a single-file telemetry store for local and edge deployments.
type SQLiteDB struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens or creates a SQLite database at the given path.
func OpenSQLite(path string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One writer; also keeps ":memory:" databases on a single connection.
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		// Enable WAL mode for better concurrent access.
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}

	if err := createSQLiteSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteDB{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (d *SQLiteDB) Close() error {
	return d.db.Close()
}

func sqliteTable(table string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", table)
	b.WriteString("\tid INTEGER PRIMARY KEY AUTOINCREMENT,\n")
	for _, f := range telemetry.Fields {
		typ := "TEXT NOT NULL"
		switch f.Kind {
		case telemetry.KindInteger:
			typ = "INTEGER NOT NULL"
		case telemetry.KindNumber:
			typ = "REAL NOT NULL"
		}
		fmt.Fprintf(&b, "\t%s %s,\n", f.Column, typ)
	}
	b.WriteString("\tbatch_id TEXT NOT NULL,\n")
	b.WriteString("\treceived_at INTEGER NOT NULL\n")
	b.WriteString(");\n")
	fmt.Fprintf(&b, "CREATE INDEX IF NOT EXISTS idx_%s_device ON %s(device_id, received_at);\n", table, table)
	return b.String()
}

// createSQLiteSchema creates the database tables and indices.
func createSQLiteSchema(db *sql.DB) error {
	for _, table := range []string{TableTelemetry, TableTrips} {
		if _, err := db.Exec(sqliteTable(table)); err != nil {
			return err
		}
	}
	return nil
}

// received_at is stored as Unix milliseconds.
func sqliteTime(t time.Time) any { return t.UnixMilli() }

// InsertTelemetry appends records to the raw collection.
func (d *SQLiteDB) InsertTelemetry(ctx context.Context, batchID string, recs telemetry.Batch) error {
	return d.insertBatch(ctx, TableTelemetry, batchID, recs)
}

// InsertTripEvents appends records to the trip collection.
func (d *SQLiteDB) InsertTripEvents(ctx context.Context, batchID string, recs telemetry.Batch) error {
	return d.insertBatch(ctx, TableTrips, batchID, recs)
}

// insertBatch writes all records in one transaction so a batch is stored
// whole or not at all.
func (d *SQLiteDB) insertBatch(ctx context.Context, table, batchID string, recs telemetry.Batch) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(telemetry.Fields)+2), ", ")
	stmt, err := tx.PrepareContext(ctx, insertStatement(table)+" VALUES ("+placeholders+")")
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	receivedAt := sqliteTime(d.now())
	for i := range recs {
		if _, err := stmt.ExecContext(ctx, rowValues(&recs[i], batchID, receivedAt)...); err != nil {
			return fmt.Errorf("insert %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// QueryTelemetry returns raw records for one device in receive order.
func (d *SQLiteDB) QueryTelemetry(ctx context.Context, q RangeQuery) ([]telemetry.Record, error) {
	return d.queryRange(ctx, TableTelemetry, q)
}

// QueryTrips returns trip events for one device in receive order.
func (d *SQLiteDB) QueryTrips(ctx context.Context, q RangeQuery) ([]telemetry.Record, error) {
	return d.queryRange(ctx, TableTrips, q)
}

func (d *SQLiteDB) queryRange(ctx context.Context, table string, q RangeQuery) ([]telemetry.Record, error) {
	where, args := q.where(sqliteTime)
	query := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY received_at, id LIMIT %d",
		selectColumns(), table, where, q.limit())

	rows, err := d.db.QueryContext(ctx, query, args...)
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

	return recs, rows.Err()
}

// LatestTelemetry returns the most recently received record for a device
// across both collections, or nil if none exists.
func (d *SQLiteDB) LatestTelemetry(ctx context.Context, deviceID string) (*telemetry.Record, error) {
	var (
		latest *telemetry.Record
		at     int64
	)
	for _, table := range []string{TableTelemetry, TableTrips} {
		query := fmt.Sprintf("SELECT %s, received_at FROM %s WHERE device_id = ? ORDER BY received_at DESC, id DESC LIMIT 1",
			selectColumns(), table)

		var r telemetry.Record
		var receivedAt int64
		err := d.db.QueryRowContext(ctx, query, deviceID).Scan(append(r.ScanTargets(), &receivedAt)...)
		if isNoRows(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("latest %s: %w", table, err)
		}
		if latest == nil || receivedAt > at {
			latest, at = &r, receivedAt
		}
	}
	return latest, nil
}

// Devices returns the distinct device IDs seen in the raw collection.
func (d *SQLiteDB) Devices(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT DISTINCT device_id FROM drone_data ORDER BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Count returns the number of rows stored for a device in table.
func (d *SQLiteDB) Count(ctx context.Context, table, deviceID string) (int, error) {
	if table != TableTelemetry && table != TableTrips {
		return 0, fmt.Errorf("invalid table: %s", table)
	}
	var count int
	err := d.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE device_id = ?", table), deviceID).Scan(&count)
	return count, err
}
