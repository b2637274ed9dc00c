// Package storage provides durable storage for drone telemetry: the raw
// collection, the trip-event collection and the Postgres-backed state table.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"drone_telemetry/internal/telemetry"
)

// Collection names shared by every backend.
const (
	TableTelemetry = "drone_data"
	TableTrips     = "drone_trip_data"
)

// DefaultLimit caps range queries that do not set one.
const DefaultLimit = 1000

// Store is a durable telemetry store.
type Store interface {
	InsertTelemetry(ctx context.Context, batchID string, recs telemetry.Batch) error
	InsertTripEvents(ctx context.Context, batchID string, recs telemetry.Batch) error
	LatestTelemetry(ctx context.Context, deviceID string) (*telemetry.Record, error)
	QueryTelemetry(ctx context.Context, q RangeQuery) ([]telemetry.Record, error)
	QueryTrips(ctx context.Context, q RangeQuery) ([]telemetry.Record, error)
	Devices(ctx context.Context) ([]string, error)
	Close() error
}

// RangeQuery selects one device's rows by receive time. Zero bounds are
// open.
type RangeQuery struct {
	DeviceID string
	From     time.Time
	To       time.Time
	Limit    int
}

// where builds the WHERE clause and arguments for q. ts converts the time
// bounds into the backend's received_at representation.
func (q RangeQuery) where(ts func(time.Time) any) (string, []any) {
	conditions := []string{"device_id = ?"}
	args := []any{q.DeviceID}

	if !q.From.IsZero() {
		conditions = append(conditions, "received_at >= ?")
		args = append(args, ts(q.From))
	}
	if !q.To.IsZero() {
		conditions = append(conditions, "received_at < ?")
		args = append(args, ts(q.To))
	}

	return " WHERE " + strings.Join(conditions, " AND "), args
}

func (q RangeQuery) limit() int {
	if q.Limit > 0 {
		return q.Limit
	}
	return DefaultLimit
}

// selectColumns is the record column list in telemetry.Fields order.
func selectColumns() string {
	return strings.Join(telemetry.Columns(), ", ")
}

// insertStatement returns an INSERT prefix for table covering every record
// column plus batch_id and received_at.
func insertStatement(table string) string {
	cols := append(telemetry.Columns(), "batch_id", "received_at")
	return fmt.Sprintf("INSERT INTO %s (%s)", table, strings.Join(cols, ", "))
}

// rowValues returns the insert arguments for one record.
func rowValues(rec *telemetry.Record, batchID string, receivedAt any) []any {
	return append(rec.Values(), batchID, receivedAt)
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
