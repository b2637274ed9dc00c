package storage

import (
	"context"
	"fmt"
)

// Store backends.
const (
	BackendClickHouse = "clickhouse"
	BackendSQLite     = "sqlite"
)

// Config holds database connection settings for every backend.
type Config struct {
	Backend    string
	ClickHouse ClickHouseConfig
	Postgres   PostgresConfig
	SQLitePath string
}

// DefaultConfig returns a configuration with default local development settings.
func DefaultConfig() Config {
	return Config{
		Backend: BackendClickHouse,
		ClickHouse: ClickHouseConfig{
			Host:     "localhost",
			Port:     9000,
			Database: "telemetry",
			User:     "default",
			Password: "",
		},
		Postgres: PostgresConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "drone_state",
			User:     "drone",
			Password: "drone",
		},
		SQLitePath: "telemetry.db",
	}
}

// OpenStore opens the durable store selected by cfg.Backend and makes sure
// its collections exist.
func OpenStore(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendClickHouse, "":
		ch, err := OpenClickHouse(ctx, cfg.ClickHouse)
		if err != nil {
			return nil, fmt.Errorf("clickhouse: %w", err)
		}
		if err := ch.CreateSchema(ctx); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("clickhouse schema: %w", err)
		}
		return ch, nil

	case BackendSQLite:
		db, err := OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		return db, nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// OpenStateDB opens PostgreSQL for the device_state table and creates it if
// needed.
func OpenStateDB(ctx context.Context, cfg Config) (*PostgresDB, error) {
	pg, err := OpenPostgres(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	if err := pg.CreateSchema(ctx); err != nil {
		pg.Close()
		return nil, fmt.Errorf("postgres schema: %w", err)
	}
	return pg, nil
}
