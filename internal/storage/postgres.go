package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// PostgresDB wraps a PostgreSQL connection pool for device state storage.
type PostgresDB struct {
	pool *pgxpool.Pool
}

// OpenPostgres opens a connection pool to PostgreSQL.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresDB, error) {
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	// Test the connection.
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresDB{pool: pool}, nil
}

// Close closes the PostgreSQL connection pool.
func (d *PostgresDB) Close() {
	d.pool.Close()
}

// CreateSchema creates the PostgreSQL tables.
func (d *PostgresDB) CreateSchema(ctx context.Context) error {
	schema := `
	-- Last known state per device, one row per namespaced key.
	CREATE TABLE IF NOT EXISTS device_state (
		key             TEXT PRIMARY KEY,
		state           JSONB NOT NULL,
		write_count     INTEGER NOT NULL DEFAULT 1,
		first_seen      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_device_state_updated ON device_state(updated_at);
	`

	_, err := d.pool.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// PutDeviceState inserts or overwrites the state stored under key.
func (d *PostgresDB) PutDeviceState(ctx context.Context, key string, state []byte) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO device_state (key, state)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET
			state = EXCLUDED.state,
			write_count = device_state.write_count + 1,
			updated_at = NOW()
	`, key, state)
	return err
}

// InsertDeviceState stores state under key unless the key already exists.
// It reports whether a row was written.
func (d *PostgresDB) InsertDeviceState(ctx context.Context, key string, state []byte) (bool, error) {
	tag, err := d.pool.Exec(ctx, `
		INSERT INTO device_state (key, state)
		VALUES ($1, $2)
		ON CONFLICT (key) DO NOTHING
	`, key, state)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// GetDeviceState retrieves the state stored under key.
func (d *PostgresDB) GetDeviceState(ctx context.Context, key string) ([]byte, error) {
	var state []byte
	err := d.pool.QueryRow(ctx, `SELECT state FROM device_state WHERE key = $1`, key).Scan(&state)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return state, nil
}
