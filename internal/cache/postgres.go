package cache

import (
	"context"
)

// RowStore is the subset of storage.PostgresDB used for cache entries.
// GetDeviceState returns nil, nil when the key does not exist.
type RowStore interface {
	GetDeviceState(ctx context.Context, key string) ([]byte, error)
	PutDeviceState(ctx context.Context, key string, value []byte) error
	InsertDeviceState(ctx context.Context, key string, value []byte) (bool, error)
}

// Postgres is a KV backed by the device_state table.
type Postgres struct {
	rows RowStore
}

// NewPostgres returns a KV over rows.
func NewPostgres(rows RowStore) *Postgres {
	return &Postgres{rows: rows}
}

// Load implements KV.
func (p *Postgres) Load(ctx context.Context, key string) ([]byte, error) {
	b, err := p.rows.GetDeviceState(ctx, key)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, ErrNotFound
	}
	return b, nil
}

// Store implements KV.
func (p *Postgres) Store(ctx context.Context, key string, value []byte) error {
	return p.rows.PutDeviceState(ctx, key, value)
}

// StoreIfAbsent implements KV.
func (p *Postgres) StoreIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	return p.rows.InsertDeviceState(ctx, key, value)
}
