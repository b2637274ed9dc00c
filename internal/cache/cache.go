// Package cache keeps the last known telemetry record of every drone.
//
// Entries live in a key/value backend under fully qualified keys
// ("<namespace>:<deviceID>"). A State value never carries a mutable "current
// namespace": selecting a namespace returns a new view, so concurrent callers
// cannot observe each other's selection.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"drone_telemetry/internal/telemetry"
)

// DefaultNamespace is the namespace holding last-known state.
const DefaultNamespace = "state"

// ErrNotFound is returned when no entry exists for a device.
var ErrNotFound = errors.New("cache: entry not found")

// KV is a byte-level key/value backend. Load must return ErrNotFound for a
// missing key and any other error for backend failures. StoreIfAbsent writes
// only when the key does not exist and reports whether it wrote; the check
// and the write are atomic.
type KV interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, value []byte) error
	StoreIfAbsent(ctx context.Context, key string, value []byte) (bool, error)
}

// State is the last-known-state cache.
type State struct {
	kv        KV
	namespace string
}

// New returns a cache over kv using the given namespace. An empty namespace
// selects DefaultNamespace.
func New(kv KV, namespace string) *State {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &State{kv: kv, namespace: namespace}
}

// Namespace returns a view of the same backend scoped to namespace n.
func (s *State) Namespace(n string) *State {
	return New(s.kv, n)
}

// Key returns the fully qualified backend key for a device.
func (s *State) Key(deviceID string) string {
	return s.namespace + ":" + deviceID
}

// Get returns the cached record for deviceID, or ErrNotFound.
func (s *State) Get(ctx context.Context, deviceID string) (telemetry.Record, error) {
	var rec telemetry.Record
	b, err := s.kv.Load(ctx, s.Key(deviceID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return rec, ErrNotFound
		}
		return rec, fmt.Errorf("load %s: %w", s.Key(deviceID), err)
	}
	if err := json.Unmarshal(b, &rec); err != nil {
		return rec, fmt.Errorf("decode %s: %w", s.Key(deviceID), err)
	}
	return rec, nil
}

// SetIfAbsent stores rec only if deviceID has no entry yet. It never
// replaces state written by Set.
func (s *State) SetIfAbsent(ctx context.Context, deviceID string, rec telemetry.Record) (bool, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("encode %s: %w", s.Key(deviceID), err)
	}
	ok, err := s.kv.StoreIfAbsent(ctx, s.Key(deviceID), b)
	if err != nil {
		return false, fmt.Errorf("store %s: %w", s.Key(deviceID), err)
	}
	return ok, nil
}

// Set overwrites the cached record for deviceID. Last writer wins.
func (s *State) Set(ctx context.Context, deviceID string, rec telemetry.Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode %s: %w", s.Key(deviceID), err)
	}
	if err := s.kv.Store(ctx, s.Key(deviceID), b); err != nil {
		return fmt.Errorf("store %s: %w", s.Key(deviceID), err)
	}
	return nil
}
