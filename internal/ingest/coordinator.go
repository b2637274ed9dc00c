// Package ingest runs one telemetry batch through validation, classification,
// durable storage and the state cache.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"drone_telemetry/internal/cache"
	"drone_telemetry/internal/classify"
	"drone_telemetry/internal/metrics"
	"drone_telemetry/internal/storage"
	"drone_telemetry/internal/telemetry"
	"drone_telemetry/internal/validation"
)

// Store is the durable side of ingestion.
type Store interface {
	InsertTelemetry(ctx context.Context, batchID string, recs telemetry.Batch) error
	InsertTripEvents(ctx context.Context, batchID string, recs telemetry.Batch) error
	LatestTelemetry(ctx context.Context, deviceID string) (*telemetry.Record, error)
}

// Cache holds the last known record per device. Get returns
// cache.ErrNotFound for unknown devices. SetIfAbsent must not replace an
// existing entry.
type Cache interface {
	Get(ctx context.Context, deviceID string) (telemetry.Record, error)
	Set(ctx context.Context, deviceID string, rec telemetry.Record) error
	SetIfAbsent(ctx context.Context, deviceID string, rec telemetry.Record) (bool, error)
}

// Notifier is told about every new device state.
type Notifier interface {
	PublishState(ctx context.Context, rec telemetry.Record) error
}

// Config wires a Coordinator. Store and Cache are required.
type Config struct {
	Store     Store
	Cache     Cache
	Validator *validation.Validator
	Notifier  Notifier
	Metrics   *metrics.Collector
	Logger    *slog.Logger

	// FallbackToStore makes LastState read the durable store when the cache
	// has no entry or is unreachable.
	FallbackToStore bool
}

// Result describes a stored batch.
type Result struct {
	BatchID        string
	DeviceID       string
	Records        int
	PrimaryWritten int
	TripWritten    int
	Kind           classify.Kind
	Transition     bool

	// Degraded is set when the batch is durable but the cache could not be
	// read or updated.
	Degraded bool
}

// Coordinator ingests telemetry batches. It holds no per-batch state and is
// safe for concurrent use.
type Coordinator struct {
	store     Store
	cache     Cache
	validator *validation.Validator
	notifier  Notifier
	metrics   *metrics.Collector
	logger    *slog.Logger
	fallback  bool
	newID     func() string
}

// NewCoordinator returns a Coordinator for cfg.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errors.New("ingest: store is required")
	}
	if cfg.Cache == nil {
		return nil, errors.New("ingest: cache is required")
	}

	v := cfg.Validator
	if v == nil {
		var err error
		if v, err = validation.New(); err != nil {
			return nil, err
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Coordinator{
		store:     cfg.Store,
		cache:     cfg.Cache,
		validator: v,
		notifier:  cfg.Notifier,
		metrics:   cfg.Metrics,
		logger:    logger,
		fallback:  cfg.FallbackToStore,
		newID:     uuid.NewString,
	}, nil
}

// Ingest decodes, validates, classifies and stores one batch. Durable writes
// happen before the cache update; a failed durable write leaves the cache
// untouched.
func (c *Coordinator) Ingest(ctx context.Context, payload []byte) (res Result, err error) {
	start := time.Now()
	defer func() {
		c.metrics.ObserveBatch(outcome(res, err), time.Since(start))
	}()

	items, err := decode(payload)
	if err != nil {
		return Result{}, err
	}

	if invalid := c.validator.ValidateBatch(items); len(invalid) > 0 {
		return Result{}, &ValidationError{Records: invalid, Total: len(items)}
	}

	batch := make(telemetry.Batch, len(items))
	for i, item := range items {
		if err := json.Unmarshal(item, &batch[i]); err != nil {
			return Result{}, &ValidationError{
				Records: []validation.RecordViolations{{
					Index:  i,
					Item:   item,
					Errors: []validation.Violation{decodeViolation(err)},
				}},
				Total: len(items),
			}
		}
	}

	res = Result{
		BatchID:  c.newID(),
		DeviceID: batch.DeviceID(),
		Records:  len(batch),
	}

	var prior *telemetry.Record
	rec, err := c.cache.Get(ctx, res.DeviceID)
	switch {
	case err == nil:
		prior = &rec
	case errors.Is(err, cache.ErrNotFound):
	default:
		c.metrics.CacheError("get")
		c.logger.Warn("state cache read failed, classifying without prior state",
			"device_id", res.DeviceID, "batch_id", res.BatchID, "error", err)
		res.Degraded = true
	}

	d := classify.Classify(batch, prior)
	res.Kind = d.Kind
	res.Transition = d.Transition()

	if d.Primary {
		if err := c.store.InsertTelemetry(ctx, res.BatchID, batch); err != nil {
			return res, &PersistenceError{Collection: storage.TableTelemetry, Err: err}
		}
		res.PrimaryWritten = len(batch)
		c.metrics.AddRecords(storage.TableTelemetry, len(batch))
	}

	if d.Trip {
		if err := c.store.InsertTripEvents(ctx, res.BatchID, d.Batch); err != nil {
			return res, &PersistenceError{Collection: storage.TableTrips, Err: err}
		}
		res.TripWritten = len(d.Batch)
		c.metrics.AddRecords(storage.TableTrips, len(d.Batch))
	}

	last := d.Batch.Last()
	if err := c.cache.Set(ctx, last.DeviceID, last); err != nil {
		c.metrics.CacheError("set")
		c.logger.Warn("state cache update failed, batch is durable",
			"device_id", last.DeviceID, "batch_id", res.BatchID, "error", err)
		res.Degraded = true
	}

	if c.notifier != nil {
		if err := c.notifier.PublishState(ctx, last); err != nil {
			c.logger.Warn("state publish failed", "device_id", last.DeviceID, "error", err)
		}
	}

	c.logger.Info("batch stored",
		"batch_id", res.BatchID,
		"device_id", res.DeviceID,
		"records", res.Records,
		"kind", res.Kind,
		"primary", res.PrimaryWritten,
		"trip", res.TripWritten,
		"degraded", res.Degraded,
	)

	return res, nil
}

// LastState returns the last known record of a device, reading the durable
// store when the cache cannot answer and fallback is enabled.
func (c *Coordinator) LastState(ctx context.Context, deviceID string) (telemetry.Record, error) {
	rec, err := c.cache.Get(ctx, deviceID)
	if err == nil {
		return rec, nil
	}

	missing := errors.Is(err, cache.ErrNotFound)
	if !missing {
		c.metrics.CacheError("get")
		c.logger.Warn("state cache read failed", "device_id", deviceID, "error", err)
	}

	if !c.fallback {
		if missing {
			return telemetry.Record{}, ErrNoState
		}
		return telemetry.Record{}, fmt.Errorf("read state: %w", err)
	}

	latest, err := c.store.LatestTelemetry(ctx, deviceID)
	if err != nil {
		return telemetry.Record{}, fmt.Errorf("read latest telemetry: %w", err)
	}
	if latest == nil {
		return telemetry.Record{}, ErrNoState
	}

	// Warm a cold cache so the next read is served from it. A batch
	// ingested since the miss owns the entry and its state wins.
	if missing {
		wrote, err := c.cache.SetIfAbsent(ctx, deviceID, *latest)
		if err != nil {
			c.metrics.CacheError("set")
			c.logger.Warn("state cache warm failed", "device_id", deviceID, "error", err)
		}
		if err == nil && !wrote {
			if cur, err := c.cache.Get(ctx, deviceID); err == nil {
				return cur, nil
			}
		}
	}

	return *latest, nil
}

// decode splits a payload into its raw records.
func decode(payload []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(payload)
	if !json.Valid(trimmed) {
		return nil, &MalformedPayloadError{Reason: "not valid JSON"}
	}
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, &MalformedPayloadError{Reason: "not an array"}
	}

	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, &MalformedPayloadError{Reason: "not an array", Err: err}
	}
	if len(items) == 0 {
		return nil, &MalformedPayloadError{Reason: "empty batch"}
	}
	return items, nil
}

// decodeViolation reports a record the schema accepted but Record could not
// hold.
func decodeViolation(err error) validation.Violation {
	v := validation.Violation{
		SchemaPath: "#",
		Keyword:    validation.KeywordType,
		Params:     map[string]any{},
		Message:    err.Error(),
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		v.InstancePath = "/" + typeErr.Field
		v.SchemaPath = "#/properties/" + typeErr.Field + "/type"
		v.Params["type"] = typeErr.Type.String()
	}
	return v
}

func outcome(res Result, err error) string {
	var (
		malformed *MalformedPayloadError
		invalid   *ValidationError
	)
	switch {
	case errors.As(err, &malformed):
		return metrics.OutcomeMalformed
	case errors.As(err, &invalid):
		return metrics.OutcomeInvalid
	case err != nil:
		return metrics.OutcomeFailed
	case res.Degraded:
		return metrics.OutcomeDegraded
	default:
		return metrics.OutcomeStored
	}
}
