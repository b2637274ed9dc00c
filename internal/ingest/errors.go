package ingest

import (
	"errors"
	"fmt"

	"drone_telemetry/internal/validation"
)

// ErrNoState is returned by LastState when nothing is known about a device.
var ErrNoState = errors.New("ingest: no state for device")

// MalformedPayloadError reports a payload that is not a non-empty JSON array
// of objects.
type MalformedPayloadError struct {
	Reason string
	Err    error
}

func (e *MalformedPayloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed payload: %s: %v", e.Reason, e.Err)
	}
	return "malformed payload: " + e.Reason
}

func (e *MalformedPayloadError) Unwrap() error { return e.Err }

// ValidationError carries one entry per invalid record. Nothing from the
// batch was written.
type ValidationError struct {
	Records []validation.RecordViolations
	Total   int
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %d of %d records invalid", len(e.Records), e.Total)
}

// PersistenceError reports a failed durable write. The cache was not
// updated.
type PersistenceError struct {
	Collection string
	Err        error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Collection, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
