// Package report aggregates trip events into per-drone distance and
// flying-time figures.
package report

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"drone_telemetry/internal/storage"
	"drone_telemetry/internal/telemetry"
)

// Timestamp layouts accepted for the T field.
var layouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTimestamp parses a record timestamp. Layouts without a zone are
// read as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// Source returns trip events for a device in receive order.
type Source interface {
	QueryTrips(ctx context.Context, q storage.RangeQuery) ([]telemetry.Record, error)
}

// Summary is the aggregate over one device's trip events.
type Summary struct {
	DeviceID   string        `json:"device_id"`
	Distance   float64       `json:"distance"`
	FlyingTime time.Duration `json:"-"`
	Hours      float64       `json:"flying_hours"`
	Flights    int           `json:"flights"`
	Events     int           `json:"events"`

	// Skipped counts events whose covered area or timestamp could not be
	// parsed.
	Skipped int `json:"skipped,omitempty"`
}

// Summarize aggregates trip events. Distance is the sum of the covered area
// reported by every flight-end event. Flying time pairs each start with the
// next end; an end without an open start, or a start whose end never
// arrives, adds nothing.
func Summarize(deviceID string, events []telemetry.Record) Summary {
	s := Summary{DeviceID: deviceID, Events: len(events)}

	var (
		open    bool
		started time.Time
	)
	for _, ev := range events {
		switch ev.ActivationMode {
		case telemetry.ModeActivated:
			t, err := ParseTimestamp(ev.Timestamp)
			if err != nil {
				s.Skipped++
				continue
			}
			open, started = true, t

		case telemetry.ModeDeactivated:
			area, err := strconv.ParseFloat(strings.TrimSpace(ev.CoveredArea), 64)
			if err != nil {
				s.Skipped++
			} else {
				s.Distance += area
			}

			if !open {
				continue
			}
			t, err := ParseTimestamp(ev.Timestamp)
			if err != nil {
				s.Skipped++
				continue
			}
			if d := t.Sub(started); d > 0 {
				s.FlyingTime += d
				s.Flights++
			}
			open = false
		}
	}

	s.Hours = s.FlyingTime.Hours()
	return s
}

// Build queries trip events for q and summarizes them.
func Build(ctx context.Context, src Source, q storage.RangeQuery) (Summary, error) {
	events, err := src.QueryTrips(ctx, q)
	if err != nil {
		return Summary{}, fmt.Errorf("query trips: %w", err)
	}
	return Summarize(q.DeviceID, events), nil
}
