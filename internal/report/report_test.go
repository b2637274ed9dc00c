package report

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drone_telemetry/internal/storage"
	"drone_telemetry/internal/telemetry"
	"drone_telemetry/internal/telemetry/telemetrytest"
)

func event(mode telemetry.Mode, ts, area string) telemetry.Record {
	r := telemetrytest.Record("D1", mode, 0)
	r.Timestamp = ts
	r.CoveredArea = area
	return r
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	for _, s := range []string{"2024-01-01T10:00:00Z", "2024-01-01T10:00:00", "2024-01-01 10:00:00", " 2024-01-01T10:00:00 "} {
		got, err := ParseTimestamp(s)
		require.NoError(t, err, s)
		assert.True(t, want.Equal(got), s)
	}

	_, err := ParseTimestamp("yesterday")
	assert.Error(t, err)
}

func TestSummarize(t *testing.T) {
	events := []telemetry.Record{
		event(telemetry.ModeActivated, "2024-01-01T10:00:00", "0"),
		event(telemetry.ModeDeactivated, "2024-01-01T10:30:00", "1.5"),
		event(telemetry.ModeActivated, "2024-01-01T11:00:00", "0"),
		event(telemetry.ModeDeactivated, "2024-01-01T12:00:00", "2.25"),
	}

	s := Summarize("D1", events)

	assert.Equal(t, "D1", s.DeviceID)
	assert.InDelta(t, 3.75, s.Distance, 1e-9)
	assert.Equal(t, 90*time.Minute, s.FlyingTime)
	assert.InDelta(t, 1.5, s.Hours, 1e-9)
	assert.Equal(t, 2, s.Flights)
	assert.Equal(t, 4, s.Events)
	assert.Zero(t, s.Skipped)
}

func TestSummarizeUnpairedEvents(t *testing.T) {
	events := []telemetry.Record{
		event(telemetry.ModeDeactivated, "2024-01-01T09:00:00", "1"),
		event(telemetry.ModeActivated, "2024-01-01T10:00:00", "0"),
		event(telemetry.ModeActivated, "2024-01-01T10:15:00", "0"),
		event(telemetry.ModeDeactivated, "2024-01-01T10:45:00", "2"),
		event(telemetry.ModeActivated, "2024-01-01T11:00:00", "0"),
	}

	s := Summarize("D1", events)

	assert.InDelta(t, 3.0, s.Distance, 1e-9, "every flight-end contributes its area")
	assert.Equal(t, 30*time.Minute, s.FlyingTime, "later start replaces an open one")
	assert.Equal(t, 1, s.Flights)
}

func TestSummarizeSkipsUnparseable(t *testing.T) {
	events := []telemetry.Record{
		event(telemetry.ModeActivated, "soon", "0"),
		event(telemetry.ModeDeactivated, "2024-01-01T10:45:00", "n/a"),
	}

	s := Summarize("D1", events)

	assert.Equal(t, 2, s.Skipped)
	assert.Zero(t, s.Distance)
	assert.Zero(t, s.Flights)
}

type fakeSource struct {
	events []telemetry.Record
	err    error
	q      storage.RangeQuery
}

func (f *fakeSource) QueryTrips(_ context.Context, q storage.RangeQuery) ([]telemetry.Record, error) {
	f.q = q
	return f.events, f.err
}

func TestBuild(t *testing.T) {
	src := &fakeSource{events: []telemetry.Record{event(telemetry.ModeDeactivated, "2024-01-01T10:00:00", "4")}}
	q := storage.RangeQuery{DeviceID: "D1", Limit: 10}

	s, err := Build(context.Background(), src, q)
	require.NoError(t, err)
	assert.Equal(t, q, src.q)
	assert.InDelta(t, 4.0, s.Distance, 1e-9)

	src.err = errors.New("down")
	_, err = Build(context.Background(), src, q)
	assert.ErrorContains(t, err, "query trips")
}
