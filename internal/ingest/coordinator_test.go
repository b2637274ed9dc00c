package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"drone_telemetry/internal/cache"
	"drone_telemetry/internal/classify"
	"drone_telemetry/internal/telemetry"
	"drone_telemetry/internal/telemetry/telemetrytest"
	"drone_telemetry/internal/validation"
)

type fakeStore struct {
	mu        sync.Mutex
	primary   telemetry.Batch
	trips     telemetry.Batch
	batchIDs  []string
	failWrite error
	latest    *telemetry.Record
	onLatest  func()
}

func (s *fakeStore) InsertTelemetry(_ context.Context, batchID string, recs telemetry.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrite != nil {
		return s.failWrite
	}
	s.primary = append(s.primary, recs...)
	s.batchIDs = append(s.batchIDs, batchID)
	return nil
}

func (s *fakeStore) InsertTripEvents(_ context.Context, batchID string, recs telemetry.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrite != nil {
		return s.failWrite
	}
	s.trips = append(s.trips, recs...)
	s.batchIDs = append(s.batchIDs, batchID)
	return nil
}

func (s *fakeStore) LatestTelemetry(context.Context, string) (*telemetry.Record, error) {
	if s.onLatest != nil {
		s.onLatest()
	}
	return s.latest, nil
}

type brokenKV struct {
	failLoad  bool
	failStore bool
	mem       *cache.Memory
}

func (b *brokenKV) Load(ctx context.Context, key string) ([]byte, error) {
	if b.failLoad {
		return nil, errors.New("redis: connection refused")
	}
	return b.mem.Load(ctx, key)
}

func (b *brokenKV) Store(ctx context.Context, key string, value []byte) error {
	if b.failStore {
		return errors.New("redis: connection refused")
	}
	return b.mem.Store(ctx, key, value)
}

func (b *brokenKV) StoreIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	if b.failStore {
		return false, errors.New("redis: connection refused")
	}
	return b.mem.StoreIfAbsent(ctx, key, value)
}

type recordingNotifier struct {
	mu     sync.Mutex
	states []telemetry.Record
}

func (n *recordingNotifier) PublishState(_ context.Context, rec telemetry.Record) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.states = append(n.states, rec)
	return nil
}

type harness struct {
	coord *Coordinator
	store *fakeStore
	state *cache.State
}

func newHarness(t *testing.T, kv cache.KV, fallback bool) harness {
	t.Helper()
	if kv == nil {
		kv = cache.NewMemory()
	}
	v, err := validation.New()
	require.NoError(t, err)

	store := &fakeStore{}
	state := cache.New(kv, "")
	coord, err := NewCoordinator(Config{
		Store:           store,
		Cache:           state,
		Validator:       v,
		FallbackToStore: fallback,
	})
	require.NoError(t, err)
	return harness{coord: coord, store: store, state: state}
}

func seed(t *testing.T, h harness, rec telemetry.Record) {
	t.Helper()
	require.NoError(t, h.state.Set(context.Background(), rec.DeviceID, rec))
}

func TestNewCoordinatorRequiresDependencies(t *testing.T) {
	_, err := NewCoordinator(Config{Cache: cache.New(cache.NewMemory(), "")})
	assert.Error(t, err)

	_, err = NewCoordinator(Config{Store: &fakeStore{}})
	assert.Error(t, err)
}

// Scenario A.
func TestFirstActivationWithoutPrior(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, true)

	res, err := h.coord.Ingest(ctx, telemetrytest.JSON(telemetrytest.Record("D1", telemetry.ModeActivated, 0)))
	require.NoError(t, err)

	assert.Equal(t, 1, res.PrimaryWritten)
	assert.Zero(t, res.TripWritten)
	assert.False(t, res.Transition)
	assert.False(t, res.Degraded)
	assert.NotEmpty(t, res.BatchID)
	assert.Len(t, h.store.primary, 1)
	assert.Empty(t, h.store.trips)

	got, err := h.state.Get(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, telemetry.ModeActivated, got.ActivationMode)
}

// Scenario B.
func TestFlightEndAfterActivation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, true)
	seed(t, h, telemetrytest.Record("D1", telemetry.ModeActivated, 0))

	end := telemetrytest.Record("D1", telemetry.ModeDeactivated, 5)
	end.Latitude = "18.1,18.2,18.3"
	end.Longitude = "73.1,73.2,73.3"

	res, err := h.coord.Ingest(ctx, telemetrytest.JSON(end))
	require.NoError(t, err)

	assert.Equal(t, classify.FlightEnd, res.Kind)
	assert.True(t, res.Transition)
	assert.Zero(t, res.PrimaryWritten, "flight-end batches skip the raw collection")
	require.Len(t, h.store.trips, 1)
	assert.Equal(t, "18.3", h.store.trips[0].Latitude)
	assert.Equal(t, "73.3", h.store.trips[0].Longitude)

	got, err := h.state.Get(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, telemetry.ModeDeactivated, got.ActivationMode)
	assert.Equal(t, "18.3", got.Latitude)
}

func TestDeactivationWithoutPriorWritesNothingDurable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, true)

	end := telemetrytest.Record("D1", telemetry.ModeDeactivated, 3)
	end.Latitude = "18.1,18.2"
	end.Longitude = "73.1,73.2"

	res, err := h.coord.Ingest(ctx, telemetrytest.JSON(end))
	require.NoError(t, err)

	assert.Equal(t, classify.FlightEnd, res.Kind)
	assert.False(t, res.Transition)
	assert.Zero(t, res.PrimaryWritten)
	assert.Zero(t, res.TripWritten)
	assert.False(t, res.Degraded)
	assert.Empty(t, h.store.primary)
	assert.Empty(t, h.store.trips)

	got, err := h.state.Get(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, telemetry.ModeDeactivated, got.ActivationMode)
	assert.Equal(t, "18.2", got.Latitude)
	assert.Equal(t, "73.2", got.Longitude)
}

func TestIntegralNumberFormsAreStored(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, true)

	raw := telemetrytest.JSON(telemetrytest.Record("D1", telemetry.ModeActivated, 1))
	raw = bytes.Replace(raw, []byte(`"AD":1,`), []byte(`"AD":1.0,`), 1)
	raw = bytes.Replace(raw, []byte(`"p":1,`), []byte(`"p":12.5,`), 1)

	res, err := h.coord.Ingest(ctx, raw)
	require.NoError(t, err)

	assert.Equal(t, classify.FlightStart, res.Kind)
	require.Len(t, h.store.primary, 1)
	assert.Equal(t, telemetry.ModeActivated, h.store.primary[0].ActivationMode)
	assert.Equal(t, 12.5, h.store.primary[0].PacketSeq)
}

// Scenario C and P2.
func TestInvalidRecordBlocksWholeBatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, true)

	bad := telemetrytest.Map(telemetrytest.Record("D1", telemetry.ModeActivated, 2))
	delete(bad, "l")
	payload := telemetrytest.JSON(telemetrytest.Record("D1", telemetry.ModeActivated, 1), bad)

	_, err := h.coord.Ingest(ctx, payload)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Records, 1)
	assert.Equal(t, 1, verr.Records[0].Index)
	require.Len(t, verr.Records[0].Errors, 1)
	assert.Equal(t, validation.KeywordRequired, verr.Records[0].Errors[0].Keyword)

	assert.Empty(t, h.store.primary)
	assert.Empty(t, h.store.trips)
	_, err = h.state.Get(ctx, "D1")
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

// P1.
func TestValidationReportsEveryInvalidRecord(t *testing.T) {
	h := newHarness(t, nil, true)

	items := make([]any, 0, 10)
	for i := 0; i < 10; i++ {
		m := telemetrytest.Map(telemetrytest.Record("D1", 0, int64(i)))
		if i%3 == 0 {
			m["AD"] = "x"
		}
		items = append(items, m)
	}

	_, err := h.coord.Ingest(context.Background(), telemetrytest.JSON(items...))

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Records, 4)
	assert.Equal(t, 10, verr.Total)
}

// Scenario D.
func TestMalformedPayloads(t *testing.T) {
	tests := map[string]string{
		"invalid JSON": `[{"t":`,
		"object":       `{"t":"D1"}`,
		"string":       `"[]"`,
		"null":         `null`,
		"empty array":  `[]`,
		"empty body":   ``,
	}

	h := newHarness(t, nil, true)
	for name, payload := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := h.coord.Ingest(context.Background(), []byte(payload))

			var merr *MalformedPayloadError
			assert.ErrorAs(t, err, &merr)
		})
	}
	assert.Empty(t, h.store.primary)
}

// P3.
func TestCacheHoldsLastRecordOfBatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, true)

	batch := []any{
		telemetrytest.Record("D1", 0, 1),
		telemetrytest.Record("D1", 0, 2),
		telemetrytest.Record("D1", 0, 3),
	}
	_, err := h.coord.Ingest(ctx, telemetrytest.JSON(batch...))
	require.NoError(t, err)

	got, err := h.coord.LastState(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, batch[2], got)
}

// P4.
func TestTripWriteOnlyAfterDeactivation(t *testing.T) {
	tests := []struct {
		name  string
		prior *telemetry.Record
		trip  bool
	}{
		{"no prior", nil, false},
		{"prior activated", ptr(telemetrytest.Record("D1", telemetry.ModeActivated, 0)), false},
		{"prior deactivated", ptr(telemetrytest.Record("D1", telemetry.ModeDeactivated, 0)), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil, true)
			if tt.prior != nil {
				seed(t, h, *tt.prior)
			}

			res, err := h.coord.Ingest(context.Background(), telemetrytest.JSON(telemetrytest.Record("D1", telemetry.ModeActivated, 1)))
			require.NoError(t, err)

			assert.Equal(t, tt.trip, res.Transition)
			assert.Len(t, h.store.primary, 1)
			if tt.trip {
				assert.Len(t, h.store.trips, 1)
			} else {
				assert.Empty(t, h.store.trips)
			}
		})
	}
}

func ptr(r telemetry.Record) *telemetry.Record { return &r }

// P5.
func TestConcurrentBatchesForSameDevice(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, true)
	seed(t, h, telemetrytest.Record("D9", 0, 99))

	var g errgroup.Group
	for i := int64(1); i <= 16; i++ {
		payload := telemetrytest.JSON(telemetrytest.Record("D1", 0, i))
		g.Go(func() error {
			_, err := h.coord.Ingest(ctx, payload)
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Len(t, h.store.primary, 16)
	got, err := h.state.Get(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, telemetrytest.Record("D1", 0, int64(got.PacketSeq)), got, "one of the batches won")

	other, err := h.state.Get(ctx, "D9")
	require.NoError(t, err)
	assert.Equal(t, 99.0, other.PacketSeq)
}

func TestPersistenceFailureLeavesCacheUntouched(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, true)
	prior := telemetrytest.Record("D1", telemetry.ModeDeactivated, 0)
	seed(t, h, prior)
	h.store.failWrite = errors.New("clickhouse: connection reset")

	_, err := h.coord.Ingest(ctx, telemetrytest.JSON(telemetrytest.Record("D1", telemetry.ModeActivated, 1)))

	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "drone_data", perr.Collection)

	got, err := h.state.Get(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, prior, got)
}

func TestCacheReadFailureClassifiesWithoutPrior(t *testing.T) {
	h := newHarness(t, &brokenKV{failLoad: true, mem: cache.NewMemory()}, true)

	res, err := h.coord.Ingest(context.Background(), telemetrytest.JSON(telemetrytest.Record("D1", telemetry.ModeActivated, 1)))
	require.NoError(t, err)

	assert.True(t, res.Degraded)
	assert.False(t, res.Transition)
	assert.Len(t, h.store.primary, 1)
}

func TestCacheWriteFailureIsDegradedSuccess(t *testing.T) {
	h := newHarness(t, &brokenKV{failStore: true, mem: cache.NewMemory()}, true)

	res, err := h.coord.Ingest(context.Background(), telemetrytest.JSON(telemetrytest.Record("D1", 0, 1)))
	require.NoError(t, err)

	assert.True(t, res.Degraded)
	assert.Equal(t, 1, res.PrimaryWritten)
}

func TestNotifierReceivesCachedState(t *testing.T) {
	v, err := validation.New()
	require.NoError(t, err)
	n := &recordingNotifier{}
	coord, err := NewCoordinator(Config{
		Store:     &fakeStore{},
		Cache:     cache.New(cache.NewMemory(), ""),
		Validator: v,
		Notifier:  n,
	})
	require.NoError(t, err)

	_, err = coord.Ingest(context.Background(), telemetrytest.JSON(telemetrytest.Record("D1", 0, 1), telemetrytest.Record("D1", 0, 2)))
	require.NoError(t, err)

	require.Len(t, n.states, 1)
	assert.Equal(t, 2.0, n.states[0].PacketSeq)
}

func TestBatchIDSharedAcrossCollections(t *testing.T) {
	h := newHarness(t, nil, true)
	seed(t, h, telemetrytest.Record("D1", telemetry.ModeDeactivated, 0))
	ids := []string{"batch-1"}
	h.coord.newID = func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}

	res, err := h.coord.Ingest(context.Background(), telemetrytest.JSON(telemetrytest.Record("D1", telemetry.ModeActivated, 1)))
	require.NoError(t, err)

	assert.Equal(t, "batch-1", res.BatchID)
	assert.Equal(t, []string{"batch-1", "batch-1"}, h.store.batchIDs)
}

func TestLastState(t *testing.T) {
	ctx := context.Background()
	durable := telemetrytest.Record("D1", telemetry.ModeDeactivated, 7)

	t.Run("unknown device", func(t *testing.T) {
		h := newHarness(t, nil, true)
		_, err := h.coord.LastState(ctx, "D404")
		assert.ErrorIs(t, err, ErrNoState)
	})

	t.Run("cold cache falls back and warms", func(t *testing.T) {
		h := newHarness(t, nil, true)
		h.store.latest = &durable

		got, err := h.coord.LastState(ctx, "D1")
		require.NoError(t, err)
		assert.Equal(t, durable, got)

		cached, err := h.state.Get(ctx, "D1")
		require.NoError(t, err)
		assert.Equal(t, durable, cached)
	})

	t.Run("warm never replaces a newer ingest", func(t *testing.T) {
		h := newHarness(t, nil, true)
		h.store.latest = &durable

		newer := telemetrytest.Record("D1", telemetry.ModeActivated, 8)
		var once sync.Once
		h.store.onLatest = func() {
			once.Do(func() {
				_, err := h.coord.Ingest(ctx, telemetrytest.JSON(newer))
				require.NoError(t, err)
			})
		}

		got, err := h.coord.LastState(ctx, "D1")
		require.NoError(t, err)
		assert.Equal(t, newer, got)

		cached, err := h.state.Get(ctx, "D1")
		require.NoError(t, err)
		assert.Equal(t, newer, cached)
	})

	t.Run("cache down falls back", func(t *testing.T) {
		h := newHarness(t, &brokenKV{failLoad: true, mem: cache.NewMemory()}, true)
		h.store.latest = &durable

		got, err := h.coord.LastState(ctx, "D1")
		require.NoError(t, err)
		assert.Equal(t, durable, got)
	})

	t.Run("fallback disabled", func(t *testing.T) {
		h := newHarness(t, nil, false)
		h.store.latest = &durable

		_, err := h.coord.LastState(ctx, "D1")
		assert.ErrorIs(t, err, ErrNoState)
	})

	t.Run("fallback disabled with cache down", func(t *testing.T) {
		h := newHarness(t, &brokenKV{failLoad: true, mem: cache.NewMemory()}, false)

		_, err := h.coord.LastState(ctx, "D1")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrNoState)
	})
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "malformed payload: empty batch", (&MalformedPayloadError{Reason: "empty batch"}).Error())
	assert.Equal(t, "validation failed: 2 of 5 records invalid",
		(&ValidationError{Records: make([]validation.RecordViolations, 2), Total: 5}).Error())

	cause := fmt.Errorf("timeout")
	perr := &PersistenceError{Collection: "drone_trip_data", Err: cause}
	assert.ErrorIs(t, perr, cause)
}
