package aggregate

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostpulse/hostpulse/internal/broadcast"
	"github.com/hostpulse/hostpulse/internal/config"
	"github.com/hostpulse/hostpulse/internal/storage"
	"github.com/hostpulse/hostpulse/internal/types"
)

func testAggregationConfig() config.AggregationConfig {
	return config.AggregationConfig{
		RollupInterval:    config.Duration(time.Hour),
		TrendInterval:     config.Duration(6 * time.Hour),
		TrendWindowHours:  24,
		TrendMinSamples:   10,
		BaselineInterval:  config.Duration(24 * time.Hour),
		BaselineDays:      30,
		BaselineFreshness: config.Duration(7 * 24 * time.Hour),
		RetentionInterval: config.Duration(24 * time.Hour),
		Retention:         config.RetentionConfig{SampleDays: 30, AggregateDays: 365, TrendDays: 7, BaselineDays: 90},
		Workers:           5,
	}
}

func newTestScheduler(t *testing.T) (*Scheduler, *storage.MemoryStore, *broadcast.Capture, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	store := storage.NewMemoryStore()
	bus := &broadcast.Capture{Clock: clock}
	s := NewScheduler(store, bus, testAggregationConfig(), clock, zerolog.Nop())
	return s, store, bus, clock
}

func seedHost(t *testing.T, store *storage.MemoryStore, hostID string, from time.Time, n int, step time.Duration) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.UpsertHost(ctx, types.Host{ID: hostID, DisplayName: hostID, Active: true}))
	for i := 0; i < n; i++ {
		require.NoError(t, store.InsertSample(ctx, types.MetricSample{
			HostID:    hostID,
			Timestamp: from.Add(time.Duration(i) * step),
			CPUPct:    50,
			MemPct:    40,
			DiskPct:   60,
			LatencyMs: 10,
			LoadAvg:   1,
		}))
	}
}

func TestRollupIdempotent(t *testing.T) {
	ctx := context.Background()
	s, store, _, clock := newTestScheduler(t)
	day := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	seedHost(t, store, "web-01", day.Add(time.Hour), 20, 10*time.Minute)

	s.runRollup(ctx)
	first, err := store.GetDailyAggregate(ctx, "web-01", "2026-08-01")
	require.NoError(t, err)
	assert.Equal(t, 20, first.SampleCount)

	// A second run over unchanged data replaces the record with
	// identical values instead of duplicating it.
	clock.Advance(time.Hour)
	s.runRollup(ctx)
	second, err := store.GetDailyAggregate(ctx, "web-01", "2026-08-01")
	require.NoError(t, err)
	assert.Equal(t, first.SampleCount, second.SampleCount)
	assert.Equal(t, first.Metrics, second.Metrics)
}

func TestTrendJobPersistsResult(t *testing.T) {
	ctx := context.Background()
	s, store, bus, clock := newTestScheduler(t)
	seedHost(t, store, "web-01", clock.Now().Add(-12*time.Hour), 24, 30*time.Minute)

	s.runTrend(ctx)

	trend, err := store.LatestTrend(ctx, "web-01")
	require.NoError(t, err)
	assert.False(t, trend.InsufficientData)
	assert.Equal(t, 24, trend.SampleCount)
	assert.Contains(t, bus.Topics(), types.TopicAggregateComputed)
}

func TestTrendJobInsufficientDataIsNotAnError(t *testing.T) {
	ctx := context.Background()
	s, store, bus, clock := newTestScheduler(t)
	seedHost(t, store, "web-01", clock.Now().Add(-time.Hour), 3, 10*time.Minute)

	s.runTrend(ctx)

	trend, err := store.LatestTrend(ctx, "web-01")
	require.NoError(t, err, "the thin result is still recorded")
	assert.True(t, trend.InsufficientData)
	assert.Empty(t, bus.Topics(), "no aggregate event for insufficient data")
}

func TestBaselineFreshnessSkip(t *testing.T) {
	ctx := context.Background()
	s, store, _, clock := newTestScheduler(t)
	seedHost(t, store, "web-01", clock.Now().Add(-48*time.Hour), 50, time.Hour)

	s.runBaseline(ctx)
	first, err := store.GetBaseline(ctx, "web-01")
	require.NoError(t, err)

	// Still fresh three days later: untouched.
	clock.Advance(3 * 24 * time.Hour)
	s.runBaseline(ctx)
	unchanged, err := store.GetBaseline(ctx, "web-01")
	require.NoError(t, err)
	assert.Equal(t, first.ComputedAt, unchanged.ComputedAt)

	// Past the seven day freshness threshold: recomputed.
	clock.Advance(5 * 24 * time.Hour)
	s.runBaseline(ctx)
	recomputed, err := store.GetBaseline(ctx, "web-01")
	require.NoError(t, err)
	assert.True(t, recomputed.ComputedAt.After(first.ComputedAt))
}

type rangeFailingStore struct {
	*storage.MemoryStore
	failHost string
}

func (f *rangeFailingStore) SamplesInRange(ctx context.Context, hostID string, from, to time.Time) ([]types.MetricSample, error) {
	if hostID == f.failHost {
		return nil, &types.TransientStoreError{Op: "samples in range", Err: errors.New("disk unhappy")}
	}
	return f.MemoryStore.SamplesInRange(ctx, hostID, from, to)
}

func TestPerHostFailureIsolation(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	mem := storage.NewMemoryStore()
	store := &rangeFailingStore{MemoryStore: mem, failHost: "bad-01"}
	s := NewScheduler(store, &broadcast.Capture{Clock: clock}, testAggregationConfig(), clock, zerolog.Nop())

	day := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	seedHost(t, mem, "bad-01", day.Add(time.Hour), 5, time.Minute)
	seedHost(t, mem, "web-01", day.Add(time.Hour), 5, time.Minute)
	seedHost(t, mem, "web-02", day.Add(time.Hour), 5, time.Minute)

	s.runRollup(ctx)

	_, err := store.GetDailyAggregate(ctx, "web-01", "2026-08-01")
	assert.NoError(t, err, "healthy sibling processed despite bad-01 failing")
	_, err = store.GetDailyAggregate(ctx, "web-02", "2026-08-01")
	assert.NoError(t, err)
	_, err = store.GetDailyAggregate(ctx, "bad-01", "2026-08-01")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestTriggerAggregation(t *testing.T) {
	ctx := context.Background()
	s, store, _, _ := newTestScheduler(t)
	day := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	seedHost(t, store, "web-01", day.Add(time.Hour), 10, time.Minute)

	require.NoError(t, s.TriggerAggregation(ctx, "web-01", "daily_rollup"))
	_, err := store.GetDailyAggregate(ctx, "web-01", "2026-08-01")
	assert.NoError(t, err)

	err = s.TriggerAggregation(ctx, "web-01", "bogus")
	assert.True(t, types.IsValidation(err))

	err = s.TriggerAggregation(ctx, "no-such-host", "daily_rollup")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestSchedulerRunTicksJobs(t *testing.T) {
	s, store, _, clock := newTestScheduler(t)
	day := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	seedHost(t, store, "web-01", day.Add(time.Hour), 20, 10*time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	var stopped atomic.Bool
	go func() {
		s.Run(ctx)
		stopped.Store(true)
	}()

	// Wait for all four job tickers to be armed before advancing.
	require.NoError(t, clock.BlockUntilContext(context.Background(), 4))
	clock.Advance(time.Hour)

	assert.Eventually(t, func() bool {
		_, err := store.GetDailyAggregate(context.Background(), "web-01", "2026-08-01")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond, "rollup ran on the first tick")

	cancel()
	assert.Eventually(t, func() bool { return stopped.Load() }, 2*time.Second, 10*time.Millisecond)
}
