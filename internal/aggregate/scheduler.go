// Package aggregate runs the periodic jobs derived from sample history:
// daily rollups, trend fitting, baseline recalibration and the retention
// sweep.
package aggregate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hostpulse/hostpulse/internal/broadcast"
	"github.com/hostpulse/hostpulse/internal/config"
	"github.com/hostpulse/hostpulse/internal/metrics"
	"github.com/hostpulse/hostpulse/internal/storage"
	"github.com/hostpulse/hostpulse/internal/types"
)

// Store is the slice of persistence the scheduler needs.
type Store interface {
	storage.SampleStore
	storage.HostCatalog
	storage.AggregateStore
}

// Scheduler owns the four aggregation jobs. Each runs on its own cadence
// and never blocks the others; inside a job, hosts are processed by a
// bounded worker pool and one host's failure never aborts its siblings.
type Scheduler struct {
	log   zerolog.Logger
	clock clockwork.Clock
	store Store
	bus   broadcast.Broadcaster
	cfg   config.AggregationConfig
	retry types.RetryPolicy
}

func NewScheduler(store Store, bus broadcast.Broadcaster, cfg config.AggregationConfig, clock clockwork.Clock, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		log:   log.With().Str("component", "aggregation").Logger(),
		clock: clock,
		store: store,
		bus:   bus,
		cfg:   cfg,
		retry: types.DefaultRetryPolicy,
	}
}

// Run starts the job loops and blocks until the context is cancelled and
// every in-flight job has finished. A job caught mid-batch completes its
// current hosts before returning, so partial work is never abandoned
// half-written.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	loops := []struct {
		name     string
		interval time.Duration
		fn       func(context.Context)
	}{
		{"daily_rollup", s.cfg.RollupInterval.Std(), s.runRollup},
		{"trend", s.cfg.TrendInterval.Std(), s.runTrend},
		{"baseline", s.cfg.BaselineInterval.Std(), s.runBaseline},
		{"retention", s.cfg.RetentionInterval.Std(), s.runRetention},
	}

	for _, loop := range loops {
		wg.Add(1)
		go func(name string, interval time.Duration, fn func(context.Context)) {
			defer wg.Done()
			ticker := s.clock.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.Chan():
					fn(ctx)
				}
			}
		}(loop.name, loop.interval, loop.fn)
	}

	s.log.Info().Msg("aggregation scheduler started")
	wg.Wait()
	s.log.Info().Msg("aggregation scheduler stopped")
}

// TriggerAggregation runs one job immediately for one host (or every
// host when hostID is empty). The manual recovery path for operators.
func (s *Scheduler) TriggerAggregation(ctx context.Context, hostID, kind string) error {
	var job func(context.Context, types.Host) error
	switch kind {
	case "daily_rollup":
		job = s.rollupHost
	case "trend":
		job = s.trendHost
	case "baseline":
		job = s.baselineHost
	case "retention":
		s.runRetention(ctx)
		return nil
	default:
		return &types.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown aggregation kind %q", kind)}
	}

	if hostID == "" {
		s.forEachHost(ctx, kind, job)
		return nil
	}

	host, err := s.store.GetHost(ctx, hostID)
	if err != nil {
		return err
	}
	return job(ctx, host)
}

// forEachHost fans a job out over the catalog with a bounded pool. Per
// host errors are logged and counted; the batch always completes.
func (s *Scheduler) forEachHost(ctx context.Context, job string, fn func(context.Context, types.Host) error) {
	hosts, err := s.store.ListHosts(ctx)
	if err != nil {
		metrics.JobRuns.WithLabelValues(job, "error").Inc()
		s.log.Error().Err(err).Str("job", job).Msg("list hosts failed, batch skipped")
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for _, host := range hosts {
		host := host
		g.Go(func() error {
			if err := fn(gctx, host); err != nil {
				metrics.JobHostFailures.WithLabelValues(job).Inc()
				s.log.Error().Err(err).Str("job", job).Str("host", host.ID).Msg("host skipped")
			}
			return nil
		})
	}
	g.Wait()

	metrics.JobRuns.WithLabelValues(job, "ok").Inc()
	s.log.Debug().Str("job", job).Int("hosts", len(hosts)).Msg("job batch complete")
}

func (s *Scheduler) runRollup(ctx context.Context) {
	s.forEachHost(ctx, "daily_rollup", s.rollupHost)
}

func (s *Scheduler) rollupHost(ctx context.Context, host types.Host) error {
	now := s.clock.Now().UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	samples, err := s.store.SamplesInRange(ctx, host.ID, day, now)
	if err != nil {
		return fmt.Errorf("fetch samples: %w", err)
	}
	if len(samples) == 0 {
		return nil
	}

	agg := rollup(host.ID, day, samples, now)
	err = s.retry.Run(s.clock.Sleep, func() error {
		return s.store.UpsertDailyAggregate(ctx, agg)
	})
	if err != nil {
		return fmt.Errorf("upsert rollup: %w", err)
	}

	s.bus.Publish(types.TopicAggregateComputed, types.AggregateComputedEvent{
		HostID:    host.ID,
		Kind:      "daily_rollup",
		Payload:   agg,
		Timestamp: now,
	})
	return nil
}

func (s *Scheduler) runTrend(ctx context.Context) {
	s.forEachHost(ctx, "trend", s.trendHost)
}

func (s *Scheduler) trendHost(ctx context.Context, host types.Host) error {
	now := s.clock.Now().UTC()
	from := now.Add(-time.Duration(s.cfg.TrendWindowHours) * time.Hour)

	samples, err := s.store.SamplesInRange(ctx, host.ID, from, now)
	if err != nil {
		return fmt.Errorf("fetch samples: %w", err)
	}

	trend := fitTrend(host.ID, samples, s.cfg.TrendWindowHours, s.cfg.TrendMinSamples, now)
	if err := s.store.SaveTrend(ctx, trend); err != nil {
		return fmt.Errorf("save trend: %w", err)
	}
	if trend.InsufficientData {
		return nil
	}

	s.bus.Publish(types.TopicAggregateComputed, types.AggregateComputedEvent{
		HostID:    host.ID,
		Kind:      "trend",
		Payload:   trend,
		Timestamp: now,
	})
	return nil
}

func (s *Scheduler) runBaseline(ctx context.Context) {
	s.forEachHost(ctx, "baseline", s.baselineHost)
}

func (s *Scheduler) baselineHost(ctx context.Context, host types.Host) error {
	now := s.clock.Now().UTC()

	existing, err := s.store.GetBaseline(ctx, host.ID)
	if err == nil && now.Sub(existing.ComputedAt) < s.cfg.BaselineFreshness.Std() {
		return nil
	}

	from := now.AddDate(0, 0, -s.cfg.BaselineDays)
	samples, err := s.store.SamplesInRange(ctx, host.ID, from, now)
	if err != nil {
		return fmt.Errorf("fetch samples: %w", err)
	}
	if len(samples) == 0 {
		return nil
	}

	baseline := recalibrate(host.ID, s.cfg.BaselineDays, samples, now)
	err = s.retry.Run(s.clock.Sleep, func() error {
		return s.store.SaveBaseline(ctx, baseline)
	})
	if err != nil {
		return fmt.Errorf("save baseline: %w", err)
	}

	s.log.Info().Str("host", host.ID).Int("samples", baseline.SampleCount).Msg("baseline recalibrated")
	return nil
}

// runRetention only counts and reports records past their retention age.
// Physical deletion is the storage layer's own expiry; counting here
// avoids racing it.
func (s *Scheduler) runRetention(ctx context.Context) {
	now := s.clock.Now().UTC()
	ret := s.cfg.Retention

	counts := []struct {
		name string
		fn   func(context.Context, time.Time) (int64, error)
		days int
	}{
		{"samples", s.store.CountSamplesBefore, ret.SampleDays},
		{"aggregates", s.store.CountAggregatesBefore, ret.AggregateDays},
		{"trends", s.store.CountTrendsBefore, ret.TrendDays},
		{"baselines", s.store.CountBaselinesBefore, ret.BaselineDays},
	}

	ev := s.log.Info()
	for _, c := range counts {
		n, err := c.fn(ctx, now.AddDate(0, 0, -c.days))
		if err != nil {
			metrics.JobRuns.WithLabelValues("retention", "error").Inc()
			s.log.Error().Err(err).Str("class", c.name).Msg("retention count failed")
			return
		}
		ev = ev.Int64(c.name+"_expired", n)
	}
	ev.Msg("retention sweep")
	metrics.JobRuns.WithLabelValues("retention", "ok").Inc()
}
