package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hostpulse/hostpulse/internal/types"
)

// MemoryStore is a Store kept entirely in process memory. Used by tests
// and demo runs where a database file is unwanted.
type MemoryStore struct {
	mu         sync.RWMutex
	samples    map[string][]types.MetricSample
	hosts      map[string]types.Host
	alerts     map[string]types.Alert
	alertOrder []string
	aggregates map[string]types.DailyAggregate
	trends     map[string][]types.TrendResult
	baselines  map[string]types.Baseline
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		samples:    make(map[string][]types.MetricSample),
		hosts:      make(map[string]types.Host),
		alerts:     make(map[string]types.Alert),
		aggregates: make(map[string]types.DailyAggregate),
		trends:     make(map[string][]types.TrendResult),
		baselines:  make(map[string]types.Baseline),
	}
}

func (m *MemoryStore) Close() error { return nil }

// Samples

func (m *MemoryStore) InsertSample(_ context.Context, sample types.MetricSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples[sample.HostID] = append(m.samples[sample.HostID], sample)
	return nil
}

func (m *MemoryStore) LatestSample(_ context.Context, hostID string) (types.MetricSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	samples := m.samples[hostID]
	if len(samples) == 0 {
		return types.MetricSample{}, types.ErrNotFound
	}
	latest := samples[0]
	for _, s := range samples[1:] {
		if s.Timestamp.After(latest.Timestamp) {
			latest = s
		}
	}
	return latest, nil
}

func (m *MemoryStore) SamplesInRange(_ context.Context, hostID string, from, to time.Time) ([]types.MetricSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.MetricSample
	for _, s := range m.samples[hostID] {
		if !s.Timestamp.Before(from) && s.Timestamp.Before(to) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *MemoryStore) RecentSamples(_ context.Context, hostID string, limit int) ([]types.MetricSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sorted := append([]types.MetricSample(nil), m.samples[hostID]...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })
	if len(sorted) > limit {
		sorted = sorted[len(sorted)-limit:]
	}
	return sorted, nil
}

func (m *MemoryStore) CountSamplesBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, samples := range m.samples {
		for _, s := range samples {
			if s.Timestamp.Before(cutoff) {
				n++
			}
		}
	}
	return n, nil
}

// Hosts

func (m *MemoryStore) UpsertHost(_ context.Context, host types.Host) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hosts[host.ID] = host
	return nil
}

func (m *MemoryStore) GetHost(_ context.Context, id string) (types.Host, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	host, ok := m.hosts[id]
	if !ok {
		return types.Host{}, types.ErrNotFound
	}
	return host, nil
}

func (m *MemoryStore) ListHosts(_ context.Context) ([]types.Host, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Host
	for _, h := range m.hosts {
		if h.Active {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Alerts

func (m *MemoryStore) InsertAlert(_ context.Context, alert types.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[alert.ID] = alert
	m.alertOrder = append(m.alertOrder, alert.ID)
	return nil
}

func (m *MemoryStore) UpdateAlert(_ context.Context, alert types.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerts[alert.ID]; !ok {
		return types.ErrNotFound
	}
	m.alerts[alert.ID] = alert
	return nil
}

func (m *MemoryStore) GetAlert(_ context.Context, id string) (types.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	alert, ok := m.alerts[id]
	if !ok {
		return types.Alert{}, types.ErrNotFound
	}
	return alert, nil
}

func (m *MemoryStore) ListAlerts(_ context.Context, filter types.AlertFilter) ([]types.Alert, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []types.Alert
	// Newest first, matching the durable implementation.
	for i := len(m.alertOrder) - 1; i >= 0; i-- {
		a := m.alerts[m.alertOrder[i]]
		if filter.HostID != "" && a.HostID != filter.HostID {
			continue
		}
		if filter.Severity != "" && a.Severity != filter.Severity {
			continue
		}
		if filter.State != "" && a.State != filter.State {
			continue
		}
		matched = append(matched, a)
	}

	total := len(matched)
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	start := 0
	if filter.Page > 1 {
		start = (filter.Page - 1) * limit
	}
	if start >= len(matched) {
		return nil, total, nil
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

func (m *MemoryStore) OpenAlerts(_ context.Context) ([]types.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Alert
	for _, id := range m.alertOrder {
		a := m.alerts[id]
		if a.State == types.AlertActive || a.State == types.AlertAcknowledged {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *MemoryStore) AlertStats(_ context.Context, hostID string, since time.Time) (AlertStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats AlertStats
	var resolutionSum time.Duration
	for _, a := range m.alerts {
		if a.CreatedAt.Before(since) {
			continue
		}
		if hostID != "" && a.HostID != hostID {
			continue
		}
		stats.Total++
		switch a.State {
		case types.AlertActive:
			stats.Active++
		case types.AlertAcknowledged:
			stats.Acknowledged++
		case types.AlertResolved:
			stats.Resolved++
			resolutionSum += a.ResolutionDuration()
		}
	}
	if stats.Resolved > 0 {
		stats.AvgResolutionMillis = float64(resolutionSum.Milliseconds()) / float64(stats.Resolved)
	}
	return stats, nil
}

// Aggregates

func aggregateKey(hostID, date string) string { return hostID + "|" + date }

func (m *MemoryStore) UpsertDailyAggregate(_ context.Context, agg types.DailyAggregate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aggregates[aggregateKey(agg.HostID, agg.Date.UTC().Format("2006-01-02"))] = agg
	return nil
}

func (m *MemoryStore) GetDailyAggregate(_ context.Context, hostID, date string) (types.DailyAggregate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agg, ok := m.aggregates[aggregateKey(hostID, date)]
	if !ok {
		return types.DailyAggregate{}, types.ErrNotFound
	}
	return agg, nil
}

func (m *MemoryStore) SaveTrend(_ context.Context, trend types.TrendResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trends[trend.HostID] = append(m.trends[trend.HostID], trend)
	return nil
}

func (m *MemoryStore) LatestTrend(_ context.Context, hostID string) (types.TrendResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	trends := m.trends[hostID]
	if len(trends) == 0 {
		return types.TrendResult{}, types.ErrNotFound
	}
	return trends[len(trends)-1], nil
}

func (m *MemoryStore) SaveBaseline(_ context.Context, baseline types.Baseline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baselines[baseline.HostID] = baseline
	return nil
}

func (m *MemoryStore) GetBaseline(_ context.Context, hostID string) (types.Baseline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	baseline, ok := m.baselines[hostID]
	if !ok {
		return types.Baseline{}, types.ErrNotFound
	}
	return baseline, nil
}

func (m *MemoryStore) CountAggregatesBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, agg := range m.aggregates {
		if agg.ComputedAt.Before(cutoff) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CountTrendsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, trends := range m.trends {
		for _, t := range trends {
			if t.ComputedAt.Before(cutoff) {
				n++
			}
		}
	}
	return n, nil
}

func (m *MemoryStore) CountBaselinesBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, b := range m.baselines {
		if b.ComputedAt.Before(cutoff) {
			n++
		}
	}
	return n, nil
}

var _ Store = (*MemoryStore)(nil)
