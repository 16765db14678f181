// Package storage defines the persistence interfaces the engine consumes
// and provides a SQLite implementation plus an in-memory one for tests
// and demo runs.
package storage

import (
	"context"
	"time"

	"github.com/hostpulse/hostpulse/internal/types"
)

// SampleStore is the query surface over recorded metric samples. The
// engine never streams raw telemetry; it reads what the ingestion layer
// already persisted.
type SampleStore interface {
	InsertSample(ctx context.Context, sample types.MetricSample) error
	// LatestSample returns the newest sample for a host, or
	// types.ErrNotFound when the host has never reported.
	LatestSample(ctx context.Context, hostID string) (types.MetricSample, error)
	// SamplesInRange returns samples in [from, to) ordered oldest first.
	SamplesInRange(ctx context.Context, hostID string, from, to time.Time) ([]types.MetricSample, error)
	// RecentSamples returns up to limit newest samples, oldest first.
	RecentSamples(ctx context.Context, hostID string, limit int) ([]types.MetricSample, error)
	CountSamplesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// HostCatalog lists the hosts the periodic sweeps iterate over.
type HostCatalog interface {
	UpsertHost(ctx context.Context, host types.Host) error
	GetHost(ctx context.Context, id string) (types.Host, error)
	ListHosts(ctx context.Context) ([]types.Host, error)
}

// AlertStats summarises the alert log for the statistics endpoint.
type AlertStats struct {
	Total               int     `json:"total"`
	Active              int     `json:"active"`
	Acknowledged        int     `json:"acknowledged"`
	Resolved            int     `json:"resolved"`
	AvgResolutionMillis float64 `json:"avgResolutionMs"`
}

// AlertStore is the durable alert log. Alerts are never deleted, only
// transitioned, so the log doubles as the audit trail and as the source
// for rebuilding in-memory state after a restart.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert types.Alert) error
	UpdateAlert(ctx context.Context, alert types.Alert) error
	GetAlert(ctx context.Context, id string) (types.Alert, error)
	// ListAlerts applies the filter and returns the page plus the total
	// match count.
	ListAlerts(ctx context.Context, filter types.AlertFilter) ([]types.Alert, int, error)
	// OpenAlerts returns every ACTIVE or ACKNOWLEDGED alert.
	OpenAlerts(ctx context.Context) ([]types.Alert, error)
	// AlertStats summarises alerts created since the cutoff, scoped to
	// one host when hostID is non-empty.
	AlertStats(ctx context.Context, hostID string, since time.Time) (AlertStats, error)
}

// AggregateStore persists the scheduler's derived artifacts.
type AggregateStore interface {
	// UpsertDailyAggregate overwrites any prior rollup for the same
	// (host, date).
	UpsertDailyAggregate(ctx context.Context, agg types.DailyAggregate) error
	GetDailyAggregate(ctx context.Context, hostID, date string) (types.DailyAggregate, error)
	SaveTrend(ctx context.Context, trend types.TrendResult) error
	LatestTrend(ctx context.Context, hostID string) (types.TrendResult, error)
	SaveBaseline(ctx context.Context, baseline types.Baseline) error
	GetBaseline(ctx context.Context, hostID string) (types.Baseline, error)
	CountAggregatesBefore(ctx context.Context, cutoff time.Time) (int64, error)
	CountTrendsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	CountBaselinesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store bundles every persistence concern behind one handle.
type Store interface {
	SampleStore
	HostCatalog
	AlertStore
	AggregateStore
	Close() error
}
