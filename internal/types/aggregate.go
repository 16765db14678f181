package types

import "time"

// MetricStats is the avg/min/max/stddev summary of one metric.
type MetricStats struct {
	Avg    float64 `json:"avg"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	StdDev float64 `json:"stddev"`
}

// DailyAggregate is the rollup of one host's samples for one calendar day.
// Recomputing the same (host, date) overwrites, never duplicates.
type DailyAggregate struct {
	HostID      string                     `json:"hostId"`
	Date        time.Time                  `json:"date"`
	SampleCount int                        `json:"sampleCount"`
	Metrics     map[MetricName]MetricStats `json:"metrics"`
	ComputedAt  time.Time                  `json:"computedAt"`
}

// MetricTrend is the fitted slope for one metric, in units per hour.
type MetricTrend struct {
	SlopePerHour float64 `json:"slopePerHour"`
	Direction    string  `json:"direction"`
	Confidence   float64 `json:"confidence"`
}

// TrendResult is the outcome of one trend analysis run. Superseded by the
// next run. InsufficientData marks runs that had too few samples; that is
// a normal result, not an error.
type TrendResult struct {
	HostID           string                     `json:"hostId"`
	WindowHours      int                        `json:"windowHours"`
	SampleCount      int                        `json:"sampleCount"`
	Metrics          map[MetricName]MetricTrend `json:"metrics,omitempty"`
	InsufficientData bool                       `json:"insufficientData,omitempty"`
	ComputedAt       time.Time                  `json:"computedAt"`
}

// Baseline is the expected normal mean/stddev per metric for a host.
type Baseline struct {
	HostID       string                     `json:"hostId"`
	ComputedFrom int                        `json:"computedFromDays"`
	SampleCount  int                        `json:"sampleCount"`
	Metrics      map[MetricName]MetricStats `json:"metrics"`
	ComputedAt   time.Time                  `json:"computedAt"`
}

// AnomalyKind classifies a flagged sample relative to the metric mean.
type AnomalyKind string

const (
	AnomalySpike AnomalyKind = "spike"
	AnomalyDrop  AnomalyKind = "drop"
)

// AnomalyRecord is one flagged sample. Transient unless promoted to an
// alert.
type AnomalyRecord struct {
	HostID     string      `json:"hostId"`
	Metric     MetricName  `json:"metric"`
	Value      float64     `json:"value"`
	Timestamp  time.Time   `json:"timestamp"`
	Score      float64     `json:"score"`
	Kind       AnomalyKind `json:"kind"`
	Confidence float64     `json:"confidence"`
}
