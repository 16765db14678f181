package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written as "10m".
type Duration time.Duration

// UnmarshalYAML parses Go duration strings and bare integers (seconds).
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw interface{}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
		return nil
	case int:
		*d = Duration(time.Duration(v) * time.Second)
		return nil
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the complete HostPulse configuration.
type Config struct {
	Engine      EngineConfig               `yaml:"engine"`
	Thresholds  map[string]ThresholdConfig `yaml:"thresholds"`
	Hysteresis  HysteresisConfig           `yaml:"hysteresis"`
	Alerts      AlertConfig                `yaml:"alerts"`
	Aggregation AggregationConfig          `yaml:"aggregation"`
	Anomaly     AnomalyConfig              `yaml:"anomaly"`
	Storage     StorageConfig              `yaml:"storage"`
	API         APIConfig                  `yaml:"api"`
	Demo        DemoConfig                 `yaml:"demo"`
}

// EngineConfig controls the status re-evaluation sweep.
type EngineConfig struct {
	SweepInterval Duration `yaml:"sweep_interval"`
	HistorySize   int      `yaml:"history_size"`
	Liveness      Liveness `yaml:"liveness"`
}

// Liveness controls the synthetic statuses for silent hosts. An absent
// signal is never smoothed away by the dwell path.
type Liveness struct {
	WarnAfter    Duration `yaml:"warn_after"`
	OfflineAfter Duration `yaml:"offline_after"`
}

// ThresholdConfig is the warning/critical/danger breach points for one
// metric. Values at or above each bound trigger that raw level.
type ThresholdConfig struct {
	Warning  float64 `yaml:"warning"`
	Critical float64 `yaml:"critical"`
	Danger   float64 `yaml:"danger"`
}

// DowngradeRule is how long a less severe raw level must persist, and how
// many of the recent raw observations must agree, before a downgrade from
// the named level is committed.
type DowngradeRule struct {
	Dwell   Duration `yaml:"dwell"`
	Samples int      `yaml:"samples"`
}

// HysteresisConfig tunes the anti-flap state machine.
type HysteresisConfig struct {
	RawWindow int                      `yaml:"raw_window"`
	Downgrade map[string]DowngradeRule `yaml:"downgrade"`
}

// AlertConfig tunes alert deduplication and escalation.
type AlertConfig struct {
	CooldownWindow  Duration `yaml:"cooldown_window"`
	EscalationAfter Duration `yaml:"escalation_after"`
	JanitorInterval Duration `yaml:"janitor_interval"`
}

// RetentionConfig is the per-record-class retention ages monitored by the
// retention sweep. Physical deletion belongs to the storage layer.
type RetentionConfig struct {
	SampleDays    int `yaml:"sample_days"`
	AggregateDays int `yaml:"aggregate_days"`
	TrendDays     int `yaml:"trend_days"`
	BaselineDays  int `yaml:"baseline_days"`
}

// AggregationConfig tunes the periodic aggregation jobs.
type AggregationConfig struct {
	RollupInterval    Duration        `yaml:"rollup_interval"`
	TrendInterval     Duration        `yaml:"trend_interval"`
	TrendWindowHours  int             `yaml:"trend_window_hours"`
	TrendMinSamples   int             `yaml:"trend_min_samples"`
	BaselineInterval  Duration        `yaml:"baseline_interval"`
	BaselineDays      int             `yaml:"baseline_days"`
	BaselineFreshness Duration        `yaml:"baseline_freshness"`
	RetentionInterval Duration        `yaml:"retention_interval"`
	Retention         RetentionConfig `yaml:"retention"`
	Workers           int             `yaml:"workers"`
}

// AnomalyConfig tunes the modified z-score detector.
type AnomalyConfig struct {
	ZThreshold float64 `yaml:"z_threshold"`
	MinSamples int     `yaml:"min_samples"`
}

// StorageConfig locates the backing database.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// APIConfig configures the HTTP surface.
type APIConfig struct {
	Port string `yaml:"port"`
}

// DemoConfig enables the synthetic sample generator.
type DemoConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Hosts    int      `yaml:"hosts"`
	Interval Duration `yaml:"interval"`
}
