package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads configuration from a YAML file, fills defaults and
// validates the result. A missing file yields the pure-default config.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	applyDefaults(cfg)

	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Engine.SweepInterval == 0 {
		cfg.Engine.SweepInterval = Duration(time.Minute)
	}
	if cfg.Engine.HistorySize == 0 {
		cfg.Engine.HistorySize = 50
	}
	if cfg.Engine.Liveness.WarnAfter == 0 {
		cfg.Engine.Liveness.WarnAfter = Duration(5 * time.Minute)
	}
	if cfg.Engine.Liveness.OfflineAfter == 0 {
		cfg.Engine.Liveness.OfflineAfter = Duration(15 * time.Minute)
	}

	if cfg.Thresholds == nil {
		cfg.Thresholds = map[string]ThresholdConfig{}
	}
	defaultsThresholds := map[string]ThresholdConfig{
		"cpu":     {Warning: 61, Critical: 81, Danger: 96},
		"memory":  {Warning: 71, Critical: 86, Danger: 96},
		"disk":    {Warning: 76, Critical: 86, Danger: 96},
		"latency": {Warning: 300, Critical: 800, Danger: 2000},
		"load":    {Warning: 4, Critical: 8, Danger: 16},
	}
	for metric, def := range defaultsThresholds {
		if _, ok := cfg.Thresholds[metric]; !ok {
			cfg.Thresholds[metric] = def
		}
	}

	if cfg.Hysteresis.RawWindow == 0 {
		cfg.Hysteresis.RawWindow = 10
	}
	if cfg.Hysteresis.Downgrade == nil {
		cfg.Hysteresis.Downgrade = map[string]DowngradeRule{}
	}
	defaultDowngrade := map[string]DowngradeRule{
		"WARNING":  {Dwell: Duration(15 * time.Minute), Samples: 3},
		"CRITICAL": {Dwell: Duration(10 * time.Minute), Samples: 2},
		"DANGER":   {Dwell: Duration(5 * time.Minute), Samples: 2},
		"OFFLINE":  {Dwell: Duration(5 * time.Minute), Samples: 2},
	}
	for level, rule := range defaultDowngrade {
		if _, ok := cfg.Hysteresis.Downgrade[level]; !ok {
			cfg.Hysteresis.Downgrade[level] = rule
		}
	}

	if cfg.Alerts.CooldownWindow == 0 {
		cfg.Alerts.CooldownWindow = Duration(30 * time.Minute)
	}
	if cfg.Alerts.EscalationAfter == 0 {
		cfg.Alerts.EscalationAfter = Duration(30 * time.Minute)
	}
	if cfg.Alerts.JanitorInterval == 0 {
		cfg.Alerts.JanitorInterval = Duration(10 * time.Minute)
	}

	if cfg.Aggregation.RollupInterval == 0 {
		cfg.Aggregation.RollupInterval = Duration(time.Hour)
	}
	if cfg.Aggregation.TrendInterval == 0 {
		cfg.Aggregation.TrendInterval = Duration(6 * time.Hour)
	}
	if cfg.Aggregation.TrendWindowHours == 0 {
		cfg.Aggregation.TrendWindowHours = 24
	}
	if cfg.Aggregation.TrendMinSamples == 0 {
		cfg.Aggregation.TrendMinSamples = 10
	}
	if cfg.Aggregation.BaselineInterval == 0 {
		cfg.Aggregation.BaselineInterval = Duration(24 * time.Hour)
	}
	if cfg.Aggregation.BaselineDays == 0 {
		cfg.Aggregation.BaselineDays = 30
	}
	if cfg.Aggregation.BaselineFreshness == 0 {
		cfg.Aggregation.BaselineFreshness = Duration(7 * 24 * time.Hour)
	}
	if cfg.Aggregation.RetentionInterval == 0 {
		cfg.Aggregation.RetentionInterval = Duration(24 * time.Hour)
	}
	if cfg.Aggregation.Retention.SampleDays == 0 {
		cfg.Aggregation.Retention.SampleDays = 30
	}
	if cfg.Aggregation.Retention.AggregateDays == 0 {
		cfg.Aggregation.Retention.AggregateDays = 365
	}
	if cfg.Aggregation.Retention.TrendDays == 0 {
		cfg.Aggregation.Retention.TrendDays = 7
	}
	if cfg.Aggregation.Retention.BaselineDays == 0 {
		cfg.Aggregation.Retention.BaselineDays = 90
	}
	if cfg.Aggregation.Workers == 0 {
		cfg.Aggregation.Workers = 5
	}

	if cfg.Anomaly.ZThreshold == 0 {
		cfg.Anomaly.ZThreshold = 3.5
	}
	if cfg.Anomaly.MinSamples == 0 {
		cfg.Anomaly.MinSamples = 10
	}

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "hostpulse.db"
	}
	if cfg.API.Port == "" {
		cfg.API.Port = "8088"
	}

	if cfg.Demo.Hosts == 0 {
		cfg.Demo.Hosts = 3
	}
	if cfg.Demo.Interval == 0 {
		cfg.Demo.Interval = Duration(10 * time.Second)
	}
}

// ValidateConfig validates the configuration.
func ValidateConfig(cfg *Config) error {
	for metric, t := range cfg.Thresholds {
		if !(t.Warning < t.Critical && t.Critical < t.Danger) {
			return fmt.Errorf("thresholds for %s must be ordered warning < critical < danger", metric)
		}
	}

	if cfg.Hysteresis.RawWindow < 1 {
		return fmt.Errorf("hysteresis.raw_window must be >= 1")
	}
	for level, rule := range cfg.Hysteresis.Downgrade {
		if rule.Samples < 1 {
			return fmt.Errorf("hysteresis.downgrade.%s: samples must be >= 1", level)
		}
		if rule.Samples > cfg.Hysteresis.RawWindow {
			return fmt.Errorf("hysteresis.downgrade.%s: samples must not exceed raw_window", level)
		}
	}

	if cfg.Engine.Liveness.WarnAfter.Std() >= cfg.Engine.Liveness.OfflineAfter.Std() {
		return fmt.Errorf("liveness.warn_after must be shorter than liveness.offline_after")
	}

	if cfg.Aggregation.Workers < 1 {
		return fmt.Errorf("aggregation.workers must be >= 1")
	}
	if cfg.Aggregation.TrendMinSamples < 2 {
		return fmt.Errorf("aggregation.trend_min_samples must be >= 2")
	}

	if cfg.Anomaly.MinSamples < 3 {
		return fmt.Errorf("anomaly.min_samples must be >= 3")
	}
	if cfg.Anomaly.ZThreshold <= 0 {
		return fmt.Errorf("anomaly.z_threshold must be > 0")
	}

	return nil
}
