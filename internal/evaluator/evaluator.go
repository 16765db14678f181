package evaluator

import (
	"fmt"

	"github.com/hostpulse/hostpulse/internal/config"
	"github.com/hostpulse/hostpulse/internal/types"
)

// band is the per-metric classification before combination.
type band int

const (
	bandNormal band = iota
	bandWarning
	bandCritical
	bandDanger
)

func (b band) String() string {
	switch b {
	case bandWarning:
		return "warning"
	case bandCritical:
		return "critical"
	case bandDanger:
		return "danger"
	default:
		return "normal"
	}
}

// Reason records one breached metric with the threshold it crossed.
type Reason struct {
	Metric    types.MetricName `json:"metric"`
	Value     float64          `json:"value"`
	Threshold float64          `json:"threshold"`
	Band      string           `json:"band"`
}

func (r Reason) String() string {
	return fmt.Sprintf("%s %.1f >= %s threshold %.1f", r.Metric, r.Value, r.Band, r.Threshold)
}

// Result is the raw status classification of a single sample.
type Result struct {
	Level      types.StatusLevel `json:"level"`
	Confidence int               `json:"confidence"`
	Reasons    []Reason          `json:"reasons,omitempty"`
}

// Evaluator maps one sample to a raw status level against fixed
// thresholds. Stateless and deterministic; no side effects, no I/O.
type Evaluator struct {
	thresholds map[types.MetricName]config.ThresholdConfig
}

// NewEvaluator creates an evaluator from configured thresholds. Metrics
// without a threshold entry are ignored during classification.
func NewEvaluator(thresholds map[string]config.ThresholdConfig) *Evaluator {
	byMetric := make(map[types.MetricName]config.ThresholdConfig, len(thresholds))
	for name, t := range thresholds {
		byMetric[types.MetricName(name)] = t
	}
	return &Evaluator{thresholds: byMetric}
}

// Evaluate classifies a sample. The returned level is the combined
// severity of all breached metrics; Reasons lists every breach.
func (e *Evaluator) Evaluate(sample types.MetricSample) Result {
	bands := make(map[types.MetricName]band, len(types.MetricNames))
	var reasons []Reason
	counts := map[band]int{}

	for _, metric := range types.MetricNames {
		t, ok := e.thresholds[metric]
		if !ok {
			continue
		}
		value := sample.Value(metric)
		b, threshold := classify(value, t)
		bands[metric] = b
		counts[b]++
		if b != bandNormal {
			reasons = append(reasons, Reason{
				Metric:    metric,
				Value:     value,
				Threshold: threshold,
				Band:      b.String(),
			})
		}
	}

	level, confidence := combine(bands, counts)
	return Result{Level: level, Confidence: confidence, Reasons: reasons}
}

func classify(value float64, t config.ThresholdConfig) (band, float64) {
	switch {
	case value >= t.Danger:
		return bandDanger, t.Danger
	case value >= t.Critical:
		return bandCritical, t.Critical
	case value >= t.Warning:
		return bandWarning, t.Warning
	default:
		return bandNormal, 0
	}
}

// combine folds per-metric bands into one status level. CPU and memory
// weigh heavier than the other metrics: either of them being critical is
// enough for CRITICAL, and combined with another breach escalates further.
func combine(bands map[types.MetricName]band, counts map[band]int) (types.StatusLevel, int) {
	cpuMem := bands[types.MetricCPU]
	if bands[types.MetricMemory] > cpuMem {
		cpuMem = bands[types.MetricMemory]
	}

	switch {
	case counts[bandDanger] > 0,
		cpuMem == bandCritical && counts[bandWarning] >= 1:
		return types.StatusDanger, 95
	case cpuMem == bandCritical,
		counts[bandCritical] >= 2,
		cpuMem == bandWarning && counts[bandCritical] >= 1:
		return types.StatusCritical, 90
	case counts[bandWarning] >= 2,
		counts[bandCritical] >= 1,
		cpuMem == bandWarning:
		return types.StatusWarning, 85
	default:
		return types.StatusHealthy, 100
	}
}

// Recommendations returns advisory actions for a status level, refined by
// the breaches that produced it.
func Recommendations(level types.StatusLevel, reasons []Reason) []types.Recommendation {
	var recs []types.Recommendation

	breached := func(metric types.MetricName) bool {
		for _, r := range reasons {
			if r.Metric == metric {
				return true
			}
		}
		return false
	}

	switch level {
	case types.StatusHealthy:
		recs = append(recs, types.Recommendation{Priority: "low", Action: "continue monitoring host performance", Type: "monitoring"})
	case types.StatusWarning:
		recs = append(recs, types.Recommendation{Priority: "medium", Action: "inspect metrics in warning condition", Type: "investigation"})
		if breached(types.MetricCPU) {
			recs = append(recs, types.Recommendation{Priority: "medium", Action: "identify processes with high CPU usage", Type: "optimization"})
		}
		if breached(types.MetricMemory) {
			recs = append(recs, types.Recommendation{Priority: "medium", Action: "check for memory leaks and reduce memory pressure", Type: "optimization"})
		}
	case types.StatusCritical:
		recs = append(recs, types.Recommendation{Priority: "high", Action: "inspect critical metrics immediately", Type: "immediate_action"})
		if breached(types.MetricCPU) {
			recs = append(recs, types.Recommendation{Priority: "high", Action: "restart services consuming excessive CPU", Type: "immediate_action"})
		}
		if breached(types.MetricDisk) {
			recs = append(recs, types.Recommendation{Priority: "high", Action: "free disk space or expand the volume", Type: "immediate_action"})
		}
	case types.StatusDanger:
		recs = append(recs,
			types.Recommendation{Priority: "critical", Action: "host in danger condition, prepare failover", Type: "emergency"},
			types.Recommendation{Priority: "critical", Action: "evaluate restarting the host or migrating load", Type: "emergency"})
	case types.StatusOffline:
		recs = append(recs,
			types.Recommendation{Priority: "critical", Action: "verify host connectivity and agent process", Type: "emergency"})
	}

	return recs
}
