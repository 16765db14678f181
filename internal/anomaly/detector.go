// Package anomaly flags outlier samples using a robust modified z-score
// over a sliding window of recent metric samples.
package anomaly

import (
	"math"
	"sort"

	"github.com/hostpulse/hostpulse/internal/config"
	"github.com/hostpulse/hostpulse/internal/types"
)

// madScale makes the median absolute deviation a consistent estimator of
// the standard deviation for normal data.
const madScale = 0.6745

// Result is the outcome of one detection pass over a host's window.
type Result struct {
	HostID           string                                 `json:"hostId"`
	WindowSize       int                                    `json:"windowSize"`
	InsufficientData bool                                   `json:"insufficientData"`
	Anomalies        []types.AnomalyRecord                  `json:"anomalies"`
	Baseline         map[types.MetricName]types.MetricStats `json:"baseline,omitempty"`
}

// Detector scores samples against the window they arrived in. It holds
// only its tuning parameters; every call is a pure function over the
// slice it is given.
type Detector struct {
	zThreshold float64
	minSamples int
}

func NewDetector(cfg config.AnomalyConfig) *Detector {
	return &Detector{
		zThreshold: cfg.ZThreshold,
		minSamples: cfg.MinSamples,
	}
}

// Detect scans the window per metric and returns flagged samples ranked
// by confidence, plus the mean/stddev baseline the classification used.
// Fewer samples than the minimum yields an insufficient-data result
// rather than a guess from noise.
func (d *Detector) Detect(hostID string, samples []types.MetricSample) Result {
	res := Result{HostID: hostID, WindowSize: len(samples)}
	if len(samples) < d.minSamples {
		res.InsufficientData = true
		return res
	}

	res.Baseline = make(map[types.MetricName]types.MetricStats, len(types.MetricNames))
	for _, metric := range types.MetricNames {
		values := make([]float64, len(samples))
		for i, s := range samples {
			values[i] = s.Value(metric)
		}

		stats := summarize(values)
		res.Baseline[metric] = stats

		med := median(values)
		mad := medianAbsDeviation(values, med)
		if mad == 0 {
			// Degenerate window where more than half the values are
			// identical. Fall back to the mean absolute deviation so a
			// lone outlier is still scored.
			mad = meanAbsDeviation(values, med) * 1.2533
		}
		if mad == 0 {
			continue
		}

		for i, v := range values {
			z := madScale * (v - med) / mad
			if math.Abs(z) <= d.zThreshold {
				continue
			}
			kind := types.AnomalyDrop
			if v > stats.Avg {
				kind = types.AnomalySpike
			}
			res.Anomalies = append(res.Anomalies, types.AnomalyRecord{
				HostID:     hostID,
				Metric:     metric,
				Value:      v,
				Timestamp:  samples[i].Timestamp,
				Score:      z,
				Kind:       kind,
				Confidence: math.Min(math.Abs(z)/5*100, 100),
			})
		}
	}

	sort.SliceStable(res.Anomalies, func(i, j int) bool {
		if res.Anomalies[i].Confidence != res.Anomalies[j].Confidence {
			return res.Anomalies[i].Confidence > res.Anomalies[j].Confidence
		}
		return math.Abs(res.Anomalies[i].Score) > math.Abs(res.Anomalies[j].Score)
	})
	return res
}

func summarize(values []float64) types.MetricStats {
	stats := types.MetricStats{Min: math.Inf(1), Max: math.Inf(-1)}
	var sum float64
	for _, v := range values {
		sum += v
		stats.Min = math.Min(stats.Min, v)
		stats.Max = math.Max(stats.Max, v)
	}
	stats.Avg = sum / float64(len(values))

	var sq float64
	for _, v := range values {
		sq += (v - stats.Avg) * (v - stats.Avg)
	}
	stats.StdDev = math.Sqrt(sq / float64(len(values)))
	return stats
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func medianAbsDeviation(values []float64, med float64) float64 {
	devs := make([]float64, len(values))
	for i, v := range values {
		devs[i] = math.Abs(v - med)
	}
	return median(devs)
}

func meanAbsDeviation(values []float64, med float64) float64 {
	var sum float64
	for _, v := range values {
		sum += math.Abs(v - med)
	}
	return sum / float64(len(values))
}
