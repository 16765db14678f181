package aggregate

import (
	"math"
	"time"

	"github.com/hostpulse/hostpulse/internal/types"
)

// stableSlopePerHour is the band within which a fitted slope counts as
// flat rather than rising or falling.
const stableSlopePerHour = 0.1

func metricStats(values []float64) types.MetricStats {
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

// rollup summarises one day's samples per metric.
func rollup(hostID string, day time.Time, samples []types.MetricSample, computedAt time.Time) types.DailyAggregate {
	agg := types.DailyAggregate{
		HostID:      hostID,
		Date:        day,
		SampleCount: len(samples),
		Metrics:     make(map[types.MetricName]types.MetricStats, len(types.MetricNames)),
		ComputedAt:  computedAt,
	}
	for _, metric := range types.MetricNames {
		values := make([]float64, len(samples))
		for i, s := range samples {
			values[i] = s.Value(metric)
		}
		agg.Metrics[metric] = metricStats(values)
	}
	return agg
}

// fitTrend fits an ordinary least-squares line per metric over the
// window. Too few samples yields an insufficient-data result, which is a
// normal outcome rather than an error.
func fitTrend(hostID string, samples []types.MetricSample, windowHours, minSamples int, computedAt time.Time) types.TrendResult {
	res := types.TrendResult{
		HostID:      hostID,
		WindowHours: windowHours,
		SampleCount: len(samples),
		ComputedAt:  computedAt,
	}
	if len(samples) < minSamples {
		res.InsufficientData = true
		return res
	}

	// Hours since the first sample, so the slope comes out in units per
	// hour directly.
	xs := make([]float64, len(samples))
	for i, s := range samples {
		xs[i] = s.Timestamp.Sub(samples[0].Timestamp).Hours()
	}
	var xMean float64
	for _, x := range xs {
		xMean += x
	}
	xMean /= float64(len(xs))

	res.Metrics = make(map[types.MetricName]types.MetricTrend, len(types.MetricNames))
	for _, metric := range types.MetricNames {
		var yMean float64
		for _, s := range samples {
			yMean += s.Value(metric)
		}
		yMean /= float64(len(samples))

		var sxy, sxx, syy float64
		for i, s := range samples {
			dx := xs[i] - xMean
			dy := s.Value(metric) - yMean
			sxy += dx * dy
			sxx += dx * dx
			syy += dy * dy
		}

		trend := types.MetricTrend{Direction: "stable"}
		switch {
		case sxx == 0:
			// All samples share a timestamp; no slope to fit.
		case syy == 0:
			// Perfectly flat series.
			trend.Confidence = 100
		default:
			trend.SlopePerHour = sxy / sxx
			trend.Confidence = (sxy * sxy) / (sxx * syy) * 100
			if trend.SlopePerHour > stableSlopePerHour {
				trend.Direction = "rising"
			} else if trend.SlopePerHour < -stableSlopePerHour {
				trend.Direction = "falling"
			}
		}
		res.Metrics[metric] = trend
	}
	return res
}

// recalibrate computes a fresh baseline from the lookback samples.
func recalibrate(hostID string, days int, samples []types.MetricSample, computedAt time.Time) types.Baseline {
	baseline := types.Baseline{
		HostID:       hostID,
		ComputedFrom: days,
		SampleCount:  len(samples),
		Metrics:      make(map[types.MetricName]types.MetricStats, len(types.MetricNames)),
		ComputedAt:   computedAt,
	}
	for _, metric := range types.MetricNames {
		values := make([]float64, len(samples))
		for i, s := range samples {
			values[i] = s.Value(metric)
		}
		baseline.Metrics[metric] = metricStats(values)
	}
	return baseline
}
