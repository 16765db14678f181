package anomaly

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostpulse/hostpulse/internal/config"
	"github.com/hostpulse/hostpulse/internal/types"
)

func newTestDetector() *Detector {
	return NewDetector(config.AnomalyConfig{ZThreshold: 3.5, MinSamples: 10})
}

// steadySamples produces a window of cpu values hovering around 50 with
// the other metrics held flat.
func steadySamples(n int) []types.MetricSample {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	out := make([]types.MetricSample, n)
	for i := range out {
		out[i] = types.MetricSample{
			HostID:    "web-01",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			CPUPct:    float64(49 + i%3),
			MemPct:    40,
			DiskPct:   60,
			LatencyMs: 12,
			LoadAvg:   1.1,
		}
	}
	return out
}

func TestDetectInsufficientData(t *testing.T) {
	d := newTestDetector()

	res := d.Detect("web-01", steadySamples(5))
	assert.True(t, res.InsufficientData)
	assert.Empty(t, res.Anomalies)
	assert.Equal(t, 5, res.WindowSize)
}

func TestDetectCleanWindow(t *testing.T) {
	d := newTestDetector()

	res := d.Detect("web-01", steadySamples(30))
	assert.False(t, res.InsufficientData)
	assert.Empty(t, res.Anomalies)

	base, ok := res.Baseline[types.MetricCPU]
	require.True(t, ok)
	assert.InDelta(t, 50, base.Avg, 0.5)
	assert.Less(t, base.StdDev, 1.0)
}

func TestDetectSpike(t *testing.T) {
	d := newTestDetector()
	samples := steadySamples(30)
	samples[17].CPUPct = 99

	res := d.Detect("web-01", samples)
	require.Len(t, res.Anomalies, 1)

	a := res.Anomalies[0]
	assert.Equal(t, "web-01", a.HostID)
	assert.Equal(t, types.MetricCPU, a.Metric)
	assert.Equal(t, types.AnomalySpike, a.Kind)
	assert.Equal(t, 99.0, a.Value)
	assert.Equal(t, samples[17].Timestamp, a.Timestamp)
	assert.Greater(t, a.Score, 3.5)
	assert.Equal(t, 100.0, a.Confidence, "far outliers cap at full confidence")
}

func TestDetectDrop(t *testing.T) {
	d := newTestDetector()
	samples := steadySamples(30)
	samples[8].CPUPct = 2

	res := d.Detect("web-01", samples)
	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, types.AnomalyDrop, res.Anomalies[0].Kind)
	assert.Negative(t, res.Anomalies[0].Score)
}

func TestDetectRankedBySeverity(t *testing.T) {
	d := newTestDetector()
	samples := steadySamples(30)
	samples[5].CPUPct = 75
	samples[20].CPUPct = 99

	res := d.Detect("web-01", samples)
	require.Len(t, res.Anomalies, 2)
	assert.Equal(t, 99.0, res.Anomalies[0].Value)
	assert.Equal(t, 75.0, res.Anomalies[1].Value)
}

func TestDetectFlatMetricWithLoneOutlier(t *testing.T) {
	d := newTestDetector()

	// disk is identical across the whole window, so the MAD collapses
	// to zero. The fallback deviation must still catch the outlier.
	samples := steadySamples(30)
	samples[12].DiskPct = 95

	res := d.Detect("web-01", samples)
	require.NotEmpty(t, res.Anomalies)
	found := false
	for _, a := range res.Anomalies {
		if a.Metric == types.MetricDisk {
			found = true
			assert.Equal(t, types.AnomalySpike, a.Kind)
		}
	}
	assert.True(t, found)
}

func TestDetectConfidenceScaling(t *testing.T) {
	d := newTestDetector()
	samples := steadySamples(30)
	// Mild outlier: z lands between the threshold and the cap.
	samples[10].CPUPct = 57

	res := d.Detect("web-01", samples)
	require.Len(t, res.Anomalies, 1)
	a := res.Anomalies[0]
	assert.Greater(t, a.Confidence, 70.0)
	assert.Less(t, a.Confidence, 100.0)
}
