package evaluator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostpulse/hostpulse/internal/config"
	"github.com/hostpulse/hostpulse/internal/types"
)

func testThresholds() map[string]config.ThresholdConfig {
	return map[string]config.ThresholdConfig{
		"cpu":     {Warning: 61, Critical: 81, Danger: 96},
		"memory":  {Warning: 71, Critical: 86, Danger: 96},
		"disk":    {Warning: 76, Critical: 86, Danger: 96},
		"latency": {Warning: 300, Critical: 800, Danger: 2000},
		"load":    {Warning: 4, Critical: 8, Danger: 16},
	}
}

func sample(cpu, mem, disk, latency, load float64) types.MetricSample {
	return types.MetricSample{
		HostID:    "h1",
		Timestamp: time.Now(),
		CPUPct:    cpu,
		MemPct:    mem,
		DiskPct:   disk,
		LatencyMs: latency,
		LoadAvg:   load,
	}
}

func TestEvaluateLevels(t *testing.T) {
	e := NewEvaluator(testThresholds())

	cases := []struct {
		name   string
		sample types.MetricSample
		want   types.StatusLevel
	}{
		{"all normal", sample(20, 40, 50, 100, 1), types.StatusHealthy},
		{"cpu warning", sample(65, 40, 50, 100, 1), types.StatusWarning},
		{"disk warning alone", sample(20, 40, 80, 100, 1), types.StatusHealthy},
		{"two warnings", sample(20, 40, 80, 350, 1), types.StatusWarning},
		{"cpu critical", sample(85, 40, 50, 100, 1), types.StatusCritical},
		{"memory critical", sample(20, 90, 50, 100, 1), types.StatusCritical},
		{"disk critical alone", sample(20, 40, 90, 100, 1), types.StatusWarning},
		{"two non-core criticals", sample(20, 40, 90, 900, 1), types.StatusCritical},
		{"cpu critical plus warning", sample(85, 40, 80, 100, 1), types.StatusDanger},
		{"cpu danger", sample(97, 40, 50, 100, 1), types.StatusDanger},
		{"latency danger", sample(20, 40, 50, 2500, 1), types.StatusDanger},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := e.Evaluate(tc.sample)
			assert.Equal(t, tc.want, got.Level)
		})
	}
}

func TestEvaluateReasons(t *testing.T) {
	e := NewEvaluator(testThresholds())

	got := e.Evaluate(sample(85, 40, 80, 100, 1))
	require.Len(t, got.Reasons, 2)

	byMetric := map[types.MetricName]Reason{}
	for _, r := range got.Reasons {
		byMetric[r.Metric] = r
	}
	assert.Equal(t, "critical", byMetric[types.MetricCPU].Band)
	assert.Equal(t, 81.0, byMetric[types.MetricCPU].Threshold)
	assert.Equal(t, "warning", byMetric[types.MetricDisk].Band)
}

func TestEvaluateDeterministic(t *testing.T) {
	e := NewEvaluator(testThresholds())
	s := sample(85, 90, 90, 900, 9)

	first := e.Evaluate(s)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, e.Evaluate(s))
	}
}

func TestEvaluateConfidence(t *testing.T) {
	e := NewEvaluator(testThresholds())

	assert.Equal(t, 100, e.Evaluate(sample(20, 40, 50, 100, 1)).Confidence)
	assert.Equal(t, 95, e.Evaluate(sample(97, 40, 50, 100, 1)).Confidence)
	assert.Equal(t, 90, e.Evaluate(sample(85, 40, 50, 100, 1)).Confidence)
	assert.Equal(t, 85, e.Evaluate(sample(65, 40, 50, 100, 1)).Confidence)
}

func TestRecommendationsFollowBreaches(t *testing.T) {
	e := NewEvaluator(testThresholds())

	res := e.Evaluate(sample(85, 40, 50, 100, 1))
	recs := Recommendations(res.Level, res.Reasons)

	require.NotEmpty(t, recs)
	var hasCPUAction bool
	for _, r := range recs {
		if r.Action == "restart services consuming excessive CPU" {
			hasCPUAction = true
		}
	}
	assert.True(t, hasCPUAction)
}
