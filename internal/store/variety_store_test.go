package store

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVarietyStore(t *testing.T) (*VarietyMetricsStore, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	return NewVarietyMetricsStore(testConfig(), clock), clock
}

func TestRecordMeasurementAndCurrent(t *testing.T) {
	vs, _ := newTestVarietyStore(t)

	require.NoError(t, vs.RecordMeasurement("environment", MeasurementInput{
		Variety:  42,
		Metadata: map[string]interface{}{"window": "5m"},
	}))

	m, err := vs.Current("environment")
	require.NoError(t, err)
	assert.Equal(t, 42.0, m.Variety)
	assert.Equal(t, 42.0, m.Capacity) // defaults to variety
	assert.Equal(t, "5m", m.Metadata["window"])

	t.Run("explicit capacity", func(t *testing.T) {
		require.NoError(t, vs.RecordMeasurement("ops", MeasurementInput{
			Variety:  10,
			Capacity: floatPtr(25),
		}))
		m, err := vs.Current("ops")
		require.NoError(t, err)
		assert.Equal(t, 25.0, m.Capacity)
	})

	t.Run("empty source rejected", func(t *testing.T) {
		assert.ErrorIs(t, vs.RecordMeasurement("", MeasurementInput{Variety: 1}), ErrInvalidInput)
	})

	t.Run("unknown source", func(t *testing.T) {
		_, err := vs.Current("ghost")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestVarietyHistory(t *testing.T) {
	vs, clock := newTestVarietyStore(t)

	require.NoError(t, vs.RecordMeasurement("environment", MeasurementInput{Variety: 1}))
	clock.Advance(2 * time.Hour)
	require.NoError(t, vs.RecordMeasurement("environment", MeasurementInput{Variety: 2}))
	clock.Advance(10 * time.Minute)
	require.NoError(t, vs.RecordMeasurement("environment", MeasurementInput{Variety: 3}))

	t.Run("window bounds", func(t *testing.T) {
		got := vs.History("environment", time.Hour)
		require.Len(t, got, 2)
		// Newest first.
		assert.Equal(t, 3.0, got[0].Variety)
		assert.Equal(t, 2.0, got[1].Variety)
	})

	t.Run("wide window returns everything", func(t *testing.T) {
		assert.Len(t, vs.History("environment", 24*time.Hour), 3)
	})

	t.Run("unknown source is empty", func(t *testing.T) {
		assert.Empty(t, vs.History("ghost", time.Hour))
	})
}

func TestParseRange(t *testing.T) {
	tests := map[string]time.Duration{
		"minute": time.Minute,
		"hour":   time.Hour,
		"day":    24 * time.Hour,
		"week":   7 * 24 * time.Hour,
		"month":  30 * 24 * time.Hour,
	}
	for name, want := range tests {
		got, err := ParseRange(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseRange("fortnight")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCalculateGap(t *testing.T) {
	vs, _ := newTestVarietyStore(t)

	t.Run("deficit", func(t *testing.T) {
		gap := vs.CalculateGap(400, 150)
		assert.Equal(t, 250.0, gap.Gap)
		assert.InDelta(t, 2.6667, gap.GapRatio, 1e-3)
		assert.False(t, gap.RequisiteVarietyMet)
		assert.Equal(t, 250.0, gap.Deficit)
	})

	t.Run("surplus", func(t *testing.T) {
		gap := vs.CalculateGap(100, 150)
		assert.Equal(t, -50.0, gap.Gap)
		assert.True(t, gap.RequisiteVarietyMet)
		assert.Zero(t, gap.Deficit)
	})

	t.Run("zero system variety", func(t *testing.T) {
		gap := vs.CalculateGap(100, 0)
		assert.True(t, math.IsInf(gap.GapRatio, 1))
		assert.False(t, gap.RequisiteVarietyMet)
	})
}

func TestFlowRecording(t *testing.T) {
	vs, _ := newTestVarietyStore(t)

	t.Run("amplification", func(t *testing.T) {
		factor, err := vs.RecordAmplification("s3-coordinator", 100, 250)
		require.NoError(t, err)
		assert.Equal(t, 2.5, factor)

		record, err := vs.Flow("s3-coordinator", FlowAmplifier)
		require.NoError(t, err)
		assert.Equal(t, 2.5, record.Factor)
		assert.Equal(t, 100.0, record.InputVariety)
	})

	t.Run("attenuation", func(t *testing.T) {
		factor, err := vs.RecordAttenuation("s4-filter", 200, 50)
		require.NoError(t, err)
		assert.Equal(t, 0.25, factor)
	})

	t.Run("zero input yields zero factor", func(t *testing.T) {
		factor, err := vs.RecordAmplification("idle", 0, 50)
		require.NoError(t, err)
		assert.Zero(t, factor)
	})

	t.Run("empty component rejected", func(t *testing.T) {
		_, err := vs.RecordAmplification("", 1, 2)
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("kinds are tracked separately", func(t *testing.T) {
		_, err := vs.RecordAttenuation("s3-coordinator", 10, 5)
		require.NoError(t, err)

		amp, err := vs.Flow("s3-coordinator", FlowAmplifier)
		require.NoError(t, err)
		assert.Equal(t, 2.5, amp.Factor)

		att, err := vs.Flow("s3-coordinator", FlowAttenuator)
		require.NoError(t, err)
		assert.Equal(t, 0.5, att.Factor)
	})

	t.Run("unknown flow", func(t *testing.T) {
		_, err := vs.Flow("ghost", FlowAmplifier)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestRequisiteVarietyStatus(t *testing.T) {
	vs, _ := newTestVarietyStore(t)

	// "environment" is on the default environmental allow-list; "ops" is not.
	require.NoError(t, vs.RecordMeasurement("environment", MeasurementInput{Variety: 400}))
	require.NoError(t, vs.RecordMeasurement("ops", MeasurementInput{Variety: 150}))

	status := vs.RequisiteVarietyStatus()
	assert.Equal(t, 400.0, status.EnvironmentalVariety)
	assert.Equal(t, 150.0, status.SystemVariety)
	assert.Equal(t, 250.0, status.Gap)
	assert.False(t, status.Met)
	assert.InDelta(t, 0.375, status.CoverageRatio, 1e-9)
}

func TestRequisiteVarietyStatusNoEnvironment(t *testing.T) {
	vs, _ := newTestVarietyStore(t)

	require.NoError(t, vs.RecordMeasurement("ops", MeasurementInput{Variety: 150}))

	status := vs.RequisiteVarietyStatus()
	assert.Zero(t, status.EnvironmentalVariety)
	assert.True(t, status.Met)
	assert.Equal(t, 1.0, status.CoverageRatio)
}

func TestThresholdAlerts(t *testing.T) {
	vs, _ := newTestVarietyStore(t)

	require.NoError(t, vs.SetThreshold("environment", 100))

	alerts, cancel := vs.SubscribeAlerts()
	defer cancel()

	require.NoError(t, vs.RecordMeasurement("environment", MeasurementInput{Variety: 150}))

	select {
	case alert := <-alerts:
		assert.Equal(t, "environment", alert.Source)
		assert.Equal(t, 150.0, alert.Variety)
		assert.Equal(t, 100.0, alert.Threshold)
		assert.NotEmpty(t, alert.ID)
	case <-time.After(time.Second):
		t.Fatal("expected a threshold alert")
	}

	t.Run("below threshold is silent", func(t *testing.T) {
		require.NoError(t, vs.RecordMeasurement("environment", MeasurementInput{Variety: 50}))
		select {
		case alert := <-alerts:
			t.Fatalf("unexpected alert: %+v", alert)
		default:
		}
	})

	t.Run("unthresholded source is silent", func(t *testing.T) {
		require.NoError(t, vs.RecordMeasurement("ops", MeasurementInput{Variety: 9999}))
		select {
		case alert := <-alerts:
			t.Fatalf("unexpected alert: %+v", alert)
		default:
		}
	})
}

func TestSetThresholdValidation(t *testing.T) {
	vs, _ := newTestVarietyStore(t)

	assert.ErrorIs(t, vs.SetThreshold("", 10), ErrInvalidInput)
	assert.ErrorIs(t, vs.SetThreshold("environment", -1), ErrInvalidInput)
}

func TestApplyThresholds(t *testing.T) {
	vs, _ := newTestVarietyStore(t)

	require.NoError(t, vs.SetThreshold("old", 10))
	vs.ApplyThresholds(map[string]float64{"environment": 200})

	alerts, cancel := vs.SubscribeAlerts()
	defer cancel()

	// The replaced table no longer knows "old".
	require.NoError(t, vs.RecordMeasurement("old", MeasurementInput{Variety: 9999}))
	select {
	case alert := <-alerts:
		t.Fatalf("unexpected alert: %+v", alert)
	default:
	}

	require.NoError(t, vs.RecordMeasurement("environment", MeasurementInput{Variety: 300}))
	select {
	case alert := <-alerts:
		assert.Equal(t, "environment", alert.Source)
	case <-time.After(time.Second):
		t.Fatal("expected a threshold alert")
	}
}

func TestAnalyzeTrends(t *testing.T) {
	vs, clock := newTestVarietyStore(t)

	// Rising fast, falling, and a single-sample source.
	for i := 0; i < 5; i++ {
		require.NoError(t, vs.RecordMeasurement("rising", MeasurementInput{Variety: float64(i)}))
		require.NoError(t, vs.RecordMeasurement("falling", MeasurementInput{Variety: float64(10 - i)}))
		clock.Advance(time.Minute)
	}
	require.NoError(t, vs.RecordMeasurement("sparse", MeasurementInput{Variety: 7}))

	analysis := vs.AnalyzeTrends(time.Hour)
	require.Len(t, analysis.Sources, 3)

	assert.Equal(t, TrendIncreasing, analysis.Sources["rising"].Direction)
	assert.InDelta(t, 1.0, analysis.Sources["rising"].Slope, 1e-9)
	assert.Equal(t, TrendDecreasing, analysis.Sources["falling"].Direction)
	assert.Equal(t, TrendInsufficientData, analysis.Sources["sparse"].Direction)
	assert.Equal(t, 1, analysis.Sources["sparse"].Samples)

	// Slope 1.0 is past the critical bar.
	assert.Contains(t, analysis.CriticalSources, "rising")

	// One increasing, one decreasing: the vote ties.
	assert.Equal(t, TrendStable, analysis.Overall)
}

func TestAnalyzeTrendsWindowing(t *testing.T) {
	vs, clock := newTestVarietyStore(t)

	// Old samples fall outside the window, leaving too few to fit.
	require.NoError(t, vs.RecordMeasurement("env", MeasurementInput{Variety: 1}))
	require.NoError(t, vs.RecordMeasurement("env", MeasurementInput{Variety: 5}))
	clock.Advance(2 * time.Hour)
	require.NoError(t, vs.RecordMeasurement("env", MeasurementInput{Variety: 9}))

	analysis := vs.AnalyzeTrends(time.Hour)
	assert.Equal(t, TrendInsufficientData, analysis.Sources["env"].Direction)
}

func TestAnalyzeTrendsEmpty(t *testing.T) {
	vs, _ := newTestVarietyStore(t)

	analysis := vs.AnalyzeTrends(time.Hour)
	assert.Empty(t, analysis.Sources)
	assert.Equal(t, TrendStable, analysis.Overall)
	assert.Empty(t, analysis.CriticalSources)
}

func TestPurgeSeries(t *testing.T) {
	cfg := testConfig()
	cfg.Variety.SeriesRetention = "1h"
	clock := newFakeClock()
	vs := NewVarietyMetricsStore(cfg, clock)

	require.NoError(t, vs.RecordMeasurement("env", MeasurementInput{Variety: 1}))
	_, err := vs.RecordAmplification("comp", 10, 20)
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)
	require.NoError(t, vs.RecordMeasurement("env", MeasurementInput{Variety: 2}))

	clock.Advance(45 * time.Minute)
	purged := vs.PurgeSeries()
	assert.Equal(t, 2, purged) // first measurement and the flow record

	history := vs.History("env", 24*time.Hour)
	require.Len(t, history, 1)
	assert.Equal(t, 2.0, history[0].Variety)

	// Current value survives purging.
	_, err = vs.Current("env")
	assert.NoError(t, err)

	assert.Zero(t, vs.PurgeSeries())
}

func TestVarietyStats(t *testing.T) {
	vs, _ := newTestVarietyStore(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, vs.RecordMeasurement(fmt.Sprintf("src-%d", i), MeasurementInput{Variety: 1}))
	}
	require.NoError(t, vs.RecordMeasurement("src-0", MeasurementInput{Variety: 2}))
	_, err := vs.RecordAmplification("comp", 1, 2)
	require.NoError(t, err)

	stats := vs.Stats()
	assert.Equal(t, 3, stats["sources"])
	assert.Equal(t, 4, stats["total_samples"])
	assert.Equal(t, 1, stats["flows"])
}

func TestVarietyStoreLifecycle(t *testing.T) {
	cfg := testConfig()
	cfg.Variety.TrendInterval = "10ms"
	vs := NewVarietyMetricsStore(cfg, SystemClock())

	vs.Start()
	vs.Start() // idempotent

	require.NoError(t, vs.RecordMeasurement("env", MeasurementInput{Variety: 1}))
	time.Sleep(30 * time.Millisecond)

	vs.Stop()
	vs.Stop() // idempotent

	// Subscribing after shutdown yields a closed channel.
	ch, cancel := vs.SubscribeAlerts()
	defer cancel()
	_, open := <-ch
	assert.False(t, open)
}
