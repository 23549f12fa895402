package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	cfg := testConfig()
	// Keep background tickers quiet for the duration of a test.
	cfg.Policy.CleanupInterval = "1h"
	cfg.Adaptation.PatternInterval = "1h"
	cfg.Variety.TrendInterval = "1h"
	return NewCoordinator(cfg, newFakeClock())
}

func TestCoordinatorLifecycle(t *testing.T) {
	c := newTestCoordinator(t)

	// Before Start every accessor refuses.
	_, err := c.Policies()
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = c.Adaptations()
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = c.Variety()
	assert.ErrorIs(t, err, ErrUnavailable)

	c.Start()
	c.Start() // idempotent
	defer c.Stop()

	ps, err := c.Policies()
	require.NoError(t, err)
	_, err = ps.Store("quota", map[string]interface{}{"type": "quota"}, nil)
	require.NoError(t, err)

	as, err := c.Adaptations()
	require.NoError(t, err)
	_, err = as.Store("a1", nil, nil)
	require.NoError(t, err)

	vs, err := c.Variety()
	require.NoError(t, err)
	require.NoError(t, vs.RecordMeasurement("environment", MeasurementInput{Variety: 1}))
}

func TestCoordinatorStopIsIdempotent(t *testing.T) {
	c := newTestCoordinator(t)
	c.Start()
	c.Stop()
	c.Stop()

	_, err := c.Policies()
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestCoordinatorHealthCheck(t *testing.T) {
	c := newTestCoordinator(t)

	health := c.HealthCheck()
	assert.Equal(t, HealthNotRunning, health.Policies)
	assert.Equal(t, HealthNotRunning, health.Adaptations)
	assert.Equal(t, HealthNotRunning, health.Variety)

	c.Start()
	defer c.Stop()

	health = c.HealthCheck()
	assert.Equal(t, HealthHealthy, health.Policies)
	assert.Equal(t, HealthHealthy, health.Adaptations)
	assert.Equal(t, HealthHealthy, health.Variety)
}

func TestCoordinatorStatistics(t *testing.T) {
	c := newTestCoordinator(t)
	c.Start()
	defer c.Stop()

	ps, err := c.Policies()
	require.NoError(t, err)
	_, err = ps.Store("quota", map[string]interface{}{"type": "quota"}, nil)
	require.NoError(t, err)

	stats := c.Statistics()
	require.NotNil(t, stats.Policies)
	require.NotNil(t, stats.Adaptations)
	require.NotNil(t, stats.Variety)
	assert.Equal(t, 1, stats.Policies["total_policies"])
	assert.False(t, stats.CollectedAt.IsZero())
}

func TestCoordinatorStatisticsWhenStopped(t *testing.T) {
	c := newTestCoordinator(t)

	stats := c.Statistics()
	assert.Nil(t, stats.Policies)
	assert.Nil(t, stats.Adaptations)
	assert.Nil(t, stats.Variety)
}

func TestCoordinatorRestartsCrashedStore(t *testing.T) {
	c := newTestCoordinator(t)
	c.Start()
	defer c.Stop()

	ps, err := c.Policies()
	require.NoError(t, err)
	_, err = ps.Store("quota", map[string]interface{}{"type": "quota"}, nil)
	require.NoError(t, err)

	c.handleCrash(storePolicies, "induced failure")

	// The replacement comes up with empty tables.
	require.Eventually(t, func() bool {
		replacement, err := c.Policies()
		if err != nil {
			return false
		}
		_, err = replacement.Get("quota")
		return err != nil
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, c.RestartCount(storePolicies))

	// The other stores were untouched.
	health := c.HealthCheck()
	assert.Equal(t, HealthHealthy, health.Adaptations)
	assert.Equal(t, HealthHealthy, health.Variety)
}

func TestCoordinatorRestartBudgetExhaustion(t *testing.T) {
	cfg := testConfig()
	cfg.Policy.CleanupInterval = "1h"
	cfg.Adaptation.PatternInterval = "1h"
	cfg.Variety.TrendInterval = "1h"
	cfg.Coordinator.MaxRestarts = 2
	cfg.Coordinator.RestartWindow = "5s"

	c := NewCoordinator(cfg, newFakeClock())
	c.Start()
	defer c.Stop()

	// Two crashes are absorbed.
	for i := 0; i < 2; i++ {
		c.handleCrash(storeVariety, "induced failure")
		require.Eventually(t, func() bool {
			_, err := c.Variety()
			return err == nil
		}, 2*time.Second, 5*time.Millisecond)
	}

	// The third exceeds the budget: the engine fails.
	c.handleCrash(storeVariety, "induced failure")

	select {
	case err := <-c.Failed():
		require.Error(t, err)
		assert.Contains(t, err.Error(), "restart budget")
	case <-time.After(2 * time.Second):
		t.Fatal("expected engine failure")
	}

	_, err := c.Variety()
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = c.Policies()
	assert.ErrorIs(t, err, ErrUnavailable)

	health := c.HealthCheck()
	assert.Equal(t, HealthUnhealthy, health.Variety)
	assert.Equal(t, HealthUnhealthy, health.Policies)
}

func TestCoordinatorPanicInBackgroundLoopTriggersRestart(t *testing.T) {
	cfg := testConfig()
	// A hot cleanup ticker so the panic fires fast.
	cfg.Policy.CleanupInterval = "5ms"
	cfg.Adaptation.PatternInterval = "1h"
	cfg.Variety.TrendInterval = "1h"
	cfg.Policy.VersionRetention = 10

	c := NewCoordinator(cfg, SystemClock())
	c.Start()
	defer c.Stop()

	ps, err := c.Policies()
	require.NoError(t, err)

	// Sabotage the running store so its next cleanup pass panics.
	ps.mu.Lock()
	ps.versions["broken"] = append(ps.versions["broken"], nil, nil,
		nil, nil, nil, nil, nil, nil, nil, nil, nil, nil)
	ps.retention = -1
	ps.mu.Unlock()

	require.Eventually(t, func() bool {
		return c.RestartCount(storePolicies) >= 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCoordinatorHandleCrashIgnoredWhenStopped(t *testing.T) {
	c := newTestCoordinator(t)
	c.handleCrash(storePolicies, "noise")

	assert.Zero(t, c.RestartCount(storePolicies))
	select {
	case err := <-c.Failed():
		t.Fatalf("unexpected failure: %v", err)
	default:
	}
}

func TestCoordinatorApplyConfig(t *testing.T) {
	c := newTestCoordinator(t)
	c.Start()
	defer c.Stop()

	cfg := testConfig()
	cfg.Variety.Thresholds = map[string]float64{"environment": 50}
	c.ApplyConfig(cfg)

	vs, err := c.Variety()
	require.NoError(t, err)

	alerts, cancel := vs.SubscribeAlerts()
	defer cancel()

	require.NoError(t, vs.RecordMeasurement("environment", MeasurementInput{Variety: 75}))
	select {
	case alert := <-alerts:
		assert.Equal(t, 50.0, alert.Threshold)
	case <-time.After(time.Second):
		t.Fatal("expected alert after threshold reload")
	}
}
