// Package store - variety measurement persistence.
// This file implements the VarietyMetricsStore: per-source variety
// measurements kept as current values plus an append-only time series,
// with gap/trend analytics and threshold alerting on top.
package store

import (
	"fmt"
	"math"
	"sync"
	"time"

	"governor/internal/config"
	"governor/internal/logging"

	"github.com/google/uuid"
)

// MeasurementInput is the payload for RecordMeasurement. Capacity defaults
// to the variety value when unset.
type MeasurementInput struct {
	Variety  float64
	Capacity *float64
	Metadata map[string]interface{}
}

// VarietyMetricsStore records per-source variety and computes
// gap/trend/requisite-variety analytics. One write path, many concurrent
// readers.
type VarietyMetricsStore struct {
	mu sync.RWMutex

	current    map[string]*VarietyMeasurement
	series     map[string][]*VarietyMeasurement // Ascending by timestamp
	flows      map[string]*FlowRecord
	flowSeries map[string][]*FlowRecord
	thresholds map[string]float64
	envSources map[string]struct{}

	notifier *Notifier

	retention     time.Duration
	trendInterval time.Duration
	trendWindow   time.Duration
	clock         Clock

	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
	onPanic func(interface{})
}

// SetPanicHandler installs a handler for panics escaping the background
// loop. Must be called before Start.
func (vs *VarietyMetricsStore) SetPanicHandler(fn func(interface{})) {
	vs.mu.Lock()
	vs.onPanic = fn
	vs.mu.Unlock()
}

// NewVarietyMetricsStore creates an empty variety store configured from cfg.
// Thresholds and the environmental source allow-list come from config and
// can be re-applied at runtime.
func NewVarietyMetricsStore(cfg *config.Config, clock Clock) *VarietyMetricsStore {
	if clock == nil {
		clock = SystemClock()
	}

	logging.Variety("Initializing variety store (retention=%v, trend_interval=%v, trend_window=%v)",
		cfg.GetSeriesRetention(), cfg.GetTrendInterval(), cfg.GetTrendWindow())

	vs := &VarietyMetricsStore{
		current:       make(map[string]*VarietyMeasurement),
		series:        make(map[string][]*VarietyMeasurement),
		flows:         make(map[string]*FlowRecord),
		flowSeries:    make(map[string][]*FlowRecord),
		thresholds:    make(map[string]float64),
		envSources:    make(map[string]struct{}),
		notifier:      NewNotifier(),
		retention:     cfg.GetSeriesRetention(),
		trendInterval: cfg.GetTrendInterval(),
		trendWindow:   cfg.GetTrendWindow(),
		clock:         clock,
	}

	for source, threshold := range cfg.Variety.Thresholds {
		vs.thresholds[source] = threshold
	}
	for _, source := range cfg.Variety.EnvironmentalSources {
		vs.envSources[source] = struct{}{}
	}

	return vs
}

// RecordMeasurement updates the source's current variety, appends to its
// time series, and raises a threshold alert when the configured per-source
// threshold is exceeded.
func (vs *VarietyMetricsStore) RecordMeasurement(source string, input MeasurementInput) error {
	timer := logging.StartTimer(logging.CategoryVariety, "VarietyMetricsStore.RecordMeasurement")
	defer timer.Stop()

	if source == "" {
		return invalidInputErr("measurement source must be non-empty")
	}

	capacity := input.Variety
	if input.Capacity != nil {
		capacity = *input.Capacity
	}

	vs.mu.Lock()
	now := vs.clock.Now()
	m := &VarietyMeasurement{
		Source:    source,
		Variety:   input.Variety,
		Capacity:  capacity,
		Metadata:  cloneMap(input.Metadata),
		Timestamp: now,
	}

	vs.current[source] = m
	vs.series[source] = append(vs.series[source], m)

	threshold, hasThreshold := vs.thresholds[source]
	vs.mu.Unlock()

	logging.VarietyDebug("Recorded measurement source=%s variety=%.2f capacity=%.2f",
		source, input.Variety, capacity)

	// Publish outside the lock; delivery never blocks.
	if hasThreshold && input.Variety > threshold {
		logging.Audit().ThresholdAlert(source, input.Variety, threshold)
		vs.notifier.Publish(ThresholdAlert{
			ID:        uuid.NewString(),
			Source:    source,
			Variety:   input.Variety,
			Threshold: threshold,
			Timestamp: now,
		})
	}

	return nil
}

// Current returns the latest measurement for a source.
func (vs *VarietyMetricsStore) Current(source string) (*VarietyMeasurement, error) {
	vs.mu.RLock()
	defer vs.mu.RUnlock()

	m, ok := vs.current[source]
	if !ok {
		return nil, notFoundErr("variety source", source)
	}
	return copyMeasurement(m), nil
}

// History returns the source's measurements within [now-window, now],
// newest first. Unknown sources yield an empty result.
func (vs *VarietyMetricsStore) History(source string, window time.Duration) []*VarietyMeasurement {
	vs.mu.RLock()
	defer vs.mu.RUnlock()

	cutoff := vs.clock.Now().Add(-window)
	series := vs.series[source]

	var out []*VarietyMeasurement
	for i := len(series) - 1; i >= 0; i-- {
		if series[i].Timestamp.Before(cutoff) {
			break
		}
		out = append(out, copyMeasurement(series[i]))
	}
	return out
}

// ParseRange resolves a named history range. Month is 30 days.
func ParseRange(name string) (time.Duration, error) {
	switch name {
	case "minute":
		return time.Minute, nil
	case "hour":
		return time.Hour, nil
	case "day":
		return 24 * time.Hour, nil
	case "week":
		return 7 * 24 * time.Hour, nil
	case "month":
		return 30 * 24 * time.Hour, nil
	default:
		return 0, invalidInputErr("unknown history range %q", name)
	}
}

// CalculateGap compares environmental variety against system regulatory
// variety. The ratio is +Inf when the system has no variety at all.
func (vs *VarietyMetricsStore) CalculateGap(envVariety, sysVariety float64) VarietyGap {
	gap := envVariety - sysVariety

	ratio := math.Inf(1)
	if sysVariety != 0 {
		ratio = envVariety / sysVariety
	}

	deficit := gap
	if deficit < 0 {
		deficit = 0
	}

	return VarietyGap{
		Gap:                 gap,
		GapRatio:            ratio,
		RequisiteVarietyMet: gap <= 0,
		Deficit:             deficit,
	}
}

// RecordAmplification persists an amplification factor for a component.
// The factor is output/input, or 0 when input is 0.
func (vs *VarietyMetricsStore) RecordAmplification(componentID string, input, output float64) (float64, error) {
	return vs.recordFlow(componentID, FlowAmplifier, input, output)
}

// RecordAttenuation persists an attenuation factor for a component.
func (vs *VarietyMetricsStore) RecordAttenuation(componentID string, input, output float64) (float64, error) {
	return vs.recordFlow(componentID, FlowAttenuator, input, output)
}

func (vs *VarietyMetricsStore) recordFlow(componentID string, kind FlowKind, input, output float64) (float64, error) {
	if componentID == "" {
		return 0, invalidInputErr("component id must be non-empty")
	}

	factor := 0.0
	if input != 0 {
		factor = output / input
	}

	vs.mu.Lock()
	defer vs.mu.Unlock()

	record := &FlowRecord{
		ComponentID:   componentID,
		Kind:          kind,
		InputVariety:  input,
		OutputVariety: output,
		Factor:        factor,
		Timestamp:     vs.clock.Now(),
	}

	key := flowKey(componentID, kind)
	vs.flows[key] = record
	vs.flowSeries[key] = append(vs.flowSeries[key], record)

	logging.VarietyDebug("Recorded %s component=%s factor=%.3f", kind, componentID, factor)
	return factor, nil
}

// Flow returns the latest amplification or attenuation record for a
// component.
func (vs *VarietyMetricsStore) Flow(componentID string, kind FlowKind) (*FlowRecord, error) {
	vs.mu.RLock()
	defer vs.mu.RUnlock()

	record, ok := vs.flows[flowKey(componentID, kind)]
	if !ok {
		return nil, notFoundErr("flow component", componentID)
	}
	out := *record
	return &out, nil
}

// AnalyzeTrends fits a least-squares line per source over the window and
// classifies each as increasing, decreasing, or stable. Sources with fewer
// than two samples report insufficient data. Never fails; empty input
// degrades to an empty, stable analysis.
func (vs *VarietyMetricsStore) AnalyzeTrends(window time.Duration) TrendAnalysis {
	timer := logging.StartTimer(logging.CategoryVariety, "VarietyMetricsStore.AnalyzeTrends")
	defer timer.Stop()

	vs.mu.RLock()
	cutoff := vs.clock.Now().Add(-window)
	samples := make(map[string][]float64, len(vs.series))
	for source, series := range vs.series {
		var values []float64
		for _, m := range series {
			if m.Timestamp.Before(cutoff) {
				continue
			}
			values = append(values, m.Variety)
		}
		samples[source] = values
	}
	now := vs.clock.Now()
	vs.mu.RUnlock()

	analysis := TrendAnalysis{
		Sources:    make(map[string]SourceTrend, len(samples)),
		Window:     window,
		AnalyzedAt: now,
	}

	for source, values := range samples {
		trend := SourceTrend{Source: source, Samples: len(values)}
		if len(values) < 2 {
			trend.Direction = TrendInsufficientData
		} else {
			trend.Slope = fitSlope(values)
			trend.Direction = classifyTrend(trend.Slope)
			if trend.Direction == TrendIncreasing && trend.Slope > criticalSlope {
				analysis.CriticalSources = append(analysis.CriticalSources, source)
			}
		}
		analysis.Sources[source] = trend
	}

	analysis.Overall = overallTrend(analysis.Sources)

	logging.VarietyDebug("Trend analysis: %d sources, overall=%s, critical=%d",
		len(analysis.Sources), analysis.Overall, len(analysis.CriticalSources))
	return analysis
}

// RequisiteVarietyStatus splits current sources into environmental and
// system variety per the configured allow-list and reports whether
// regulatory variety matches.
func (vs *VarietyMetricsStore) RequisiteVarietyStatus() RequisiteVarietyStatus {
	vs.mu.RLock()
	defer vs.mu.RUnlock()

	var environmental, system float64
	for source, m := range vs.current {
		if _, ok := vs.envSources[source]; ok {
			environmental += m.Variety
		} else {
			system += m.Variety
		}
	}

	coverage := 1.0
	if environmental != 0 {
		coverage = system / environmental
	}

	gap := environmental - system
	return RequisiteVarietyStatus{
		EnvironmentalVariety: environmental,
		SystemVariety:        system,
		Gap:                  gap,
		Met:                  gap <= 0,
		CoverageRatio:        coverage,
	}
}

// SetThreshold configures the alert threshold for a source.
func (vs *VarietyMetricsStore) SetThreshold(source string, threshold float64) error {
	if source == "" {
		return invalidInputErr("threshold source must be non-empty")
	}
	if threshold < 0 {
		return invalidInputErr("threshold must be non-negative, got %v", threshold)
	}

	vs.mu.Lock()
	vs.thresholds[source] = threshold
	vs.mu.Unlock()

	logging.Variety("Threshold set: source=%s threshold=%.2f", source, threshold)
	return nil
}

// ApplyThresholds replaces the threshold table wholesale. Used by config
// hot reload.
func (vs *VarietyMetricsStore) ApplyThresholds(thresholds map[string]float64) {
	vs.mu.Lock()
	vs.thresholds = make(map[string]float64, len(thresholds))
	for source, threshold := range thresholds {
		vs.thresholds[source] = threshold
	}
	vs.mu.Unlock()

	logging.Variety("Applied %d thresholds from config", len(thresholds))
}

// SubscribeAlerts registers a threshold-alert subscriber.
func (vs *VarietyMetricsStore) SubscribeAlerts() (<-chan ThresholdAlert, func()) {
	return vs.notifier.Subscribe()
}

// PurgeSeries drops time-series samples older than the retention horizon.
// Called on the trend cadence; exported so tests can force a pass.
func (vs *VarietyMetricsStore) PurgeSeries() int {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	cutoff := vs.clock.Now().Add(-vs.retention)
	purged := 0

	for source, series := range vs.series {
		idx := 0
		for idx < len(series) && series[idx].Timestamp.Before(cutoff) {
			idx++
		}
		if idx > 0 {
			vs.series[source] = append([]*VarietyMeasurement(nil), series[idx:]...)
			purged += idx
		}
	}

	for key, series := range vs.flowSeries {
		idx := 0
		for idx < len(series) && series[idx].Timestamp.Before(cutoff) {
			idx++
		}
		if idx > 0 {
			vs.flowSeries[key] = append([]*FlowRecord(nil), series[idx:]...)
			purged += idx
		}
	}

	if purged > 0 {
		logging.Variety("Purged %d expired samples", purged)
	}
	return purged
}

// Stats returns statistics about the variety store.
func (vs *VarietyMetricsStore) Stats() map[string]interface{} {
	vs.mu.RLock()
	defer vs.mu.RUnlock()

	totalSamples := 0
	for _, series := range vs.series {
		totalSamples += len(series)
	}

	return map[string]interface{}{
		"sources":       len(vs.current),
		"total_samples": totalSamples,
		"flows":         len(vs.flows),
		"thresholds":    len(vs.thresholds),
		"subscribers":   vs.notifier.SubscriberCount(),
	}
}

// Start launches the background trend/retention job. Non-blocking.
func (vs *VarietyMetricsStore) Start() {
	vs.mu.Lock()
	if vs.running {
		vs.mu.Unlock()
		return
	}
	vs.running = true
	vs.stopCh = make(chan struct{})
	vs.doneCh = make(chan struct{})
	vs.mu.Unlock()

	go vs.run()
}

// Stop halts the background job, waits for it to exit, and closes the
// alert notifier.
func (vs *VarietyMetricsStore) Stop() {
	vs.mu.Lock()
	if !vs.running {
		vs.mu.Unlock()
		return
	}
	vs.running = false
	stopCh := vs.stopCh
	doneCh := vs.doneCh
	vs.mu.Unlock()

	close(stopCh)
	<-doneCh
	vs.notifier.Close()
}

// run is the store's serialized background loop. Panics escape to the
// supervising coordinator.
func (vs *VarietyMetricsStore) run() {
	defer close(vs.doneCh)
	defer guardPanic(vs.onPanic)

	ticker := time.NewTicker(vs.trendInterval)
	defer ticker.Stop()

	for {
		select {
		case <-vs.stopCh:
			logging.Variety("Variety store background loop stopped")
			return
		case <-ticker.C:
			analysis := vs.AnalyzeTrends(vs.trendWindow)
			if len(analysis.CriticalSources) > 0 {
				logging.Variety("Critical variety sources: %v", analysis.CriticalSources)
			}
			vs.PurgeSeries()
		}
	}
}

func flowKey(componentID string, kind FlowKind) string {
	return fmt.Sprintf("%s:%s", kind, componentID)
}

func copyMeasurement(m *VarietyMeasurement) *VarietyMeasurement {
	out := *m
	out.Metadata = cloneMap(m.Metadata)
	return &out
}
