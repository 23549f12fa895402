// Package store - adaptation persistence and online learning.
// This file implements the AdaptationStore: it records adaptation attempts
// and their outcomes, maintains per-adaptation learning records, and serves
// similarity queries over anomaly contexts.
package store

import (
	"sort"
	"sync"
	"time"

	"governor/internal/config"
	"governor/internal/logging"
)

// AdaptationStore records adaptation attempts, scores their outcomes, and
// extracts recurring patterns. One write path, many concurrent readers.
type AdaptationStore struct {
	mu sync.RWMutex

	adaptations map[string]*Adaptation
	learning    map[string]*LearningRecord
	patterns    map[string]*Pattern

	// Global success rate, exponentially smoothed over all outcomes.
	successRate  float64
	outcomeCount int64

	outcomeAlpha     float64
	globalAlpha      float64
	transferDiscount float64
	patternInterval  time.Duration
	patternMinOcc    int
	clock            Clock

	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
	onPanic func(interface{})
}

// SetPanicHandler installs a handler for panics escaping the background
// loop. Must be called before Start.
func (as *AdaptationStore) SetPanicHandler(fn func(interface{})) {
	as.mu.Lock()
	as.onPanic = fn
	as.mu.Unlock()
}

// NewAdaptationStore creates an empty adaptation store configured from cfg.
func NewAdaptationStore(cfg *config.Config, clock Clock) *AdaptationStore {
	if clock == nil {
		clock = SystemClock()
	}

	logging.Adaptation("Initializing adaptation store (outcome_alpha=%.2f, global_alpha=%.2f, transfer_discount=%.2f)",
		cfg.Adaptation.OutcomeAlpha, cfg.Adaptation.GlobalAlpha, cfg.Adaptation.TransferDiscount)

	return &AdaptationStore{
		adaptations:      make(map[string]*Adaptation),
		learning:         make(map[string]*LearningRecord),
		patterns:         make(map[string]*Pattern),
		outcomeAlpha:     cfg.Adaptation.OutcomeAlpha,
		globalAlpha:      cfg.Adaptation.GlobalAlpha,
		transferDiscount: cfg.Adaptation.TransferDiscount,
		patternInterval:  cfg.GetPatternInterval(),
		patternMinOcc:    cfg.Adaptation.PatternMinOccurrences,
		clock:            clock,
	}
}

// Store records an adaptation attempt. The payload's anomaly_context and
// policy_changes fields are lifted into the entity; domain defaults to
// "general". A learning record is initialized with a deterministic feature
// vector and success probability 0.5.
func (as *AdaptationStore) Store(id string, data map[string]interface{}, outcome *Outcome) (*Adaptation, error) {
	timer := logging.StartTimer(logging.CategoryAdaptation, "AdaptationStore.Store")
	defer timer.Stop()

	if id == "" {
		return nil, invalidInputErr("adaptation id must be non-empty")
	}

	domain := "general"
	if d, ok := data["domain"].(string); ok && d != "" {
		domain = d
	}

	var anomalyCtx map[string]interface{}
	if c, ok := data["anomaly_context"].(map[string]interface{}); ok {
		anomalyCtx = cloneMap(c)
	}

	var changes []interface{}
	if pc, ok := data["policy_changes"].([]interface{}); ok {
		changes = cloneSlice(pc)
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	now := as.clock.Now()
	adaptation := &Adaptation{
		ID:             id,
		Data:           cloneMap(data),
		AnomalyContext: anomalyCtx,
		PolicyChanges:  changes,
		Domain:         domain,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if outcome != nil {
		eff := outcomeEffectiveness(*outcome)
		adaptation.Outcome = outcomeToMap(*outcome)
		adaptation.Effectiveness = &eff
	}

	as.adaptations[id] = adaptation
	as.learning[id] = &LearningRecord{
		AdaptationID:       id,
		Features:           contextFeatures(anomalyCtx),
		SuccessProbability: 0.5,
		UpdatedAt:          now,
	}

	logging.AdaptationDebug("Stored adaptation id=%s domain=%s (features=%d)",
		id, domain, len(as.learning[id].Features))
	logging.Audit().AdaptationStored(id, domain)
	return copyAdaptation(adaptation), nil
}

// Get returns an adaptation by id.
func (as *AdaptationStore) Get(id string) (*Adaptation, error) {
	as.mu.RLock()
	defer as.mu.RUnlock()

	adaptation, ok := as.adaptations[id]
	if !ok {
		return nil, notFoundErr("adaptation", id)
	}
	return copyAdaptation(adaptation), nil
}

// RecordOutcome scores an outcome against an adaptation, moving the
// per-adaptation success probability and the global success rate toward the
// observed effectiveness.
func (as *AdaptationStore) RecordOutcome(id string, outcome Outcome) error {
	timer := logging.StartTimer(logging.CategoryAdaptation, "AdaptationStore.RecordOutcome")
	defer timer.Stop()

	as.mu.Lock()
	defer as.mu.Unlock()

	adaptation, ok := as.adaptations[id]
	if !ok {
		return notFoundErr("adaptation", id)
	}

	eff := outcomeEffectiveness(outcome)
	now := as.clock.Now()

	adaptation.Outcome = outcomeToMap(outcome)
	adaptation.Effectiveness = &eff
	adaptation.AppliedCount++
	adaptation.UpdatedAt = now

	if lr, ok := as.learning[id]; ok {
		lr.SuccessProbability = ema(lr.SuccessProbability, eff, as.outcomeAlpha)
		lr.UpdatedAt = now
	}

	as.successRate = ema(as.successRate, eff, as.globalAlpha)
	as.outcomeCount++

	logging.AdaptationDebug("Recorded outcome for id=%s effectiveness=%.3f (global rate=%.3f)",
		id, eff, as.successRate)
	logging.Audit().OutcomeRecorded(id, eff, outcome.Success)
	return nil
}

// FindSimilar ranks stored adaptations by cosine similarity of their
// feature vectors against the given context. Degrades to an empty result
// on empty input.
func (as *AdaptationStore) FindSimilar(ctx map[string]interface{}, limit int) []*Adaptation {
	timer := logging.StartTimer(logging.CategoryAdaptation, "AdaptationStore.FindSimilar")
	defer timer.Stop()

	if limit <= 0 {
		limit = 10
	}
	query := contextFeatures(ctx)

	as.mu.RLock()
	defer as.mu.RUnlock()

	type candidate struct {
		adaptation *Adaptation
		similarity float64
	}

	candidates := make([]candidate, 0, len(as.adaptations))
	for id, adaptation := range as.adaptations {
		lr, ok := as.learning[id]
		if !ok {
			continue
		}
		candidates = append(candidates, candidate{
			adaptation: adaptation,
			similarity: cosineSimilarity(query, lr.Features),
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].similarity > candidates[j].similarity
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]*Adaptation, len(candidates))
	for i, c := range candidates {
		out[i] = copyAdaptation(c.adaptation)
	}

	logging.AdaptationDebug("FindSimilar returned %d of %d candidates", len(out), len(as.adaptations))
	return out
}

// Successful returns adaptations with effectiveness at or above the
// threshold, most effective first.
func (as *AdaptationStore) Successful(threshold float64) []*Adaptation {
	as.mu.RLock()
	defer as.mu.RUnlock()

	var out []*Adaptation
	for _, adaptation := range as.adaptations {
		if adaptation.Effectiveness != nil && *adaptation.Effectiveness >= threshold {
			out = append(out, copyAdaptation(adaptation))
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return *out[i].Effectiveness > *out[j].Effectiveness
	})
	return out
}

// LearningRecordFor returns the learning record snapshot for an adaptation.
func (as *AdaptationStore) LearningRecordFor(id string) (*LearningRecord, error) {
	as.mu.RLock()
	defer as.mu.RUnlock()

	lr, ok := as.learning[id]
	if !ok {
		return nil, notFoundErr("adaptation", id)
	}
	out := *lr
	out.Features = append([]float64(nil), lr.Features...)
	return &out, nil
}

// Metrics returns the store-wide learning snapshot.
func (as *AdaptationStore) Metrics() AdaptationMetrics {
	as.mu.RLock()
	defer as.mu.RUnlock()

	domains := make(map[string]int)
	for _, adaptation := range as.adaptations {
		domains[adaptation.Domain]++
	}

	return AdaptationMetrics{
		TotalAdaptations: len(as.adaptations),
		PatternCount:     len(as.patterns),
		SuccessRate:      as.successRate,
		Domains:          domains,
	}
}

// Stats returns statistics about the adaptation store.
func (as *AdaptationStore) Stats() map[string]interface{} {
	m := as.Metrics()

	as.mu.RLock()
	outcomes := as.outcomeCount
	as.mu.RUnlock()

	return map[string]interface{}{
		"total_adaptations": m.TotalAdaptations,
		"pattern_count":     m.PatternCount,
		"success_rate":      m.SuccessRate,
		"domains":           m.Domains,
		"outcomes_recorded": outcomes,
	}
}

// Start launches the background pattern-extraction job. Non-blocking.
func (as *AdaptationStore) Start() {
	as.mu.Lock()
	if as.running {
		as.mu.Unlock()
		return
	}
	as.running = true
	as.stopCh = make(chan struct{})
	as.doneCh = make(chan struct{})
	as.mu.Unlock()

	go as.run()
}

// Stop halts the background job and waits for it to exit.
func (as *AdaptationStore) Stop() {
	as.mu.Lock()
	if !as.running {
		as.mu.Unlock()
		return
	}
	as.running = false
	stopCh := as.stopCh
	doneCh := as.doneCh
	as.mu.Unlock()

	close(stopCh)
	<-doneCh
}

// run is the store's serialized background loop. Panics escape to the
// supervising coordinator.
func (as *AdaptationStore) run() {
	defer close(as.doneCh)
	defer guardPanic(as.onPanic)

	ticker := time.NewTicker(as.patternInterval)
	defer ticker.Stop()

	for {
		select {
		case <-as.stopCh:
			logging.Adaptation("Adaptation store background loop stopped")
			return
		case <-ticker.C:
			extracted := as.ExtractPatterns(as.patternMinOcc)
			if len(extracted) > 0 {
				logging.Adaptation("Automatic extraction produced %d patterns", len(extracted))
			}
		}
	}
}

// outcomeToMap renders an Outcome for storage on the adaptation entity.
func outcomeToMap(o Outcome) map[string]interface{} {
	m := map[string]interface{}{
		"success":            o.Success,
		"performance_impact": o.PerformanceImpact,
		"stability_impact":   o.StabilityImpact,
	}
	for k, v := range o.Details {
		m[k] = cloneValue(v)
	}
	return m
}

// copyAdaptation returns a defensive deep copy for the read path.
func copyAdaptation(a *Adaptation) *Adaptation {
	out := *a
	out.Data = cloneMap(a.Data)
	out.AnomalyContext = cloneMap(a.AnomalyContext)
	out.PolicyChanges = cloneSlice(a.PolicyChanges)
	out.Outcome = cloneMap(a.Outcome)
	if a.Effectiveness != nil {
		eff := *a.Effectiveness
		out.Effectiveness = &eff
	}
	return &out
}
