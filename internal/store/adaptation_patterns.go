// Package store - pattern extraction and cross-domain knowledge transfer.
package store

import (
	"fmt"
	"sort"

	"governor/internal/logging"

	"github.com/google/uuid"
)

// transferCautions is attached to every cross-domain pattern: the aspects
// of an adaptation least likely to survive a domain change.
var transferCautions = []string{
	"state handling",
	"concurrency model",
	"error handling",
}

// transferScalingHeuristic is the static guidance attached to transferred
// patterns until a target-domain outcome recalibrates them.
const transferScalingHeuristic = "scale conservatively: start at half the source magnitude and re-score after first outcome"

// ExtractPatterns clusters effective adaptations by (domain, anomaly
// context) and persists a pattern per cluster of at least minOccurrences
// members. Re-extraction overwrites the cluster's previous pattern rather
// than accumulating duplicates. Degrades to an empty result when nothing
// qualifies.
func (as *AdaptationStore) ExtractPatterns(minOccurrences int) []*Pattern {
	timer := logging.StartTimer(logging.CategoryAdaptation, "AdaptationStore.ExtractPatterns")
	defer timer.Stop()

	if minOccurrences < 1 {
		minOccurrences = 1
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	// Cluster adaptations that actually worked.
	clusters := make(map[string][]*Adaptation)
	for _, adaptation := range as.adaptations {
		if adaptation.Effectiveness == nil || *adaptation.Effectiveness <= 0.6 {
			continue
		}
		key := contextClusterKey(adaptation.Domain, adaptation.AnomalyContext)
		clusters[key] = append(clusters[key], adaptation)
	}

	now := as.clock.Now()
	var extracted []*Pattern
	for key, members := range clusters {
		if len(members) < minOccurrences {
			continue
		}

		sum := 0.0
		for _, m := range members {
			sum += *m.Effectiveness
		}

		pattern := &Pattern{
			ID:                 "pattern-" + uuid.NewString(),
			Domain:             members[0].Domain,
			Occurrences:        len(members),
			AvgEffectiveness:   sum / float64(len(members)),
			Confidence:         occurrenceConfidence(len(members)),
			CommonContext:      commonContext(members),
			RecommendedActions: topActions(members, 5),
			CreatedAt:          now,
		}

		as.patterns[key] = pattern
		extracted = append(extracted, copyPattern(pattern))
		logging.AdaptationDebug("Extracted pattern domain=%s occurrences=%d avg_effectiveness=%.3f",
			pattern.Domain, pattern.Occurrences, pattern.AvgEffectiveness)
		logging.Audit().PatternExtracted(pattern.ID, pattern.Domain, pattern.Occurrences, pattern.AvgEffectiveness)
	}

	sort.Slice(extracted, func(i, j int) bool {
		return extracted[i].Occurrences > extracted[j].Occurrences
	})
	return extracted
}

// TransferKnowledge projects the source domain's proven adaptations into
// the target domain, one discounted pattern per qualifying adaptation.
// Returns the number of patterns emitted.
func (as *AdaptationStore) TransferKnowledge(fromDomain, toDomain string) (int, error) {
	timer := logging.StartTimer(logging.CategoryAdaptation, "AdaptationStore.TransferKnowledge")
	defer timer.Stop()

	if fromDomain == "" || toDomain == "" {
		return 0, invalidInputErr("transfer domains must be non-empty")
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	now := as.clock.Now()
	count := 0
	for _, adaptation := range as.adaptations {
		if adaptation.Domain != fromDomain {
			continue
		}
		if adaptation.Effectiveness == nil || *adaptation.Effectiveness <= 0.7 {
			continue
		}

		pattern := &Pattern{
			ID:                 "transfer-" + uuid.NewString(),
			Domain:             toDomain,
			Occurrences:        1,
			AvgEffectiveness:   *adaptation.Effectiveness,
			Confidence:         *adaptation.Effectiveness * as.transferDiscount,
			CommonContext:      cloneMap(adaptation.AnomalyContext),
			RecommendedActions: topActions([]*Adaptation{adaptation}, 5),
			Transfer: &TransferInfo{
				FromDomain:       fromDomain,
				ToDomain:         toDomain,
				ScalingHeuristic: transferScalingHeuristic,
				Cautions:         append([]string(nil), transferCautions...),
			},
			CreatedAt: now,
		}

		as.patterns[fmt.Sprintf("transfer:%s:%s:%s", fromDomain, toDomain, adaptation.ID)] = pattern
		count++
	}

	logging.Adaptation("Transferred %d patterns from domain=%s to domain=%s", count, fromDomain, toDomain)
	logging.Audit().KnowledgeTransferred(fromDomain, toDomain, count)
	return count, nil
}

// StoreLearnedPattern injects an externally computed pattern directly.
// Recognized fields are lifted from the payload; everything else is
// carried opaquely in the common context.
func (as *AdaptationStore) StoreLearnedPattern(id string, data map[string]interface{}) error {
	if id == "" {
		return invalidInputErr("pattern id must be non-empty")
	}

	pattern := &Pattern{
		ID:        id,
		Domain:    "general",
		CreatedAt: as.clock.Now(),
	}

	if d, ok := data["domain"].(string); ok && d != "" {
		pattern.Domain = d
	}
	if n, ok := asFloat(data["occurrences"]); ok {
		pattern.Occurrences = int(n)
	}
	if f, ok := asFloat(data["avg_effectiveness"]); ok {
		pattern.AvgEffectiveness = f
	}
	if f, ok := asFloat(data["confidence"]); ok {
		pattern.Confidence = f
	}
	if c, ok := data["common_context"].(map[string]interface{}); ok {
		pattern.CommonContext = cloneMap(c)
	}

	as.mu.Lock()
	as.patterns[id] = pattern
	as.mu.Unlock()

	logging.AdaptationDebug("Stored learned pattern id=%s domain=%s", id, pattern.Domain)
	return nil
}

// Patterns returns all persisted patterns, highest occurrence first.
func (as *AdaptationStore) Patterns() []*Pattern {
	as.mu.RLock()
	defer as.mu.RUnlock()

	out := make([]*Pattern, 0, len(as.patterns))
	for _, p := range as.patterns {
		out = append(out, copyPattern(p))
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Occurrences > out[j].Occurrences
	})
	return out
}

// commonContext intersects the members' anomaly contexts: only keys whose
// value is identical across every member survive.
func commonContext(members []*Adaptation) map[string]interface{} {
	if len(members) == 0 {
		return nil
	}

	common := make(map[string]interface{})
	for k, v := range members[0].AnomalyContext {
		shared := true
		for _, m := range members[1:] {
			other, ok := m.AnomalyContext[k]
			if !ok || fmt.Sprintf("%v", other) != fmt.Sprintf("%v", v) {
				shared = false
				break
			}
		}
		if shared {
			common[k] = cloneValue(v)
		}
	}

	if len(common) == 0 {
		return nil
	}
	return common
}

// topActions ranks the members' policy changes by frequency and returns the
// n most common.
func topActions(members []*Adaptation, n int) []RecommendedAction {
	counts := make(map[string]*RecommendedAction)
	var order []string

	for _, m := range members {
		for _, change := range m.PolicyChanges {
			key := fmt.Sprintf("%v", change)
			if ra, ok := counts[key]; ok {
				ra.Count++
				continue
			}
			counts[key] = &RecommendedAction{Action: cloneValue(change), Count: 1}
			order = append(order, key)
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		return counts[order[i]].Count > counts[order[j]].Count
	})

	if len(order) > n {
		order = order[:n]
	}

	out := make([]RecommendedAction, 0, len(order))
	for _, key := range order {
		out = append(out, *counts[key])
	}
	return out
}

// occurrenceConfidence maps cluster size to confidence.
// 1 occurrence = 0.3, 2 = 0.5, 3-4 = 0.7, 5+ = 0.9.
func occurrenceConfidence(occurrences int) float64 {
	switch {
	case occurrences >= 5:
		return 0.9
	case occurrences >= 3:
		return 0.7
	case occurrences >= 2:
		return 0.5
	default:
		return 0.3
	}
}

// asFloat coerces JSON-ish numeric payload values.
func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// copyPattern returns a defensive deep copy for the read path.
func copyPattern(p *Pattern) *Pattern {
	out := *p
	out.CommonContext = cloneMap(p.CommonContext)
	out.RecommendedActions = append([]RecommendedAction(nil), p.RecommendedActions...)
	if p.Transfer != nil {
		tr := *p.Transfer
		tr.Cautions = append([]string(nil), p.Transfer.Cautions...)
		out.Transfer = &tr
	}
	return &out
}
