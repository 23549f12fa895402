// Package store - learning math for the adaptation store.
// Feature vectors are derived deterministically from anomaly context so
// that similar contexts land near each other without any external
// embedding dependency; the hash construction itself is an implementation
// choice, only determinism and the [0,1) range are relied upon.
package store

import (
	"fmt"
	"hash/fnv"
	"math"
	"sort"
)

// contextFeatures maps an anomaly context onto a deterministic feature
// vector. Keys are visited in sorted order so the same context always
// produces the same vector; each key=value pair contributes one component
// in [0, 1).
func contextFeatures(ctx map[string]interface{}) []float64 {
	if len(ctx) == 0 {
		return nil
	}

	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	features := make([]float64, 0, len(keys))
	for _, k := range keys {
		h := fnv.New64a()
		fmt.Fprintf(h, "%s=%v", k, ctx[k])
		features = append(features, float64(h.Sum64())/float64(math.MaxUint64))
	}
	return features
}

// cosineSimilarity computes the cosine of two feature vectors, zero-padding
// the shorter one. Two all-zero (or empty) vectors have similarity 0.
func cosineSimilarity(a, b []float64) float64 {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}

	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		var x, y float64
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		dot += x * y
		normA += x * x
		normB += y * y
	}

	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// contextClusterKey buckets adaptations for pattern extraction. Adaptations
// with identical domain and anomaly context always share a key.
func contextClusterKey(domain string, ctx map[string]interface{}) string {
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := fnv.New64a()
	fmt.Fprintf(h, "%s|", domain)
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%v;", k, ctx[k])
	}
	return fmt.Sprintf("%s:%016x", domain, h.Sum64())
}

// ema moves prev toward observation by the smoothing factor alpha.
func ema(prev, observation, alpha float64) float64 {
	return alpha*observation + (1-alpha)*prev
}

// clamp01 bounds v to [0, 1].
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// outcomeEffectiveness scores an outcome: success dominates, with
// performance and stability contributing the remainder.
func outcomeEffectiveness(o Outcome) float64 {
	success := 0.0
	if o.Success {
		success = 1.0
	}
	return clamp01(0.5*success + 0.3*o.PerformanceImpact + 0.2*o.StabilityImpact)
}
