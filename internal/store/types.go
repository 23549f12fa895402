// Package store implements the in-memory persistence engine for governor:
// versioned governance policies, learned adaptation patterns, and
// time-series variety measurements. Each store is a single logical owner of
// its tables, serving concurrent readers behind one serialized write path.
// State is in-memory only; a restarted store rebuilds from nothing.
package store

import "time"

// =============================================================================
// POLICY ENTITIES
// =============================================================================

// Policy is a versioned, structured decision artifact from the governing
// control layer.
type Policy struct {
	ID        string                 `json:"id"`
	Data      map[string]interface{} `json:"data"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Version   int64                  `json:"version"` // Globally monotonic across all policies
	Active    bool                   `json:"active"`  // false after soft delete
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
	DeletedAt *time.Time             `json:"deleted_at,omitempty"`
}

// PolicyVersion is an immutable historical snapshot keyed by (id, version).
type PolicyVersion struct {
	PolicyID  string                 `json:"policy_id"`
	Version   int64                  `json:"version"`
	Data      map[string]interface{} `json:"data"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// PolicyMetrics tracks per-policy effectiveness and usage.
type PolicyMetrics struct {
	PolicyID      string     `json:"policy_id"`
	Effectiveness float64    `json:"effectiveness"`
	UsageCount    int64      `json:"usage_count"`
	SuccessCount  int64      `json:"success_count"`
	FailureCount  int64      `json:"failure_count"`
	LastUsed      *time.Time `json:"last_used,omitempty"`
}

// EffectivenessUpdate carries the fields merged into PolicyMetrics by
// RecordEffectiveness. Nil fields are left untouched; usage_count and
// last_used are always bumped.
type EffectivenessUpdate struct {
	Effectiveness *float64 // Replaces the stored effectiveness score
	Success       *bool    // Increments the success or failure counter
}

// PolicyFilter narrows ListPolicies results.
type PolicyFilter struct {
	Active        *bool      // nil = both active and deleted
	Type          string     // equals data["type"] when non-empty
	CreatedAfter  *time.Time // exclusive lower bound
	CreatedBefore *time.Time // exclusive upper bound
}

// =============================================================================
// ADAPTATION ENTITIES
// =============================================================================

// Adaptation records a response to a detected anomaly via one or more
// policy changes, later scored by outcome.
type Adaptation struct {
	ID             string                 `json:"id"`
	Data           map[string]interface{} `json:"data"`
	AnomalyContext map[string]interface{} `json:"anomaly_context,omitempty"`
	PolicyChanges  []interface{}          `json:"policy_changes,omitempty"` // Ordered, opaque to the store
	Domain         string                 `json:"domain"`
	Outcome        map[string]interface{} `json:"outcome,omitempty"`
	Effectiveness  *float64               `json:"effectiveness,omitempty"`
	AppliedCount   int                    `json:"applied_count"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// Outcome describes the observed result of applying an adaptation.
type Outcome struct {
	Success           bool                   `json:"success"`
	PerformanceImpact float64                `json:"performance_impact"` // Expected in [0, 1]
	StabilityImpact   float64                `json:"stability_impact"`   // Expected in [0, 1]
	Details           map[string]interface{} `json:"details,omitempty"`
}

// LearningRecord is a per-adaptation feature vector with an exponentially
// smoothed success probability.
type LearningRecord struct {
	AdaptationID       string    `json:"adaptation_id"`
	Features           []float64 `json:"features"` // Hash-derived, each value in [0, 1)
	SuccessProbability float64   `json:"success_probability"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// RecommendedAction is a policy change ranked by how often it appears in a
// pattern's underlying adaptations.
type RecommendedAction struct {
	Action interface{} `json:"action"`
	Count  int         `json:"count"`
}

// TransferInfo tags a pattern produced by cross-domain knowledge transfer.
type TransferInfo struct {
	FromDomain       string   `json:"from_domain"`
	ToDomain         string   `json:"to_domain"`
	ScalingHeuristic string   `json:"scaling_heuristic"`
	Cautions         []string `json:"cautions"`
}

// Pattern is a generalized, reusable adaptation derived by clustering
// multiple effective adaptations, or injected directly by a collaborator.
type Pattern struct {
	ID                 string                 `json:"id"`
	Domain             string                 `json:"domain"`
	Occurrences        int                    `json:"occurrences"`
	AvgEffectiveness   float64                `json:"avg_effectiveness"`
	Confidence         float64                `json:"confidence"`
	CommonContext      map[string]interface{} `json:"common_context,omitempty"`
	RecommendedActions []RecommendedAction    `json:"recommended_actions,omitempty"`
	Transfer           *TransferInfo          `json:"transfer,omitempty"`
	CreatedAt          time.Time              `json:"created_at"`
}

// AdaptationMetrics is the store-wide learning snapshot.
type AdaptationMetrics struct {
	TotalAdaptations int            `json:"total_adaptations"`
	PatternCount     int            `json:"pattern_count"`
	SuccessRate      float64        `json:"success_rate"` // Global EMA
	Domains          map[string]int `json:"domains"`      // Adaptations per domain
}

// =============================================================================
// VARIETY ENTITIES
// =============================================================================

// VarietyMeasurement is a single per-source variety sample.
type VarietyMeasurement struct {
	Source    string                 `json:"source"`
	Variety   float64                `json:"variety"`
	Capacity  float64                `json:"capacity"` // Defaults to Variety when unset
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// FlowKind distinguishes variety amplifiers from attenuators.
type FlowKind string

const (
	FlowAmplifier  FlowKind = "amplifier"
	FlowAttenuator FlowKind = "attenuator"
)

// FlowRecord captures variety amplification or attenuation through a
// control component.
type FlowRecord struct {
	ComponentID   string    `json:"component_id"`
	Kind          FlowKind  `json:"kind"`
	InputVariety  float64   `json:"input_variety"`
	OutputVariety float64   `json:"output_variety"`
	Factor        float64   `json:"factor"` // output/input, 0 when input is 0
	Timestamp     time.Time `json:"timestamp"`
}

// VarietyGap compares environmental variety against system regulatory
// variety (Ashby's Law).
type VarietyGap struct {
	Gap                 float64 `json:"gap"`       // environmental - system
	GapRatio            float64 `json:"gap_ratio"` // environmental / system, +Inf when system is 0
	RequisiteVarietyMet bool    `json:"requisite_variety_met"`
	Deficit             float64 `json:"deficit"` // max(0, gap)
}

// TrendDirection classifies a fitted variety trend.
type TrendDirection string

const (
	TrendIncreasing       TrendDirection = "increasing"
	TrendDecreasing       TrendDirection = "decreasing"
	TrendStable           TrendDirection = "stable"
	TrendInsufficientData TrendDirection = "insufficient_data"
)

// SourceTrend is the fitted trend for a single source.
type SourceTrend struct {
	Source    string         `json:"source"`
	Direction TrendDirection `json:"direction"`
	Slope     float64        `json:"slope"`
	Samples   int            `json:"samples"`
}

// TrendAnalysis is the result of analyzing all sources over a window.
type TrendAnalysis struct {
	Sources         map[string]SourceTrend `json:"sources"`
	Overall         TrendDirection         `json:"overall"`
	CriticalSources []string               `json:"critical_sources"` // Increasing with slope > 0.5
	Window          time.Duration          `json:"window"`
	AnalyzedAt      time.Time              `json:"analyzed_at"`
}

// RequisiteVarietyStatus summarizes whether regulatory variety currently
// matches environmental variety.
type RequisiteVarietyStatus struct {
	EnvironmentalVariety float64 `json:"environmental_variety"`
	SystemVariety        float64 `json:"system_variety"`
	Gap                  float64 `json:"gap"`
	Met                  bool    `json:"met"`
	CoverageRatio        float64 `json:"coverage_ratio"` // system/environmental, 1.0 when environmental is 0
}

// ThresholdAlert is published when a source's variety exceeds its
// configured threshold.
type ThresholdAlert struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Variety   float64   `json:"variety"`
	Threshold float64   `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// =============================================================================
// COORDINATOR ENTITIES
// =============================================================================

// HealthStatus is the per-store health classification.
type HealthStatus string

const (
	HealthNotRunning HealthStatus = "not_running"
	HealthHealthy    HealthStatus = "healthy"
	HealthUnhealthy  HealthStatus = "unhealthy"
)

// EngineHealth is the aggregated per-store health snapshot.
type EngineHealth struct {
	Policies    HealthStatus `json:"policies"`
	Adaptations HealthStatus `json:"adaptations"`
	Variety     HealthStatus `json:"variety"`
}

// EngineStatistics is the merged best-effort statistics snapshot. A store
// that fails to answer contributes a nil map rather than blanking the rest.
type EngineStatistics struct {
	Policies    map[string]interface{} `json:"policies,omitempty"`
	Adaptations map[string]interface{} `json:"adaptations,omitempty"`
	Variety     map[string]interface{} `json:"variety,omitempty"`
	CollectedAt time.Time              `json:"collected_at"`
}
