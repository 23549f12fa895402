// Package store - versioned policy persistence.
// This file implements the PolicyStore: a versioned key-value store of
// governance policies with effectiveness tracking, soft delete, and
// bounded version history.
package store

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"governor/internal/config"
	"governor/internal/logging"
)

// PolicyStore is the versioned policy table with per-policy metrics and
// retained history. One write path, many concurrent readers.
type PolicyStore struct {
	mu sync.RWMutex

	policies map[string]*Policy
	versions map[string][]*PolicyVersion // Ascending by version
	metrics  map[string]*PolicyMetrics

	// Version numbers are allocated process-wide, not per-policy.
	versionCounter int64

	retention       int
	cleanupInterval time.Duration
	searchLimit     int
	clock           Clock

	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
	onPanic func(interface{})
}

// SetPanicHandler installs a handler for panics escaping the background
// loop. Must be called before Start.
func (ps *PolicyStore) SetPanicHandler(fn func(interface{})) {
	ps.mu.Lock()
	ps.onPanic = fn
	ps.mu.Unlock()
}

// NewPolicyStore creates an empty policy store configured from cfg.
func NewPolicyStore(cfg *config.Config, clock Clock) *PolicyStore {
	if clock == nil {
		clock = SystemClock()
	}

	logging.Policy("Initializing policy store (retention=%d, cleanup=%v)",
		cfg.Policy.VersionRetention, cfg.GetCleanupInterval())

	return &PolicyStore{
		policies:        make(map[string]*Policy),
		versions:        make(map[string][]*PolicyVersion),
		metrics:         make(map[string]*PolicyMetrics),
		retention:       cfg.Policy.VersionRetention,
		cleanupInterval: cfg.GetCleanupInterval(),
		searchLimit:     cfg.Policy.SearchLimit,
		clock:           clock,
	}
}

// Store creates a policy (or fully replaces an existing one), allocating a
// new globally monotonic version and retaining the snapshot in history.
// Metrics are zero-initialized on first store.
func (ps *PolicyStore) Store(id string, data, metadata map[string]interface{}) (*Policy, error) {
	timer := logging.StartTimer(logging.CategoryPolicy, "PolicyStore.Store")
	defer timer.Stop()

	if id == "" {
		return nil, invalidInputErr("policy id must be non-empty")
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	now := ps.clock.Now()
	ps.versionCounter++
	version := ps.versionCounter

	policy, exists := ps.policies[id]
	if exists {
		policy.Data = cloneMap(data)
		policy.Metadata = cloneMap(metadata)
		policy.Version = version
		policy.Active = true
		policy.DeletedAt = nil
		policy.UpdatedAt = now
	} else {
		policy = &Policy{
			ID:        id,
			Data:      cloneMap(data),
			Metadata:  cloneMap(metadata),
			Version:   version,
			Active:    true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		ps.policies[id] = policy
	}

	ps.versions[id] = append(ps.versions[id], &PolicyVersion{
		PolicyID:  id,
		Version:   version,
		Data:      cloneMap(data),
		Metadata:  cloneMap(metadata),
		CreatedAt: now,
	})

	if _, ok := ps.metrics[id]; !ok {
		ps.metrics[id] = &PolicyMetrics{PolicyID: id}
	}

	logging.PolicyDebug("Stored policy id=%s version=%d", id, version)
	logging.Audit().PolicyStored(id, version)
	return copyPolicy(policy), nil
}

// Get returns the current state of an active policy.
func (ps *PolicyStore) Get(id string) (*Policy, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	policy, ok := ps.policies[id]
	if !ok || !policy.Active {
		return nil, notFoundErr("policy", id)
	}
	return copyPolicy(policy), nil
}

// GetVersion returns the historical snapshot for (id, version).
func (ps *PolicyStore) GetVersion(id string, version int64) (*PolicyVersion, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	for _, pv := range ps.versions[id] {
		if pv.Version == version {
			return copyPolicyVersion(pv), nil
		}
	}
	return nil, versionNotFoundErr(id, version)
}

// Update deep-merges partial into the policy's data, allocating a new
// version. History is never mutated. Metadata keys overwrite shallowly.
func (ps *PolicyStore) Update(id string, partial, metadata map[string]interface{}) (*Policy, error) {
	timer := logging.StartTimer(logging.CategoryPolicy, "PolicyStore.Update")
	defer timer.Stop()

	ps.mu.Lock()
	defer ps.mu.Unlock()

	policy, ok := ps.policies[id]
	if !ok || !policy.Active {
		return nil, notFoundErr("policy", id)
	}

	now := ps.clock.Now()
	ps.versionCounter++
	version := ps.versionCounter

	policy.Data = deepMerge(policy.Data, partial)
	if metadata != nil {
		if policy.Metadata == nil {
			policy.Metadata = make(map[string]interface{}, len(metadata))
		}
		for k, v := range metadata {
			policy.Metadata[k] = cloneValue(v)
		}
	}
	policy.Version = version
	policy.UpdatedAt = now

	ps.versions[id] = append(ps.versions[id], &PolicyVersion{
		PolicyID:  id,
		Version:   version,
		Data:      cloneMap(policy.Data),
		Metadata:  cloneMap(policy.Metadata),
		CreatedAt: now,
	})

	logging.PolicyDebug("Updated policy id=%s version=%d", id, version)
	logging.Audit().PolicyUpdated(id, version)
	return copyPolicy(policy), nil
}

// Delete soft-deletes a policy. History and metrics are retained.
func (ps *PolicyStore) Delete(id string) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	policy, ok := ps.policies[id]
	if !ok || !policy.Active {
		return notFoundErr("policy", id)
	}

	now := ps.clock.Now()
	policy.Active = false
	policy.DeletedAt = &now
	policy.UpdatedAt = now

	logging.Policy("Soft-deleted policy id=%s (version=%d)", id, policy.Version)
	logging.Audit().PolicyDeleted(id, policy.Version)
	return nil
}

// List returns policies matching the filter, sorted by updated_at
// descending.
func (ps *PolicyStore) List(filter PolicyFilter) []*Policy {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	var out []*Policy
	for _, policy := range ps.policies {
		if filter.Active != nil && policy.Active != *filter.Active {
			continue
		}
		if filter.Type != "" {
			typ, _ := policy.Data["type"].(string)
			if typ != filter.Type {
				continue
			}
		}
		if filter.CreatedAfter != nil && !policy.CreatedAt.After(*filter.CreatedAfter) {
			continue
		}
		if filter.CreatedBefore != nil && !policy.CreatedAt.Before(*filter.CreatedBefore) {
			continue
		}
		out = append(out, copyPolicy(policy))
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// History returns all retained versions for a policy, newest first.
func (ps *PolicyStore) History(id string) ([]*PolicyVersion, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	versions, ok := ps.versions[id]
	if !ok {
		return nil, notFoundErr("policy", id)
	}

	out := make([]*PolicyVersion, 0, len(versions))
	for i := len(versions) - 1; i >= 0; i-- {
		out = append(out, copyPolicyVersion(versions[i]))
	}
	return out, nil
}

// RecordEffectiveness merges the update into the policy's metrics, bumps
// usage_count, and stamps last_used. Works on soft-deleted policies too,
// since their metrics are retained.
func (ps *PolicyStore) RecordEffectiveness(id string, update EffectivenessUpdate) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	m, ok := ps.metrics[id]
	if !ok {
		return notFoundErr("policy", id)
	}

	if update.Effectiveness != nil {
		m.Effectiveness = *update.Effectiveness
	}
	if update.Success != nil {
		if *update.Success {
			m.SuccessCount++
		} else {
			m.FailureCount++
		}
	}
	m.UsageCount++
	now := ps.clock.Now()
	m.LastUsed = &now

	logging.PolicyDebug("Recorded effectiveness for id=%s (usage=%d)", id, m.UsageCount)
	logging.Audit().PolicyScored(id, m.UsageCount)
	return nil
}

// Metrics returns a snapshot of the policy's metrics.
func (ps *PolicyStore) Metrics(id string) (*PolicyMetrics, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	m, ok := ps.metrics[id]
	if !ok {
		return nil, notFoundErr("policy", id)
	}
	out := *m
	return &out, nil
}

// Search returns active policies whose id or rendered data contains the
// query, case-insensitively. Results are capped at the configured search
// limit.
func (ps *PolicyStore) Search(query string) []*Policy {
	timer := logging.StartTimer(logging.CategoryPolicy, "PolicyStore.Search")
	defer timer.Stop()

	needle := strings.ToLower(query)

	ps.mu.RLock()
	defer ps.mu.RUnlock()

	var out []*Policy
	for _, policy := range ps.policies {
		if !policy.Active {
			continue
		}
		if !strings.Contains(strings.ToLower(policy.ID), needle) &&
			!strings.Contains(strings.ToLower(fmt.Sprintf("%v", policy.Data)), needle) {
			continue
		}
		out = append(out, copyPolicy(policy))
		if len(out) >= ps.searchLimit {
			break
		}
	}

	logging.PolicyDebug("Search %q returned %d policies", query, len(out))
	return out
}

// Stats returns statistics about the policy store.
func (ps *PolicyStore) Stats() map[string]interface{} {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	active := 0
	for _, p := range ps.policies {
		if p.Active {
			active++
		}
	}

	totalVersions := 0
	for _, vs := range ps.versions {
		totalVersions += len(vs)
	}

	var totalUsage int64
	for _, m := range ps.metrics {
		totalUsage += m.UsageCount
	}

	return map[string]interface{}{
		"total_policies":  len(ps.policies),
		"active_policies": active,
		"total_versions":  totalVersions,
		"version_counter": ps.versionCounter,
		"total_usage":     totalUsage,
	}
}

// Start launches the background version-retention job. Non-blocking.
func (ps *PolicyStore) Start() {
	ps.mu.Lock()
	if ps.running {
		ps.mu.Unlock()
		return
	}
	ps.running = true
	ps.stopCh = make(chan struct{})
	ps.doneCh = make(chan struct{})
	ps.mu.Unlock()

	go ps.run()
}

// Stop halts the background job and waits for it to exit.
func (ps *PolicyStore) Stop() {
	ps.mu.Lock()
	if !ps.running {
		ps.mu.Unlock()
		return
	}
	ps.running = false
	stopCh := ps.stopCh
	doneCh := ps.doneCh
	ps.mu.Unlock()

	close(stopCh)
	<-doneCh
}

// run is the store's serialized background loop. Panics escape to the
// supervising coordinator.
func (ps *PolicyStore) run() {
	defer close(ps.doneCh)
	defer guardPanic(ps.onPanic)

	ticker := time.NewTicker(ps.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ps.stopCh:
			logging.Policy("Policy store background loop stopped")
			return
		case <-ticker.C:
			ps.CleanupVersions()
		}
	}
}

// CleanupVersions trims each policy's history to the newest N versions.
// Called on a timer; exported so the coordinator and tests can force a pass.
func (ps *PolicyStore) CleanupVersions() int {
	timer := logging.StartTimer(logging.CategoryPolicy, "PolicyStore.CleanupVersions")
	defer timer.Stop()

	ps.mu.Lock()
	defer ps.mu.Unlock()

	trimmed := 0
	for id, vs := range ps.versions {
		if len(vs) <= ps.retention {
			continue
		}
		drop := len(vs) - ps.retention
		ps.versions[id] = append([]*PolicyVersion(nil), vs[drop:]...)
		trimmed += drop
	}

	if trimmed > 0 {
		logging.Policy("Version cleanup trimmed %d snapshots", trimmed)
	}
	return trimmed
}

// copyPolicy returns a defensive deep copy for handing across the read path.
func copyPolicy(p *Policy) *Policy {
	out := *p
	out.Data = cloneMap(p.Data)
	out.Metadata = cloneMap(p.Metadata)
	if p.DeletedAt != nil {
		t := *p.DeletedAt
		out.DeletedAt = &t
	}
	return &out
}

func copyPolicyVersion(pv *PolicyVersion) *PolicyVersion {
	out := *pv
	out.Data = cloneMap(pv.Data)
	out.Metadata = cloneMap(pv.Metadata)
	return &out
}
