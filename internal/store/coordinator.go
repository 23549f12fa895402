// Package store - supervised engine lifecycle.
// The Coordinator owns the three stores, starts and stops them as a
// unit, and restarts any store whose background loop panics. Restarts
// recreate the store with empty state; when a store exceeds its restart
// budget the whole engine is declared failed.
package store

import (
	"fmt"
	"sync"
	"time"

	"governor/internal/config"
	"governor/internal/logging"

	"golang.org/x/sync/errgroup"
)

const (
	storePolicies    = "policies"
	storeAdaptations = "adaptations"
	storeVariety     = "variety"
)

// Coordinator supervises the policy, adaptation, and variety stores.
type Coordinator struct {
	mu    sync.RWMutex
	cfg   *config.Config
	clock Clock

	policies    *PolicyStore
	adaptations *AdaptationStore
	variety     *VarietyMetricsStore

	restarting map[string]bool
	restarts   map[string][]time.Time

	maxRestarts   int
	restartWindow time.Duration

	failedCh chan error
	failOnce sync.Once
	failed   bool
	running  bool
}

// NewCoordinator creates a stopped coordinator. Stores are built on Start.
func NewCoordinator(cfg *config.Config, clock Clock) *Coordinator {
	if clock == nil {
		clock = SystemClock()
	}
	return &Coordinator{
		cfg:           cfg,
		clock:         clock,
		restarting:    make(map[string]bool),
		restarts:      make(map[string][]time.Time),
		maxRestarts:   cfg.Coordinator.MaxRestarts,
		restartWindow: cfg.GetRestartWindow(),
		failedCh:      make(chan error, 1),
	}
}

// Start builds all three stores with empty state and launches their
// background loops. Idempotent while running.
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return
	}

	logging.Coordinator("Starting engine (max_restarts=%d, restart_window=%v)",
		c.maxRestarts, c.restartWindow)

	c.policies = c.buildPolicyStore()
	c.adaptations = c.buildAdaptationStore()
	c.variety = c.buildVarietyStore()

	c.policies.Start()
	c.adaptations.Start()
	c.variety.Start()

	c.running = true
}

// Stop halts every running store and marks the engine stopped.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	policies := c.policies
	adaptations := c.adaptations
	variety := c.variety
	c.mu.Unlock()

	if policies != nil {
		policies.Stop()
	}
	if adaptations != nil {
		adaptations.Stop()
	}
	if variety != nil {
		variety.Stop()
	}

	logging.Coordinator("Engine stopped")
}

// Failed delivers the terminal error when a store exhausts its restart
// budget. The channel receives at most one value.
func (c *Coordinator) Failed() <-chan error {
	return c.failedCh
}

// Policies returns the policy store, or ErrUnavailable while it is being
// restarted or the engine is down.
func (c *Coordinator) Policies() (*PolicyStore, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.availableLocked(storePolicies); err != nil {
		return nil, err
	}
	return c.policies, nil
}

// Adaptations returns the adaptation store, or ErrUnavailable while it is
// being restarted or the engine is down.
func (c *Coordinator) Adaptations() (*AdaptationStore, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.availableLocked(storeAdaptations); err != nil {
		return nil, err
	}
	return c.adaptations, nil
}

// Variety returns the variety store, or ErrUnavailable while it is being
// restarted or the engine is down.
func (c *Coordinator) Variety() (*VarietyMetricsStore, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.availableLocked(storeVariety); err != nil {
		return nil, err
	}
	return c.variety, nil
}

func (c *Coordinator) availableLocked(name string) error {
	if !c.running {
		return fmt.Errorf("%s store: engine not running: %w", name, ErrUnavailable)
	}
	if c.failed {
		return fmt.Errorf("%s store: engine failed: %w", name, ErrUnavailable)
	}
	if c.restarting[name] {
		return fmt.Errorf("%s store: restarting: %w", name, ErrUnavailable)
	}
	return nil
}

// HealthCheck reports the per-store health classification.
func (c *Coordinator) HealthCheck() EngineHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return EngineHealth{
		Policies:    c.healthLocked(storePolicies),
		Adaptations: c.healthLocked(storeAdaptations),
		Variety:     c.healthLocked(storeVariety),
	}
}

func (c *Coordinator) healthLocked(name string) HealthStatus {
	if !c.running {
		return HealthNotRunning
	}
	if c.failed || c.restarting[name] {
		return HealthUnhealthy
	}
	return HealthHealthy
}

// Statistics gathers per-store statistics concurrently. Best effort: a
// store that panics while answering contributes nothing instead of
// failing the whole snapshot.
func (c *Coordinator) Statistics() EngineStatistics {
	timer := logging.StartTimer(logging.CategoryCoordinator, "Coordinator.Statistics")
	defer timer.Stop()

	c.mu.RLock()
	policies := c.policies
	adaptations := c.adaptations
	variety := c.variety
	running := c.running
	c.mu.RUnlock()

	stats := EngineStatistics{CollectedAt: c.clock.Now()}
	if !running {
		return stats
	}

	var g errgroup.Group
	g.Go(func() error {
		defer guardPanic(func(r interface{}) {
			logging.Coordinator("Policy statistics collection panicked: %v", r)
		})
		if policies != nil {
			stats.Policies = policies.Stats()
		}
		return nil
	})
	g.Go(func() error {
		defer guardPanic(func(r interface{}) {
			logging.Coordinator("Adaptation statistics collection panicked: %v", r)
		})
		if adaptations != nil {
			stats.Adaptations = adaptations.Stats()
		}
		return nil
	})
	g.Go(func() error {
		defer guardPanic(func(r interface{}) {
			logging.Coordinator("Variety statistics collection panicked: %v", r)
		})
		if variety != nil {
			stats.Variety = variety.Stats()
		}
		return nil
	})
	_ = g.Wait()

	return stats
}

// ApplyConfig pushes reloadable settings into the live stores. Called by
// the config watcher.
func (c *Coordinator) ApplyConfig(cfg *config.Config) {
	c.mu.Lock()
	c.cfg = cfg
	variety := c.variety
	running := c.running
	c.mu.Unlock()

	if running && variety != nil {
		variety.ApplyThresholds(cfg.Variety.Thresholds)
	}
	logging.Coordinator("Applied configuration %s", cfg.Version)
}

// handleCrash runs on the dying store goroutine. It marks the store
// unavailable and hands the restart to a fresh goroutine.
func (c *Coordinator) handleCrash(name string, r interface{}) {
	logging.Coordinator("Store %s crashed: %v", name, r)

	c.mu.Lock()
	if !c.running || c.failed || c.restarting[name] {
		c.mu.Unlock()
		return
	}
	c.restarting[name] = true
	c.mu.Unlock()

	go c.restart(name)
}

// restart recreates a crashed store with empty state, subject to the
// restart budget. Exceeding the budget fails the engine.
func (c *Coordinator) restart(name string) {
	c.mu.Lock()

	now := c.clock.Now()
	cutoff := now.Add(-c.restartWindow)
	recent := c.restarts[name][:0]
	for _, t := range c.restarts[name] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	recent = append(recent, now)
	c.restarts[name] = recent

	if len(recent) > c.maxRestarts {
		c.failed = true
		c.mu.Unlock()
		err := fmt.Errorf("store %s exceeded restart budget (%d in %v)",
			name, len(recent), c.restartWindow)
		logging.Coordinator("Engine failed: %v", err)
		logging.Audit().EngineFailed(err)
		c.failOnce.Do(func() { c.failedCh <- err })
		return
	}

	var old interface{ Stop() }
	switch name {
	case storePolicies:
		old = c.policies
	case storeAdaptations:
		old = c.adaptations
	case storeVariety:
		old = c.variety
	}
	c.mu.Unlock()

	// Safe whether or not the loop already died: Stop on a crashed store
	// returns immediately.
	if old != nil {
		old.Stop()
	}

	c.mu.Lock()
	switch name {
	case storePolicies:
		c.policies = c.buildPolicyStore()
		c.policies.Start()
	case storeAdaptations:
		c.adaptations = c.buildAdaptationStore()
		c.adaptations.Start()
	case storeVariety:
		c.variety = c.buildVarietyStore()
		c.variety.Start()
	}
	c.restarting[name] = false
	c.mu.Unlock()

	logging.Coordinator("Store %s restarted (%d restart(s) in window)", name, len(recent))
	logging.Audit().StoreRestart(name, len(recent))
}

// RestartCount reports how many restarts a store has had inside the
// current window.
func (c *Coordinator) RestartCount(name string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cutoff := c.clock.Now().Add(-c.restartWindow)
	count := 0
	for _, t := range c.restarts[name] {
		if t.After(cutoff) {
			count++
		}
	}
	return count
}

func (c *Coordinator) buildPolicyStore() *PolicyStore {
	s := NewPolicyStore(c.cfg, c.clock)
	s.SetPanicHandler(func(r interface{}) { c.handleCrash(storePolicies, r) })
	return s
}

func (c *Coordinator) buildAdaptationStore() *AdaptationStore {
	s := NewAdaptationStore(c.cfg, c.clock)
	s.SetPanicHandler(func(r interface{}) { c.handleCrash(storeAdaptations, r) })
	return s
}

func (c *Coordinator) buildVarietyStore() *VarietyMetricsStore {
	s := NewVarietyMetricsStore(c.cfg, c.clock)
	s.SetPanicHandler(func(r interface{}) { c.handleCrash(storeVariety, r) })
	return s
}
