// Package logging - governance audit trail.
// Audit events are JSON lines recording every state mutation the engine
// performs, so the evolution of a policy or adaptation can be reconstructed
// offline. Until InitAudit is called, logging an event is a no-op.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType identifies the mutation being recorded.
type AuditEventType string

const (
	// Policy mutations
	AuditPolicyStored  AuditEventType = "policy_stored"
	AuditPolicyUpdated AuditEventType = "policy_updated"
	AuditPolicyDeleted AuditEventType = "policy_deleted"
	AuditPolicyScored  AuditEventType = "policy_scored"

	// Adaptation learning
	AuditAdaptationStored     AuditEventType = "adaptation_stored"
	AuditOutcomeRecorded      AuditEventType = "outcome_recorded"
	AuditPatternExtracted     AuditEventType = "pattern_extracted"
	AuditKnowledgeTransferred AuditEventType = "knowledge_transferred"

	// Variety monitoring
	AuditThresholdAlert AuditEventType = "threshold_alert"

	// Supervision
	AuditStoreRestart AuditEventType = "store_restart"
	AuditEngineFailed AuditEventType = "engine_failed"
)

// AuditEvent is one structured audit log entry.
type AuditEvent struct {
	Timestamp int64                  `json:"ts"` // Unix milliseconds
	EventType AuditEventType         `json:"event"`
	EntityID  string                 `json:"entity,omitempty"`  // Policy/adaptation/source id
	Version   int64                  `json:"version,omitempty"` // Policy version, when applicable
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	Message   string                 `json:"msg"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

var (
	auditFile   *os.File
	auditMu     sync.Mutex
	auditLogger *AuditLogger
)

// AuditLogger writes audit events for the engine.
type AuditLogger struct{}

// InitAudit opens the day's audit log file. Requires Initialize to have
// set the workspace first.
func InitAudit() error {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		return nil // Already initialized
	}
	if logsDir == "" {
		return fmt.Errorf("logging not initialized")
	}

	// The audit trail is written regardless of debug mode, so the logs
	// directory may not exist yet.
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	date := time.Now().Format("2006-01-02")
	auditPath := filepath.Join(logsDir, fmt.Sprintf("%s_audit.log", date))

	file, err := os.OpenFile(auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = file

	header := fmt.Sprintf("# Audit log started at %s\n", time.Now().Format(time.RFC3339))
	auditFile.WriteString(header)

	return nil
}

// CloseAudit closes the audit log file.
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// Audit returns the global audit logger.
func Audit() *AuditLogger {
	if auditLogger == nil {
		auditLogger = &AuditLogger{}
	}
	return auditLogger
}

// Log writes an audit event. A no-op until InitAudit has been called.
func (a *AuditLogger) Log(event AuditEvent) {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile == nil {
		return
	}

	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}

	data, err := json.Marshal(event)
	if err == nil {
		auditFile.WriteString(string(data) + "\n")
	}
}

// =============================================================================
// CONVENIENCE METHODS FOR COMMON EVENTS
// =============================================================================

// PolicyStored logs a policy create or full replace.
func (a *AuditLogger) PolicyStored(id string, version int64) {
	a.Log(AuditEvent{
		EventType: AuditPolicyStored,
		EntityID:  id,
		Version:   version,
		Success:   true,
		Message:   fmt.Sprintf("Policy stored: %s v%d", id, version),
	})
}

// PolicyUpdated logs a partial policy update.
func (a *AuditLogger) PolicyUpdated(id string, version int64) {
	a.Log(AuditEvent{
		EventType: AuditPolicyUpdated,
		EntityID:  id,
		Version:   version,
		Success:   true,
		Message:   fmt.Sprintf("Policy updated: %s v%d", id, version),
	})
}

// PolicyDeleted logs a policy soft delete.
func (a *AuditLogger) PolicyDeleted(id string, version int64) {
	a.Log(AuditEvent{
		EventType: AuditPolicyDeleted,
		EntityID:  id,
		Version:   version,
		Success:   true,
		Message:   fmt.Sprintf("Policy deleted: %s v%d", id, version),
	})
}

// PolicyScored logs an effectiveness update against a policy.
func (a *AuditLogger) PolicyScored(id string, usageCount int64) {
	a.Log(AuditEvent{
		EventType: AuditPolicyScored,
		EntityID:  id,
		Success:   true,
		Fields:    map[string]interface{}{"usage_count": usageCount},
		Message:   fmt.Sprintf("Policy scored: %s (usage=%d)", id, usageCount),
	})
}

// AdaptationStored logs a new adaptation record.
func (a *AuditLogger) AdaptationStored(id, domain string) {
	a.Log(AuditEvent{
		EventType: AuditAdaptationStored,
		EntityID:  id,
		Success:   true,
		Fields:    map[string]interface{}{"domain": domain},
		Message:   fmt.Sprintf("Adaptation stored: %s domain=%s", id, domain),
	})
}

// OutcomeRecorded logs an adaptation outcome and its effectiveness score.
func (a *AuditLogger) OutcomeRecorded(id string, effectiveness float64, success bool) {
	a.Log(AuditEvent{
		EventType: AuditOutcomeRecorded,
		EntityID:  id,
		Success:   success,
		Fields:    map[string]interface{}{"effectiveness": effectiveness},
		Message:   fmt.Sprintf("Outcome recorded: %s effectiveness=%.3f", id, effectiveness),
	})
}

// PatternExtracted logs a pattern produced by clustering.
func (a *AuditLogger) PatternExtracted(id, domain string, occurrences int, avgEffectiveness float64) {
	a.Log(AuditEvent{
		EventType: AuditPatternExtracted,
		EntityID:  id,
		Success:   true,
		Fields: map[string]interface{}{
			"domain":            domain,
			"occurrences":       occurrences,
			"avg_effectiveness": avgEffectiveness,
		},
		Message: fmt.Sprintf("Pattern extracted: %s domain=%s occurrences=%d", id, domain, occurrences),
	})
}

// KnowledgeTransferred logs a cross-domain transfer.
func (a *AuditLogger) KnowledgeTransferred(fromDomain, toDomain string, count int) {
	a.Log(AuditEvent{
		EventType: AuditKnowledgeTransferred,
		Success:   true,
		Fields: map[string]interface{}{
			"from_domain": fromDomain,
			"to_domain":   toDomain,
			"count":       count,
		},
		Message: fmt.Sprintf("Knowledge transferred: %s -> %s (%d patterns)", fromDomain, toDomain, count),
	})
}

// ThresholdAlert logs a variety threshold crossing.
func (a *AuditLogger) ThresholdAlert(source string, variety, threshold float64) {
	a.Log(AuditEvent{
		EventType: AuditThresholdAlert,
		EntityID:  source,
		Success:   false,
		Fields: map[string]interface{}{
			"variety":   variety,
			"threshold": threshold,
		},
		Message: fmt.Sprintf("Threshold alert: %s variety=%.2f threshold=%.2f", source, variety, threshold),
	})
}

// StoreRestart logs a supervised store restart.
func (a *AuditLogger) StoreRestart(store string, restartCount int) {
	a.Log(AuditEvent{
		EventType: AuditStoreRestart,
		EntityID:  store,
		Success:   true,
		Fields:    map[string]interface{}{"restart_count": restartCount},
		Message:   fmt.Sprintf("Store restarted: %s (%d in window)", store, restartCount),
	})
}

// EngineFailed logs terminal engine failure.
func (a *AuditLogger) EngineFailed(err error) {
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	a.Log(AuditEvent{
		EventType: AuditEngineFailed,
		Success:   false,
		Error:     errMsg,
		Message:   fmt.Sprintf("Engine failed: %s", errMsg),
	})
}
