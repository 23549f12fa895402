package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestAuditRequiresInitialize tests that audit setup fails before Initialize
func TestAuditRequiresInitialize(t *testing.T) {
	resetState()

	if err := InitAudit(); err == nil {
		CloseAudit()
		t.Fatal("Expected InitAudit to fail before Initialize")
	}

	// Logging without a file is a silent no-op, not a crash.
	Audit().PolicyStored("quota", 1)
}

// TestAuditWritesJSONLines tests the audit event format end to end
func TestAuditWritesJSONLines(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "audit_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	resetState()
	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}
	if err := InitAudit(); err != nil {
		t.Fatalf("Failed to initialize audit: %v", err)
	}

	Audit().PolicyStored("quota", 3)
	Audit().PolicyDeleted("quota", 3)
	Audit().OutcomeRecorded("adapt-1", 0.85, true)
	Audit().ThresholdAlert("environment", 150, 100)
	Audit().StoreRestart("policies", 1)

	CloseAudit()
	CloseAll()

	logsPath := filepath.Join(tempDir, ".governor", "logs")
	entries, err := os.ReadDir(logsPath)
	if err != nil {
		t.Fatalf("Failed to read logs dir: %v", err)
	}

	var auditName string
	for _, e := range entries {
		if strings.Contains(e.Name(), "audit") {
			auditName = e.Name()
			break
		}
	}
	if auditName == "" {
		t.Fatal("No audit log file created")
	}

	content, err := os.ReadFile(filepath.Join(logsPath, auditName))
	if err != nil {
		t.Fatalf("Failed to read audit log: %v", err)
	}

	var events []AuditEvent
	for _, line := range strings.Split(string(content), "\n") {
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var ev AuditEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("Audit line is not valid JSON: %v\nline: %s", err, line)
		}
		events = append(events, ev)
	}

	if len(events) != 5 {
		t.Fatalf("Expected 5 audit events, got %d", len(events))
	}

	if events[0].EventType != AuditPolicyStored {
		t.Errorf("Expected first event %s, got %s", AuditPolicyStored, events[0].EventType)
	}
	if events[0].EntityID != "quota" || events[0].Version != 3 {
		t.Errorf("Unexpected policy event payload: %+v", events[0])
	}
	if events[2].Fields["effectiveness"] != 0.85 {
		t.Errorf("Expected effectiveness field, got %+v", events[2].Fields)
	}
	if events[3].Success {
		t.Error("Threshold alerts should record success=false")
	}
	for _, ev := range events {
		if ev.Timestamp == 0 {
			t.Errorf("Event %s missing timestamp", ev.EventType)
		}
	}
}

// TestAuditInitIsIdempotent tests double-initialization
func TestAuditInitIsIdempotent(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "audit_test_idem")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	resetState()
	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}

	if err := InitAudit(); err != nil {
		t.Fatalf("First InitAudit failed: %v", err)
	}
	if err := InitAudit(); err != nil {
		t.Fatalf("Second InitAudit failed: %v", err)
	}

	CloseAudit()
	CloseAudit() // also idempotent
	CloseAll()
}
