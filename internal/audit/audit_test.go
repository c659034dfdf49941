package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/go-arena/internal/shared"
)

func TestRecordWritesAuditEntry(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	ctx := shared.WithTraceID(context.Background(), "trace-1")
	Record(ctx, ActionCrownAwarded, "winner", "run-b", "cleaner diff")
	Record(ctx, ActionSandboxStop, "stopped", "run-a", "ttl expired")

	path := filepath.Join(home, "logs", "audit.jsonl")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) < 2 {
		t.Fatalf("expected at least two audit entries, got %d", len(lines))
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal first audit entry: %v", err)
	}
	if first["action"] != ActionCrownAwarded {
		t.Fatalf("expected crown.awarded, got %#v", first["action"])
	}
	if first["subject"] != "run-b" || first["trace_id"] != "trace-1" {
		t.Fatalf("unexpected entry: %#v", first)
	}
}

func TestRecordRedactsSecrets(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record(context.Background(), ActionCrownFailed, "error", "task-1", "judge call failed: api_key=abcdef1234567890abcdef")

	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	content := string(raw)
	if strings.Contains(content, "abcdef1234567890abcdef") {
		t.Fatal("secret leaked into audit log")
	}
	if !strings.Contains(content, "[REDACTED]") {
		t.Fatal("expected redaction placeholder")
	}
}

func TestRecordWithoutInitIsNoop(t *testing.T) {
	// Must not panic before Init.
	Record(context.Background(), ActionSettingsWrite, "updated", "", "")
}
