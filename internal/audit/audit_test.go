package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRecordWritesAuditEntry(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	before := DenyCount()
	Record("gateway.connect", "deny", "10.0.0.9", "bad token")
	Record("skills.install", "allow", "acme-widgets", "")

	if DenyCount() != before+1 {
		t.Fatalf("deny count = %d, want %d", DenyCount(), before+1)
	}

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
	if err := json.Unmarshal([]byte(lines[len(lines)-2]), &first); err != nil {
		t.Fatalf("unmarshal audit entry: %v", err)
	}
	if first["decision"] != "deny" {
		t.Fatalf("expected deny decision, got %#v", first["decision"])
	}
	if first["action"] != "gateway.connect" {
		t.Fatalf("expected action gateway.connect, got %#v", first["action"])
	}
}

func TestAuditAppendOnly(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record("node.pair", "allow", "node-1", "")
	Record("node.pair", "deny", "node-2", "rejected by operator")

	path := filepath.Join(home, "logs", "audit.jsonl")
	info1, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file: %v", err)
	}
	size1 := info1.Size()

	Record("skills.remove", "allow", "acme-widgets", "")

	info2, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file after append: %v", err)
	}
	if info2.Size() <= size1 {
		t.Fatalf("expected file to grow (append-only), size before=%d after=%d", size1, info2.Size())
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	for i, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		var e map[string]any
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", i, err)
		}
		if _, ok := e["timestamp"]; !ok {
			t.Fatalf("line %d missing timestamp", i)
		}
		if _, ok := e["decision"]; !ok {
			t.Fatalf("line %d missing decision", i)
		}
	}
}

func TestRecordRedactsSecrets(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record("gateway.connect", "deny", "127.0.0.1", "auth_token=sk-abc123def456ghi789jkl012mno345")

	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	if strings.Contains(string(raw), "sk-abc123def456ghi789jkl012mno345") {
		t.Fatal("secret leaked into audit log")
	}
}
