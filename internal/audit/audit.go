// Package audit keeps an append-only JSONL trail of security-relevant
// decisions: connect auth, node pairing, and skill installs. Entries are
// redacted before they hit disk.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/knothq/gated/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`
	Decision  string `json:"decision"`
	Subject   string `json:"subject,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	denyCount atomic.Int64
)

// Init opens logs/audit.jsonl under the daemon home. Idempotent.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the total number of deny decisions since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

// Record appends one decision. Actions follow a dotted scheme, e.g.
// "gateway.connect", "node.pair", "skills.install".
func Record(action, decision, subject, reason string) {
	if decision == "deny" {
		denyCount.Add(1)
	}

	subject = shared.Redact(subject)
	reason = shared.Redact(reason)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	ev := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Action:    action,
		Decision:  decision,
		Subject:   subject,
		Reason:    reason,
	}
	b, err := json.Marshal(ev)
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}
