// Package doctor runs environment diagnostics for the daemon: config,
// database, filesystem permissions, listener ports, and the external tools
// the skill installer and channels rely on.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/knothq/gated/internal/config"
	"github.com/knothq/gated/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// OK reports whether no check failed outright.
func (d Diagnosis) OK() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return false
		}
	}
	return true
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkDatabase,
		checkPermissions,
		checkPorts,
		checkExternalTools,
		checkTelemetryEndpoint,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.Gateway.Auth.Mode == "none" {
		return CheckResult{
			Name:    "Config",
			Status:  "WARN",
			Message: "Gateway auth disabled",
			Detail:  "Set gateway.auth.mode to token or password before exposing the listener",
		}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "gated.db"))
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	if err := store.Ping(ctx); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Ping failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: "Connection and schema valid"}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

// checkPorts verifies the gateway and bridge ports can be bound. A running
// daemon holding them is reported as a warning, not a failure.
func checkPorts(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Ports", Status: "SKIP", Message: "Config missing"}
	}
	ports := []int{cfg.Gateway.Port}
	if cfg.Bridge.Enabled {
		ports = append(ports, cfg.Bridge.Port)
	}
	var busy []string
	for _, port := range ports {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			busy = append(busy, fmt.Sprintf("%d", port))
			continue
		}
		ln.Close()
	}
	if len(busy) > 0 {
		return CheckResult{
			Name:    "Ports",
			Status:  "WARN",
			Message: fmt.Sprintf("Ports in use: %v", busy),
			Detail:  "Another process (possibly a running daemon) holds these ports",
		}
	}
	return CheckResult{Name: "Ports", Status: "PASS", Message: fmt.Sprintf("Checked %d ports", len(ports))}
}

func checkExternalTools(_ context.Context, cfg *config.Config) CheckResult {
	status := "PASS"
	detail := "git: ok"
	if _, err := exec.LookPath("git"); err != nil {
		detail = "git: missing (required for skill install)"
		status = "WARN"
	}
	_ = cfg
	return CheckResult{Name: "External Tools", Status: status, Message: "Checked git", Detail: detail}
}

// checkTelemetryEndpoint resolves the configured otel collector host.
func checkTelemetryEndpoint(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Otel.Enabled {
		return CheckResult{Name: "Telemetry", Status: "SKIP", Message: "Telemetry disabled"}
	}
	host := cfg.Otel.Endpoint
	if host == "" {
		host = "localhost:4318"
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Telemetry",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Telemetry",
		Status:  "PASS",
		Message: fmt.Sprintf("Resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
	}
}
