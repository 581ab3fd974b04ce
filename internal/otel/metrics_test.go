package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.RequestDuration == nil {
		t.Error("RequestDuration is nil")
	}
	if m.RequestErrors == nil {
		t.Error("RequestErrors is nil")
	}
	if m.DedupeReplays == nil {
		t.Error("DedupeReplays is nil")
	}
	if m.EventsBroadcast == nil {
		t.Error("EventsBroadcast is nil")
	}
	if m.EventsDropped == nil {
		t.Error("EventsDropped is nil")
	}
	if m.SlowConsumerCloses == nil {
		t.Error("SlowConsumerCloses is nil")
	}
	if m.ActiveClients == nil {
		t.Error("ActiveClients is nil")
	}
	if m.NodesConnected == nil {
		t.Error("NodesConnected is nil")
	}
	if m.InvokeDuration == nil {
		t.Error("InvokeDuration is nil")
	}
	if m.RunDuration == nil {
		t.Error("RunDuration is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	// Disabled telemetry returns a noop meter; instruments must still create.
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}
