package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultDash(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected '-', got %q", got)
	}
	ctx = WithTraceID(ctx, "trace-1")
	if got := TraceID(ctx); got != "trace-1" {
		t.Fatalf("expected trace-1, got %q", got)
	}
}

func TestSessionKey_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := SessionKey(ctx); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	ctx = WithSessionKey(ctx, "main")
	if got := SessionKey(ctx); got != "main" {
		t.Fatalf("expected main, got %q", got)
	}
}

func TestRunID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := RunID(ctx); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	id := NewRunID()
	if id == "" {
		t.Fatalf("expected non-empty run id")
	}
	ctx = WithRunID(ctx, id)
	if got := RunID(ctx); got != id {
		t.Fatalf("expected %q, got %q", id, got)
	}
}

func TestNodeID_RoundTrip(t *testing.T) {
	ctx := WithNodeID(context.Background(), "node-a")
	if got := NodeID(ctx); got != "node-a" {
		t.Fatalf("expected node-a, got %q", got)
	}
}
