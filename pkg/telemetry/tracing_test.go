package telemetry

import (
	"context"
	"testing"
)

func TestSetupTracingDefaults(t *testing.T) {
	ctx := context.Background()
	provider, err := SetupTracing(ctx, "warden-server", "test", "", false, 0, false)
	if err != nil {
		t.Fatalf("setup tracing failed: %v", err)
	}
	if provider == nil {
		t.Fatal("expected provider")
	}
	if err := provider.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
}

func TestSetupTracingWithLogSpans(t *testing.T) {
	ctx := context.Background()
	provider, err := SetupTracing(ctx, "warden-server", "test", "", false, 1, true)
	if err != nil {
		t.Fatalf("setup tracing failed: %v", err)
	}
	tracer := provider.Tracer("test")
	_, span := tracer.Start(ctx, "sweep")
	span.End()
	if err := provider.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
}
