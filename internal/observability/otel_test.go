package observability

import (
	"context"
	"testing"
)

func TestInitTracerDisabledIsNoopShutdown(t *testing.T) {
	shutdown, err := InitTracer(false, "kvscan-test", "")
	if err != nil {
		t.Fatalf("InitTracer: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() = %v, want nil", err)
	}
}

func TestInitTracerEnabledWithoutEndpointUsesStdoutExporter(t *testing.T) {
	shutdown, err := InitTracer(true, "kvscan-test", "")
	if err != nil {
		t.Fatalf("InitTracer: %v", err)
	}
	defer shutdown(context.Background())
}
