package telemetry

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInitTracerExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	p, err := InitTracer(Config{ServiceName: "lulutracker-test", Version: "test", Env: "test", Output: &buf, Sync: true})
	if err != nil {
		t.Fatalf("InitTracer() error = %v", err)
	}

	_, span := otel.Tracer("telemetry-test").Start(context.Background(), "reports.Create")
	span.End()
	p.Shutdown(context.Background())

	out := buf.String()
	if !strings.Contains(out, "reports.Create") || !strings.Contains(out, "lulutracker-test") {
		t.Errorf("exported spans missing name or service: %s", out)
	}
}

func TestShutdownNil(t *testing.T) {
	var p *Provider
	p.Shutdown(context.Background())
}
