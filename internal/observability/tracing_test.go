package observability

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestStdoutTracingExportsComponentSpans(t *testing.T) {
	var out bytes.Buffer
	ctx := context.Background()
	tr, err := StartTracing(ctx, TracingConfig{Enabled: true, Exporter: "stdout", SampleRatio: 1, Output: &out}, nil)
	if err != nil {
		t.Fatalf("StartTracing: %v", err)
	}
	t.Cleanup(func() { _, _ = StartTracing(ctx, TracingConfig{}, nil) })

	_, span := Tracer("dispatch").Start(ctx, "dispatch.RunOnce")
	span.End()
	if err := tr.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	tr.Shutdown(ctx)

	got := out.String()
	if !strings.Contains(got, "dispatch.RunOnce") || !strings.Contains(got, "github.com/signalsfoundry/satops/dispatch") {
		t.Fatalf("exported spans missing name or scope:\n%s", got)
	}
}

func TestStartTracingRejectsUnknownExporter(t *testing.T) {
	if _, err := StartTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "zipkin"}, nil); err == nil {
		t.Fatalf("expected an error for an unknown exporter")
	}
}

func TestDisabledTracingIsInert(t *testing.T) {
	tr, err := StartTracing(context.Background(), TracingConfig{}, nil)
	if err != nil {
		t.Fatalf("StartTracing: %v", err)
	}
	if err := tr.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	tr.Shutdown(context.Background())

	var nilTracing *Tracing
	nilTracing.Shutdown(context.Background())
}
