package observe

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// keptExporter holds spans past provider shutdown, which the in-memory
// exporter would otherwise reset.
type keptExporter struct {
	*tracetest.InMemoryExporter
}

func (keptExporter) Shutdown(context.Context) error { return nil }

func restoreGlobals(t *testing.T) {
	t.Helper()
	tp := otel.GetTracerProvider()
	mp := otel.GetMeterProvider()
	prop := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(tp)
		otel.SetMeterProvider(mp)
		otel.SetTextMapPropagator(prop)
	})
}

func TestInitProvider_ExportsListenerTelemetry(t *testing.T) {
	restoreGlobals(t)
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	exp := keptExporter{tracetest.NewInMemoryExporter()}

	tel, err := InitProvider(ctx, ProviderConfig{
		ServiceVersion: "1.4.0",
		Source:         "desktop-kay",
		Registry:       reg,
		TraceExporter:  exp,
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}

	tel.Metrics.Spooled.Add(ctx, 1)
	tel.Metrics.RecordAttempt(ctx, "delivered", 120*time.Millisecond)

	_, span := StartSpan(ctx, "delivery.flush")
	span.End()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var spooled, attempts bool
	for _, f := range families {
		switch {
		case strings.HasPrefix(f.GetName(), "kaylistener_delivery_spooled"):
			spooled = true
		case strings.HasPrefix(f.GetName(), "kaylistener_delivery_attempts"):
			attempts = true
		}
	}
	if !spooled || !attempts {
		t.Errorf("registry missing delivery series (spooled=%v attempts=%v)", spooled, attempts)
	}

	if err := tel.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("exported spans = %d, want 1", len(spans))
	}
	res := spans[0].Resource.Set()
	if v, _ := res.Value("service.name"); v.AsString() != DefaultServiceName {
		t.Errorf("service.name = %q, want %q", v.AsString(), DefaultServiceName)
	}
	if v, _ := res.Value("service.version"); v.AsString() != "1.4.0" {
		t.Errorf("service.version = %q", v.AsString())
	}
	if v, _ := res.Value("kaylistener.source"); v.AsString() != "desktop-kay" {
		t.Errorf("kaylistener.source = %q, want desktop-kay", v.AsString())
	}
}

func TestInitProvider_InstallsTraceContextPropagator(t *testing.T) {
	restoreGlobals(t)
	ctx := context.Background()

	tel, err := InitProvider(ctx, ProviderConfig{Registry: prometheus.NewRegistry()})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	defer func() { _ = tel.Shutdown(ctx) }()

	fields := otel.GetTextMapPropagator().Fields()
	if len(fields) == 0 || fields[0] != "traceparent" {
		t.Errorf("propagator fields = %v, want traceparent first", fields)
	}
}
