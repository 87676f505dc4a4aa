package delivery

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/MrWong99/kaylistener/internal/observe"
)

// recordSpans installs an in-memory tracer provider for one test. Tests
// using it must not run in parallel.
func recordSpans(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

func spansNamed(exp *tracetest.InMemoryExporter, name string) []tracetest.SpanStub {
	var out []tracetest.SpanStub
	for _, s := range exp.GetSpans() {
		if s.Name == name {
			out = append(out, s)
		}
	}
	return out
}

func spanAttr(s tracetest.SpanStub, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range s.Attributes {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestUpload_SpanPerAttempt(t *testing.T) {
	exp := recordSpans(t)
	tr := &scriptedTransport{script: []outcome{{status: 500}, {status: 200}}}
	m, _ := newTestManager(t, "http://hook.invalid/upload", tr)

	if ok, err := m.Upload(context.Background(), []byte("RIFF"), testMeta); !ok || err != nil {
		t.Fatalf("Upload = %v, %v", ok, err)
	}

	spans := spansNamed(exp, "delivery.upload")
	if len(spans) != 2 {
		t.Fatalf("upload spans = %d, want 2", len(spans))
	}
	header := tr.reqs[0].Header.Get(observe.RequestIDHeader)
	for i, want := range []struct {
		attempt int64
		status  int64
		failed  bool
	}{
		{attempt: 1, status: 500, failed: true},
		{attempt: 2, status: 200},
	} {
		s := spans[i]
		if v, _ := spanAttr(s, "attempt"); v.AsInt64() != want.attempt {
			t.Errorf("span %d attempt = %d, want %d", i, v.AsInt64(), want.attempt)
		}
		if v, _ := spanAttr(s, "http.response.status_code"); v.AsInt64() != want.status {
			t.Errorf("span %d status code = %d, want %d", i, v.AsInt64(), want.status)
		}
		if v, _ := spanAttr(s, "request_id"); header == "" || v.AsString() != header {
			t.Errorf("span %d request_id = %q, header %q", i, v.AsString(), header)
		}
		if got := s.Status.Code == codes.Error; got != want.failed {
			t.Errorf("span %d error status = %v, want %v", i, got, want.failed)
		}
	}
	if spans[0].SpanContext.TraceID() == spans[1].SpanContext.TraceID() {
		t.Error("attempts without a parent share a trace")
	}
}

func TestUpload_TransportErrorSpanHasNoStatusCode(t *testing.T) {
	exp := recordSpans(t)
	tr := &scriptedTransport{script: []outcome{{err: errConnRefused}, {status: 200}}}
	m, _ := newTestManager(t, "http://hook.invalid/upload", tr)

	if ok, _ := m.Upload(context.Background(), []byte("RIFF"), testMeta); !ok {
		t.Fatal("upload not delivered")
	}

	first := spansNamed(exp, "delivery.upload")[0]
	if _, ok := spanAttr(first, "http.response.status_code"); ok {
		t.Error("status code recorded for a request that got no response")
	}
	if first.Status.Code != codes.Error || len(first.Events) == 0 {
		t.Errorf("transport failure not recorded: status=%v events=%d", first.Status.Code, len(first.Events))
	}
}

func TestFlushOnce_SpanCountsPass(t *testing.T) {
	exp := recordSpans(t)
	tr := &scriptedTransport{fallback: outcome{status: 200}}
	m, _ := newTestManager(t, "http://hook.invalid/upload", tr)
	dir := m.Outbox().Dir()

	orphan, _ := m.Enqueue([]byte("orphan"), testMeta)
	if err := os.Remove(orphan); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "job_00000000T000000.000000000_000000.json"), []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Enqueue([]byte("good"), testMeta); err != nil {
		t.Fatal(err)
	}

	m.FlushOnce(context.Background())

	flushes := spansNamed(exp, "delivery.flush")
	if len(flushes) != 1 {
		t.Fatalf("flush spans = %d, want 1", len(flushes))
	}
	pass := flushes[0]
	for key, want := range map[attribute.Key]int64{"delivered": 1, "skipped": 1, "purged": 1} {
		if v, _ := spanAttr(pass, key); v.AsInt64() != want {
			t.Errorf("%s = %d, want %d", key, v.AsInt64(), want)
		}
	}
	if v, ok := spanAttr(pass, "stopped"); !ok || v.AsBool() {
		t.Errorf("stopped = %v, want false", v.Emit())
	}

	upload := spansNamed(exp, "delivery.upload")
	if len(upload) != 1 || upload[0].Parent.SpanID() != pass.SpanContext.SpanID() {
		t.Error("re-sent job's upload span is not a child of the flush span")
	}
}

func TestFlushOnce_FailedPassSpan(t *testing.T) {
	exp := recordSpans(t)
	tr := &scriptedTransport{fallback: outcome{status: 503}}
	m, _ := newTestManager(t, "http://hook.invalid/upload", tr)
	if _, err := m.Enqueue([]byte("stuck"), testMeta); err != nil {
		t.Fatal(err)
	}

	m.FlushOnce(context.Background())

	pass := spansNamed(exp, "delivery.flush")[0]
	if v, _ := spanAttr(pass, "stopped"); !v.AsBool() {
		t.Error("stopped = false on a failed pass")
	}
	if v, _ := spanAttr(pass, "delivered"); v.AsInt64() != 0 {
		t.Errorf("delivered = %d, want 0", v.AsInt64())
	}
	if pass.Status.Code != codes.Error {
		t.Errorf("flush span status = %v, want error", pass.Status.Code)
	}
	if n := len(spansNamed(exp, "delivery.upload")); n != DefaultMaxAttempts {
		t.Errorf("upload spans = %d, want %d", n, DefaultMaxAttempts)
	}
}

func TestFlushOnce_EmptyOutboxStillCounted(t *testing.T) {
	exp := recordSpans(t)
	m, _ := newTestManager(t, "http://hook.invalid/upload", &scriptedTransport{})

	m.FlushOnce(context.Background())

	pass := spansNamed(exp, "delivery.flush")
	if len(pass) != 1 {
		t.Fatalf("flush spans = %d, want 1", len(pass))
	}
	if _, ok := spanAttr(pass[0], "delivered"); !ok {
		t.Error("empty pass span has no counts")
	}
}

func TestSpooler_FlushJoinsCallerTrace(t *testing.T) {
	exp := recordSpans(t)
	tr := &scriptedTransport{fallback: outcome{status: 200}}
	m, _ := newTestManager(t, "http://hook.invalid/upload", tr)
	if _, err := m.Enqueue([]byte("queued"), testMeta); err != nil {
		t.Fatal(err)
	}
	s := NewSpooler(m, DefaultSpoolInterval)

	ctx := observe.WithRequestID(context.Background(), "tray-flush-1")
	ctx, caller := observe.StartSpan(ctx, "POST /flush")
	rep := s.Flush(ctx)
	caller.End()

	if rep.Delivered != 1 {
		t.Fatalf("report = %+v", rep)
	}
	pass := spansNamed(exp, "delivery.flush")[0]
	if pass.Parent.SpanID() != caller.SpanContext().SpanID() {
		t.Error("flush span is not a child of the caller's span")
	}
	// Each upload keeps its own ID so the receiver can dedupe retries.
	if got := tr.reqs[0].Header.Get(observe.RequestIDHeader); got == "" || got == "tray-flush-1" {
		t.Errorf("upload X-Request-ID = %q, want a per-upload ID", got)
	}
}
