package observe

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// statusMux mimics the listener status server: a JSON snapshot on
// GET /status and a forced outbox pass on POST /flush that answers 502 when
// uploads failed.
type statusMux struct {
	flushFails bool
	seenID     string
}

func (s *statusMux) handler(m *Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		s.seenID = RequestID(r.Context())
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"state":"listening"}`))
	})
	mux.HandleFunc("POST /flush", func(w http.ResponseWriter, r *http.Request) {
		s.seenID = RequestID(r.Context())
		_, span := StartSpan(r.Context(), "delivery.flush")
		span.End()
		if s.flushFails {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"delivered":1}`))
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return Middleware(m)(mux)
}

func do(t *testing.T, h http.Handler, method, path string, hdr http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func spanNamed(t *testing.T, exp *tracetest.InMemoryExporter, name string) tracetest.SpanStub {
	t.Helper()
	for _, s := range exp.GetSpans() {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("no span %q among %d", name, len(exp.GetSpans()))
	return tracetest.SpanStub{}
}

func attrOf(s tracetest.SpanStub, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range s.Attributes {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestMiddleware_StatusRouteSpanAndRequestID(t *testing.T) {
	exp := installTracer(t)
	m, _ := newTestMetrics(t)
	srv := &statusMux{}
	h := srv.handler(m)

	rec := do(t, h, http.MethodGet, "/status", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	id := rec.Header().Get(RequestIDHeader)
	if len(id) != 36 {
		t.Fatalf("X-Request-ID = %q, want generated UUID", id)
	}
	if srv.seenID != id {
		t.Errorf("handler saw request ID %q, response carries %q", srv.seenID, id)
	}

	span := spanNamed(t, exp, "GET /status")
	if span.SpanKind != trace.SpanKindServer {
		t.Errorf("span kind = %v, want server", span.SpanKind)
	}
	if v, ok := attrOf(span, "http.route"); !ok || v.AsString() != "GET /status" {
		t.Errorf("http.route = %v", v.Emit())
	}
	if v, ok := attrOf(span, "http.response.status_code"); !ok || v.AsInt64() != 200 {
		t.Errorf("status code attr = %v", v.Emit())
	}
	if v, ok := attrOf(span, "request_id"); !ok || v.AsString() != id {
		t.Errorf("request_id attr = %v, want %s", v.Emit(), id)
	}
	if span.Status.Code == codes.Error {
		t.Error("successful status request marked as error")
	}
}

func TestMiddleware_FailedFlushIsErrorSpanWithChild(t *testing.T) {
	exp := installTracer(t)
	m, _ := newTestMetrics(t)
	h := (&statusMux{flushFails: true}).handler(m)

	rec := do(t, h, http.MethodPost, "/flush", nil)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	server := spanNamed(t, exp, "POST /flush")
	if server.Status.Code != codes.Error {
		t.Errorf("span status = %v, want error", server.Status.Code)
	}
	pass := spanNamed(t, exp, "delivery.flush")
	if pass.Parent.SpanID() != server.SpanContext.SpanID() {
		t.Error("flush pass span is not a child of the request span")
	}
}

func TestMiddleware_RecordsDurationByRoute(t *testing.T) {
	installTracer(t)
	m, reader := newTestMetrics(t)
	h := (&statusMux{}).handler(m)

	do(t, h, http.MethodPost, "/flush", nil)
	do(t, h, http.MethodPost, "/flush", nil)
	do(t, h, http.MethodGet, "/recordings/123", nil)

	met := findMetric(collect(t, reader), "kaylistener.http.request.duration")
	if met == nil {
		t.Fatal("request duration metric not found")
	}
	hist := met.Data.(metricdata.Histogram[float64])

	counts := map[string]uint64{}
	for _, dp := range hist.DataPoints {
		route, _ := dp.Attributes.Value("route")
		status, _ := dp.Attributes.Value("status")
		counts[route.AsString()+"|"+status.Emit()] += dp.Count
	}
	if got := counts["POST /flush|200"]; got != 2 {
		t.Errorf("POST /flush samples = %d, want 2 (all: %v)", got, counts)
	}
	// Unknown paths share one label instead of one series per path.
	if got := counts[unmatchedRoute+"|404"]; got != 1 {
		t.Errorf("unmatched samples = %d, want 1 (all: %v)", got, counts)
	}
}

func TestMiddleware_IncomingRequestID(t *testing.T) {
	installTracer(t)
	m, _ := newTestMetrics(t)
	srv := &statusMux{}
	h := srv.handler(m)

	tests := []struct {
		name   string
		id     string
		honour bool
	}{
		{name: "printable", id: "flush-from-tray-01", honour: true},
		{name: "spaces", id: "flush from tray", honour: false},
		{name: "oversized", id: strings.Repeat("a", maxRequestIDLen+1), honour: false},
		{name: "control", id: "abc\x01def", honour: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/flush", http.Header{RequestIDHeader: {tt.id}})
			got := rec.Header().Get(RequestIDHeader)
			if tt.honour && got != tt.id {
				t.Errorf("X-Request-ID = %q, want %q", got, tt.id)
			}
			if !tt.honour && (got == tt.id || len(got) != 36) {
				t.Errorf("X-Request-ID = %q, want a fresh UUID", got)
			}
			if srv.seenID != got {
				t.Errorf("handler saw %q, response carries %q", srv.seenID, got)
			}
		})
	}
}

func TestMiddleware_ContinuesCallerTrace(t *testing.T) {
	exp := installTracer(t)
	m, _ := newTestMetrics(t)
	h := (&statusMux{}).handler(m)

	const (
		traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
		parent  = "00f067aa0ba902b7"
	)
	rec := do(t, h, http.MethodPost, "/flush", http.Header{
		"Traceparent": {"00-" + traceID + "-" + parent + "-01"},
	})

	server := spanNamed(t, exp, "POST /flush")
	if got := server.SpanContext.TraceID().String(); got != traceID {
		t.Errorf("trace ID = %s, want %s", got, traceID)
	}
	if got := server.Parent.SpanID().String(); got != parent {
		t.Errorf("parent span = %s, want %s", got, parent)
	}
	if tp := rec.Header().Get("Traceparent"); !strings.Contains(tp, traceID) {
		t.Errorf("response traceparent = %q, want trace %s", tp, traceID)
	}
}

func TestMiddleware_CompletionLogCarriesRoute(t *testing.T) {
	installTracer(t)
	buf := captureLogs(t, slog.LevelInfo)
	m, _ := newTestMetrics(t)
	h := (&statusMux{}).handler(m)

	rec := do(t, h, http.MethodPost, "/flush", nil)
	do(t, h, http.MethodGet, "/healthz", nil)

	out := buf.String()
	for _, want := range []string{
		`route="POST /flush"`,
		"request_id=" + rec.Header().Get(RequestIDHeader),
		"status=200",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "/healthz") {
		t.Errorf("health check logged at info:\n%s", out)
	}
}

func TestLogLevel_QuietRoutes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		route string
		want  slog.Level
	}{
		{"GET /healthz", slog.LevelDebug},
		{"GET /readyz", slog.LevelDebug},
		{"GET /metrics", slog.LevelDebug},
		{"GET /status", slog.LevelInfo},
		{"POST /flush", slog.LevelInfo},
		{unmatchedRoute, slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := logLevel(tt.route); got != tt.want {
			t.Errorf("logLevel(%q) = %v, want %v", tt.route, got, tt.want)
		}
	}
}

func TestMiddleware_NoCallerTraceStartsRoot(t *testing.T) {
	exp := installTracer(t)
	m, _ := newTestMetrics(t)
	h := (&statusMux{}).handler(m)

	do(t, h, http.MethodGet, "/status", nil)

	server := spanNamed(t, exp, "GET /status")
	if server.Parent.IsValid() {
		t.Errorf("span has parent %s without a traceparent header", server.Parent.SpanID())
	}
}
