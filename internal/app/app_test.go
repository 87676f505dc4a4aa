package app_test

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/kaylistener/internal/app"
	"github.com/MrWong99/kaylistener/internal/config"
	"github.com/MrWong99/kaylistener/internal/delivery"
	"github.com/MrWong99/kaylistener/internal/observe"
	"github.com/MrWong99/kaylistener/internal/wake"
	audiomock "github.com/MrWong99/kaylistener/pkg/audio/mock"
	"github.com/MrWong99/kaylistener/pkg/provider/recognizer"
	recmock "github.com/MrWong99/kaylistener/pkg/provider/recognizer/mock"
	vadmock "github.com/MrWong99/kaylistener/pkg/provider/vad/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

// frameBytes is one 20 ms frame at 16 kHz mono.
const frameBytes = 640

type notes struct {
	mu   sync.Mutex
	msgs []string
}

func (n *notes) Notify(message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, message)
}

func (n *notes) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.msgs)
}

type webhook struct {
	srv    *httptest.Server
	status atomic.Int32

	mu    sync.Mutex
	forms []map[string]string
	ids   []string
}

func newWebhook(t *testing.T, status int) *webhook {
	t.Helper()
	h := &webhook{}
	h.status.Store(int32(status))
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		form := map[string]string{}
		if err := r.ParseMultipartForm(1 << 20); err == nil {
			for k, v := range r.MultipartForm.Value {
				form[k] = v[0]
			}
		}
		h.mu.Lock()
		h.forms = append(h.forms, form)
		h.ids = append(h.ids, r.Header.Get(observe.RequestIDHeader))
		h.mu.Unlock()
		w.WriteHeader(int(h.status.Load()))
	}))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *webhook) requests() []map[string]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.forms)
}

func (h *webhook) requestIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.ids)
}

type fixtureConfig struct {
	script  []recognizer.Result
	voiced  []bool
	status  int
	noStart bool
	metrics *observe.Metrics
}

type fixture struct {
	app   *app.App
	cfg   *config.Config
	dev   *audiomock.Device
	rec   *recmock.Recognizer
	cls   *vadmock.Classifier
	notes *notes
	hook  *webhook
	level *slog.LevelVar
}

func newFixture(t *testing.T, fc fixtureConfig) *fixture {
	t.Helper()
	if fc.status == 0 {
		fc.status = http.StatusOK
	}
	f := &fixture{
		dev:   &audiomock.Device{},
		rec:   &recmock.Recognizer{Script: fc.script},
		cls:   &vadmock.Classifier{Script: fc.voiced},
		notes: &notes{},
		hook:  newWebhook(t, fc.status),
		level: new(slog.LevelVar),
	}

	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Recorder.Silence = 100 * time.Millisecond
	cfg.Recorder.MaxDuration = 400 * time.Millisecond
	cfg.Delivery.WebhookURL = f.hook.srv.URL
	cfg.Delivery.OutboxDir = t.TempDir()
	cfg.Delivery.MaxAttempts = 1
	off := false
	cfg.Delivery.AutoStartSpooler = &off
	f.cfg = cfg

	met := fc.metrics
	if met == nil {
		var err error
		if met, err = observe.NewMetrics(noop.NewMeterProvider()); err != nil {
			t.Fatalf("NewMetrics: %v", err)
		}
	}
	a, err := app.New(cfg, app.Deps{
		Device:     f.dev,
		Recognizer: &recmock.Engine{Recognizer: f.rec},
		VAD:        &vadmock.Engine{Classifier: f.cls},
	},
		app.WithNotifier(f.notes),
		app.WithMetrics(met),
		app.WithLevelVar(f.level),
		app.WithDeliveryOptions(delivery.WithSleep(func(context.Context, time.Duration) error { return nil })),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.app = a
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})

	if !fc.noStart {
		if err := a.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}
	}
	return f
}

// driveUntil feeds frames from the mock device until cond holds.
func (f *fixture) driveUntil(t *testing.T, cond func() bool) {
	t.Helper()
	frame := make([]byte, frameBytes)
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met; status=%+v notes=%v", f.app.Status(), f.notes.all())
		}
		f.dev.Emit(frame)
		time.Sleep(time.Millisecond)
	}
}

func (f *fixture) sessionDone() bool {
	st := f.app.Status()
	return st.LastOutcome != "" && !st.Recording
}

func wakeScript() []recognizer.Result {
	return []recognizer.Result{{Text: "Oye Kay", Final: true}}
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestNew_RequiresDeps(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	if _, err := app.New(cfg, app.Deps{Device: &audiomock.Device{}}); err == nil {
		t.Error("expected error when recognizer and vad are missing")
	}
}

func TestNew_InvalidFormat(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Audio.SampleRate = 0
	_, err := app.New(cfg, app.Deps{
		Device:     &audiomock.Device{},
		Recognizer: &recmock.Engine{},
		VAD:        &vadmock.Engine{},
	})
	if err == nil {
		t.Error("expected error for zero sample rate")
	}
}

func TestWakeToDelivery_Sent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureConfig{script: wakeScript(), voiced: []bool{true}})

	f.driveUntil(t, f.sessionDone)

	st := f.app.Status()
	if st.LastOutcome != app.OutcomeSent {
		t.Fatalf("LastOutcome = %q, want sent", st.LastOutcome)
	}
	reqs := f.hook.requests()
	if len(reqs) != 1 {
		t.Fatalf("webhook requests = %d, want 1", len(reqs))
	}
	if reqs[0]["wake_word"] != "oye kay" || reqs[0]["source"] != "desktop-kay" {
		t.Errorf("form = %v", reqs[0])
	}
	if reqs[0]["duration_ms"] != "120" {
		t.Errorf("duration_ms = %q, want 120 (1 voiced + 5 silent frames)", reqs[0]["duration_ms"])
	}

	want := []string{"Escuchando...", "Grabando...", "Audio enviado"}
	if got := f.notes.all(); !slices.Equal(got, want) {
		t.Errorf("notifications = %v, want %v", got, want)
	}

	f.driveUntil(t, func() bool { return f.app.Status().Detector == wake.StateListening.String() })
	if f.app.Status().Backlog != 0 {
		t.Error("sent recording left in the outbox")
	}
}

func TestSession_ServerErrorQueuesThenFlushDelivers(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureConfig{script: wakeScript(), voiced: []bool{true}, status: http.StatusServiceUnavailable})

	f.driveUntil(t, f.sessionDone)
	st := f.app.Status()
	if st.LastOutcome != app.OutcomeQueued || st.Backlog != 1 {
		t.Fatalf("outcome=%q backlog=%d, want queued/1", st.LastOutcome, st.Backlog)
	}
	if got := f.notes.all(); got[len(got)-1] != app.OutcomeQueued.Message() {
		t.Errorf("last notification = %q", got[len(got)-1])
	}

	f.hook.status.Store(http.StatusOK)
	rep := f.app.Flush(context.Background())
	if rep.Delivered != 1 || rep.Stopped {
		t.Errorf("flush report = %+v", rep)
	}
	if f.app.Status().Backlog != 0 {
		t.Error("outbox not drained")
	}
	if n := len(f.hook.requests()); n != 2 {
		t.Errorf("webhook requests = %d, want 2", n)
	}
}

func TestSession_RejectedIsFailed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureConfig{script: wakeScript(), voiced: []bool{true}, status: http.StatusUnprocessableEntity})

	f.driveUntil(t, f.sessionDone)
	st := f.app.Status()
	if st.LastOutcome != app.OutcomeFailed {
		t.Errorf("LastOutcome = %q, want failed", st.LastOutcome)
	}
	if st.Backlog != 0 {
		t.Error("rejected recording was spooled")
	}
}

func TestSession_NoSpeech(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureConfig{script: wakeScript()})

	f.driveUntil(t, f.sessionDone)
	if got := f.app.Status().LastOutcome; got != app.OutcomeNoSpeech {
		t.Errorf("LastOutcome = %q, want no_speech", got)
	}
	if n := len(f.hook.requests()); n != 0 {
		t.Errorf("webhook requests = %d, want 0", n)
	}
}

func TestOnWake_IgnoredWhileNotListening(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureConfig{})

	if f.app.ToggleListening() {
		t.Fatal("ToggleListening() = true, want false")
	}
	st := f.app.Status()
	if st.Listening || st.Detector != "paused" {
		t.Errorf("status after pause = %+v", st)
	}

	f.app.OnWake(wake.Trigger{Text: "oye kay", Final: true})
	if f.app.Status().Recording {
		t.Error("trigger acted on while listening is off")
	}

	if !f.app.ToggleListening() {
		t.Fatal("ToggleListening() = false, want true")
	}
	if st := f.app.Status(); !st.Listening || st.Detector != "listening" {
		t.Errorf("status after resume = %+v", st)
	}
	want := []string{"Escuchando...", "Escucha pausada", "Escucha reanudada"}
	if got := f.notes.all(); !slices.Equal(got, want) {
		t.Errorf("notifications = %v, want %v", got, want)
	}
}

func TestOnWake_IgnoredWhileRecording(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureConfig{voiced: []bool{true}})

	trig := wake.Trigger{Text: "oye kay", Final: true}
	f.app.OnWake(trig)
	if !f.app.Status().Recording {
		t.Fatal("first trigger did not start a recording")
	}
	f.app.OnWake(trig)

	f.driveUntil(t, f.sessionDone)
	if n := len(f.hook.requests()); n != 1 {
		t.Errorf("webhook requests = %d, want 1", n)
	}
	recordings := 0
	for _, m := range f.notes.all() {
		if m == "Grabando..." {
			recordings++
		}
	}
	if recordings != 1 {
		t.Errorf("recording sessions = %d, want 1", recordings)
	}
}

func TestShutdown_CancelsRecording(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureConfig{})

	f.app.OnWake(wake.Trigger{Text: "oye kay"})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := f.app.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	st := f.app.Status()
	if st.LastOutcome != app.OutcomeCancelled {
		t.Errorf("LastOutcome = %q, want cancelled", st.LastOutcome)
	}
	if st.AudioRunning || st.Detector != "stopped" {
		t.Errorf("status after shutdown = %+v", st)
	}
	got := f.notes.all()
	if !slices.Contains(got, "Grabación cancelada") || got[len(got)-1] != "Aplicación detenida" {
		t.Errorf("notifications = %v", got)
	}

	f.app.OnWake(wake.Trigger{Text: "oye kay"})
	if f.app.Status().Recording {
		t.Error("trigger after shutdown started a recording")
	}
	if err := f.app.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestTestMicrophone(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureConfig{})

	var (
		n    int
		err  error
		done atomic.Bool
	)
	go func() {
		n, err = f.app.TestMicrophone(context.Background())
		done.Store(true)
	}()
	f.driveUntil(t, done.Load)

	if err != nil {
		t.Fatalf("TestMicrophone: %v", err)
	}
	// 2 s at 20 ms per frame plus the 44-byte WAV header.
	if want := 44 + 100*frameBytes; n != want {
		t.Errorf("bytes = %d, want %d", n, want)
	}
	if n := len(f.hook.requests()); n != 0 {
		t.Errorf("microphone test uploaded %d recordings", n)
	}
	got := f.notes.all()
	if got[len(got)-1] != "Grabación de prueba 64044 bytes" {
		t.Errorf("notification = %q", got[len(got)-1])
	}
}

func TestApplyConfig_HotReload(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureConfig{})

	next := *f.cfg
	next.Server.LogLevel = config.LogDebug
	next.Delivery.WebhookURL = ""
	next.Recorder.Silence = time.Second
	f.app.ApplyConfig(f.cfg, &next)

	if f.level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", f.level.Level())
	}
	if f.app.Status().EndpointConfigured {
		t.Error("webhook URL change not applied")
	}
}

func TestOutcomeMessages_Distinct(t *testing.T) {
	t.Parallel()
	seen := map[string]app.Outcome{}
	for _, o := range []app.Outcome{
		app.OutcomeSent, app.OutcomeQueued, app.OutcomeFailed,
		app.OutcomeCancelled, app.OutcomeNoSpeech,
	} {
		msg := o.Message()
		if prev, dup := seen[msg]; dup {
			t.Errorf("%s and %s share message %q", prev, o, msg)
		}
		seen[msg] = o
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()
	cases := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	}
	for in, want := range cases {
		if got := app.SlogLevel(in); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
