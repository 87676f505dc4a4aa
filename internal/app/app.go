// Package app wires the listener subsystems into a running application.
//
// The App owns the full lifecycle: New builds the broadcaster, wake detector,
// recorder, delivery manager and spooler from the config; Run starts capture
// and blocks until the context ends; Shutdown tears everything down in
// order.
//
// For testing, inject mock devices and engines through [Deps] and test
// doubles through functional options.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/kaylistener/internal/capture"
	"github.com/MrWong99/kaylistener/internal/config"
	"github.com/MrWong99/kaylistener/internal/delivery"
	"github.com/MrWong99/kaylistener/internal/notify"
	"github.com/MrWong99/kaylistener/internal/observe"
	"github.com/MrWong99/kaylistener/internal/wake"
	"github.com/MrWong99/kaylistener/pkg/audio"
	"github.com/MrWong99/kaylistener/pkg/provider/recognizer"
	"github.com/MrWong99/kaylistener/pkg/provider/vad"
)

// testMicrophoneSeconds is the length of a microphone test recording.
const testMicrophoneSeconds = 2.0

// Deps holds the providers built by main from the config registry.
type Deps struct {
	Device     audio.Device
	Recognizer recognizer.Engine
	VAD        vad.Engine
}

// App owns all subsystem lifetimes and orchestrates the capture pipeline.
type App struct {
	cfg *config.Config

	broadcaster *audio.Broadcaster
	detector    *wake.Detector
	recorder    *capture.Recorder
	manager     *delivery.Manager
	spooler     *delivery.Spooler
	metrics     *observe.Metrics
	levelVar    *slog.LevelVar

	notifyMu sync.RWMutex
	notifier notify.Notifier

	deliveryOpts []delivery.Option

	// ctx bounds capture sessions; cancelled by Shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	listening   atomic.Bool
	recordingMu sync.Mutex
	recording   atomic.Bool
	sessions    sync.WaitGroup
	lastOutcome atomic.Value // Outcome

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithNotifier replaces the notifier built from the notify section.
func WithNotifier(n notify.Notifier) Option {
	return func(a *App) { a.notifier = n }
}

// WithMetrics records pipeline metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets config reloads change the log level through lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = lv }
}

// WithDeliveryOptions passes extra options to the delivery manager.
func WithDeliveryOptions(opts ...delivery.Option) Option {
	return func(a *App) { a.deliveryOpts = append(a.deliveryOpts, opts...) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New wires every subsystem. Nothing is started until [App.Run]. The outbox
// directory is created if missing.
func New(cfg *config.Config, deps Deps, opts ...Option) (*App, error) {
	if deps.Device == nil || deps.Recognizer == nil || deps.VAD == nil {
		return nil, errors.New("app: device, recognizer and vad are required")
	}

	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.notifier == nil {
		a.notifier = notify.New(cfg.Notify)
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.listening.Store(true)

	// ── 1. Audio ─────────────────────────────────────────────────────────
	format := audio.Format{
		SampleRate:    cfg.Audio.SampleRate,
		Channels:      1,
		FrameDuration: cfg.Audio.FrameDuration(),
	}
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("app: audio format: %w", err)
	}
	a.broadcaster = audio.NewBroadcaster(deps.Device, format,
		audio.WithObserver(a.metrics),
		audio.WithDeviceName(cfg.Audio.Device.Name),
	)

	// ── 2. Recorder ──────────────────────────────────────────────────────
	aggr := config.DefaultAggressiveness
	if cfg.Recorder.Aggressiveness != nil {
		aggr = *cfg.Recorder.Aggressiveness
	}
	a.recorder = capture.NewRecorder(a.broadcaster, deps.VAD, capture.Config{
		Silence:        cfg.Recorder.Silence,
		MaxDuration:    cfg.Recorder.MaxDuration,
		QueueCapacity:  cfg.Recorder.QueueCapacity,
		Aggressiveness: aggr,
		WakeWord:       cfg.Wake.WakeWord,
	})

	// ── 3. Wake detector ─────────────────────────────────────────────────
	variants := wake.NewVariantSet(cfg.Wake.WakeWord, cfg.Wake.Variants...)
	a.detector = wake.NewDetector(a.broadcaster, deps.Recognizer, variants, a.OnWake,
		wake.Config{
			QueueCapacity:     cfg.Wake.QueueCapacity,
			NearMissThreshold: cfg.Wake.NearMissThreshold,
		},
		wake.WithObserver(a.metrics),
	)

	// ── 4. Delivery ──────────────────────────────────────────────────────
	outbox, err := delivery.OpenOutbox(cfg.Delivery.OutboxDir)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	dopts := append([]delivery.Option{delivery.WithMetrics(a.metrics)}, a.deliveryOpts...)
	a.manager = delivery.NewManager(delivery.Config{
		URL:         cfg.Delivery.WebhookURL,
		Source:      cfg.Delivery.Source,
		MaxAttempts: cfg.Delivery.MaxAttempts,
		Timeout:     cfg.Delivery.Timeout,
		WakeWord:    cfg.Wake.WakeWord,
	}, outbox, dopts...)
	a.spooler = delivery.NewSpooler(a.manager, cfg.Delivery.SpoolInterval,
		delivery.WithBreaker(cfg.Delivery.BreakerFailures, cfg.Delivery.BreakerCooldown),
	)

	return a, nil
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

// Start opens the audio device, starts the wake detector and, when enabled,
// the periodic spooler. A device failure is returned as a [*audio.DeviceError].
func (a *App) Start(ctx context.Context) error {
	if err := a.broadcaster.Start(ctx); err != nil {
		return err
	}
	if err := a.detector.Start(ctx); err != nil {
		a.broadcaster.Stop()
		return fmt.Errorf("app: %w", err)
	}
	if a.cfg.Delivery.SpoolerEnabled() {
		a.spooler.Start(ctx)
	}
	slog.Info("kay listener started",
		"wake_word", a.cfg.Wake.WakeWord,
		"phrases", a.detector.Grammar(),
		"endpoint_configured", a.manager.Endpoint() != "",
		"spooler", a.spooler.Running(),
	)
	a.notify("Escuchando...")
	return nil
}

// Run starts the pipeline and the optional status server, then blocks until
// ctx is cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if addr := a.cfg.Server.ListenAddr; addr != "" {
		g.Go(func() error { return a.serve(gctx, addr) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return gctx.Err()
	})
	return g.Wait()
}

// Shutdown stops capture, waits for an in-flight session up to ctx's
// deadline, and releases every subsystem. A recording interrupted by
// shutdown is discarded; one already uploading is spooled if the upload
// cannot finish. Shutdown is safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		slog.Info("kay listener stopping")
		a.cancel()
		a.spooler.Stop()
		if err := a.detector.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close wake detector: %w", err))
		}

		done := make(chan struct{})
		go func() {
			a.sessions.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("wait for recording session: %w", ctx.Err()))
		}

		a.broadcaster.Stop()
		a.notify("Aplicación detenida")
	})
	return errors.Join(errs...)
}

// ─── Wake handling ───────────────────────────────────────────────────────────

// OnWake starts a capture session for a wake trigger. Triggers are ignored
// while listening is toggled off or another session is in progress.
func (a *App) OnWake(t wake.Trigger) {
	if !a.listening.Load() {
		slog.Debug("wake phrase ignored: listening paused", "text", t.Text)
		return
	}
	if a.ctx.Err() != nil {
		return
	}
	if !a.recordingMu.TryLock() {
		slog.Info("wake phrase ignored: recording in progress", "text", t.Text)
		return
	}
	a.recording.Store(true)
	slog.Info("wake phrase detected", "text", t.Text, "kind", t.Kind())

	a.sessions.Add(1)
	go a.captureAndSend()
}

// captureAndSend always releases the session lock and resumes the detector.
func (a *App) captureAndSend() {
	defer a.sessions.Done()
	defer func() {
		a.recording.Store(false)
		a.recordingMu.Unlock()
		a.detector.Resume()
	}()

	a.notify("Grabando...")
	res, outcome := a.session(a.ctx)

	var d time.Duration
	if res != nil {
		d = res.Duration
	}
	a.metrics.RecordSession(a.ctx, string(outcome), d)
	a.lastOutcome.Store(outcome)
	a.notify(outcome.Message())
}

func (a *App) session(ctx context.Context) (*capture.Result, Outcome) {
	res, err := a.recorder.CaptureUntilSilence(ctx)
	switch {
	case errors.Is(err, capture.ErrCancelled):
		slog.Info("recording cancelled")
		return nil, OutcomeCancelled
	case errors.Is(err, capture.ErrNoSpeech):
		slog.Info("recording discarded: no speech detected")
		return nil, OutcomeNoSpeech
	case err != nil:
		slog.Error("recording failed", "err", err)
		return nil, OutcomeFailed
	}

	meta := delivery.NewMeta(res.Duration, res.WakeWord, res.Timestamp)
	ok, err := a.manager.Upload(ctx, res.Audio, meta)
	switch {
	case ok:
		slog.Info("recording sent", "duration_ms", res.DurationMS(), "capped", res.Capped)
		return res, OutcomeSent
	case err != nil:
		slog.Error("recording not delivered", "duration_ms", res.DurationMS(), "err", err)
		return res, OutcomeFailed
	default:
		slog.Info("recording queued", "duration_ms", res.DurationMS())
		return res, OutcomeQueued
	}
}

// ─── Controls ────────────────────────────────────────────────────────────────

// ToggleListening flips the listening flag and pauses or resumes the
// detector. It returns the new value.
func (a *App) ToggleListening() bool {
	for {
		old := a.listening.Load()
		if a.listening.CompareAndSwap(old, !old) {
			if !old {
				a.detector.Resume()
				slog.Info("listening resumed")
				a.notify("Escucha reanudada")
			} else {
				a.detector.Pause()
				slog.Info("listening paused")
				a.notify("Escucha pausada")
			}
			return !old
		}
	}
}

// Listening reports whether wake triggers are acted on.
func (a *App) Listening() bool { return a.listening.Load() }

// TestMicrophone records a short fixed-length clip and reports its size in
// bytes. Nothing is uploaded.
func (a *App) TestMicrophone(ctx context.Context) (int, error) {
	slog.Info("microphone test recording", "seconds", testMicrophoneSeconds)
	res, err := a.recorder.CaptureSeconds(ctx, testMicrophoneSeconds)
	if err != nil {
		a.notify("No se pudo grabar audio de prueba")
		return 0, fmt.Errorf("app: microphone test: %w", err)
	}
	a.notify(fmt.Sprintf("Grabación de prueba %d bytes", len(res.Audio)))
	return len(res.Audio), nil
}

// Flush runs a manual outbox pass, joining one already in progress.
func (a *App) Flush(ctx context.Context) delivery.FlushReport {
	return a.spooler.Flush(ctx)
}

// ─── Status ──────────────────────────────────────────────────────────────────

// SpoolerStatus describes the periodic flusher.
type SpoolerStatus struct {
	Running    bool                  `json:"running"`
	Breaker    string                `json:"breaker"`
	LastFlush  *time.Time            `json:"last_flush,omitempty"`
	LastReport *delivery.FlushReport `json:"last_report,omitempty"`
}

// Status is a point-in-time snapshot of the pipeline.
type Status struct {
	Detector           string        `json:"detector"`
	Listening          bool          `json:"listening"`
	Recording          bool          `json:"recording"`
	AudioRunning       bool          `json:"audio_running"`
	Subscribers        int           `json:"subscribers"`
	Backlog            int           `json:"spool_backlog"`
	EndpointConfigured bool          `json:"endpoint_configured"`
	LastOutcome        Outcome       `json:"last_outcome,omitempty"`
	Spooler            SpoolerStatus `json:"spooler"`
}

// Status returns the current pipeline snapshot.
func (a *App) Status() Status {
	backlog, err := a.manager.Outbox().Len()
	if err != nil {
		slog.Warn("status: cannot count outbox", "err", err)
		backlog = -1
	}
	st := Status{
		Detector:           a.detector.State().String(),
		Listening:          a.listening.Load(),
		Recording:          a.recording.Load(),
		AudioRunning:       a.broadcaster.Running(),
		Subscribers:        a.broadcaster.SubscriberCount(),
		Backlog:            backlog,
		EndpointConfigured: a.manager.Endpoint() != "",
		Spooler: SpoolerStatus{
			Running: a.spooler.Running(),
			Breaker: a.spooler.BreakerState(),
		},
	}
	if o, ok := a.lastOutcome.Load().(Outcome); ok {
		st.LastOutcome = o
	}
	if rep, at, ok := a.spooler.LastReport(); ok {
		st.Spooler.LastFlush = &at
		st.Spooler.LastReport = &rep
	}
	return st
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable part of a config change. It is
// shaped as a [config.Watcher] callback.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.WebhookChanged {
		a.manager.SetEndpoint(d.NewWebhookURL)
	}
	if d.NotifyChanged {
		a.setNotifier(notify.New(d.NewNotify))
		slog.Info("notification settings changed", "desktop", d.NewNotify.DesktopEnabled())
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart to take effect", "sections", d.RestartRequired)
	}
}

// SlogLevel maps a config log level to its slog equivalent.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (a *App) notify(message string) {
	a.notifyMu.RLock()
	n := a.notifier
	a.notifyMu.RUnlock()
	n.Notify(message)
}

func (a *App) setNotifier(n notify.Notifier) {
	a.notifyMu.Lock()
	a.notifier = n
	a.notifyMu.Unlock()
}
