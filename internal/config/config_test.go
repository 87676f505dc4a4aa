package config_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/kaylistener/internal/config"
	"github.com/MrWong99/kaylistener/pkg/audio"
	audiomock "github.com/MrWong99/kaylistener/pkg/audio/mock"
	"github.com/MrWong99/kaylistener/pkg/provider/recognizer"
	recmock "github.com/MrWong99/kaylistener/pkg/provider/recognizer/mock"
	"github.com/MrWong99/kaylistener/pkg/provider/vad"
	vadmock "github.com/MrWong99/kaylistener/pkg/provider/vad/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: "127.0.0.1:9464"
  log_level: debug

audio:
  sample_rate: 16000
  frame_ms: 30
  device:
    name: portaudio
  device_index: 2

wake:
  wake_word: "oye kay"
  variants: ["oi kay"]
  recognizer:
    name: vosk
    url: "ws://localhost:2700"
  near_miss_threshold: 0.6

recorder:
  silence: 4s
  max_duration: 90s
  vad:
    name: silero
    model: "models/silero_vad.onnx"
    options:
      threshold: 0.4
      window: 512
  vad_aggressiveness: 3

delivery:
  webhook_url: "https://hooks.example.com/kay"
  source: office-kay
  max_attempts: 5
  timeout: 10s
  outbox_dir: /var/spool/kay
  spool_interval: 2m
  auto_start_spooler: false
  breaker_failures: 4

notify:
  enabled: false
  app_name: Kay
`

func mustLoad(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

// ── Loading ──────────────────────────────────────────────────────────────────

func TestLoadFromReader_Sample(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, sampleYAML)

	if cfg.Server.ListenAddr != "127.0.0.1:9464" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Audio.FrameDuration() != 30*time.Millisecond {
		t.Errorf("frame = %s", cfg.Audio.FrameDuration())
	}
	if cfg.Audio.DeviceIndex == nil || *cfg.Audio.DeviceIndex != 2 {
		t.Errorf("device_index = %v", cfg.Audio.DeviceIndex)
	}
	if cfg.Wake.Recognizer.URL != "ws://localhost:2700" || len(cfg.Wake.Variants) != 1 {
		t.Errorf("wake = %+v", cfg.Wake)
	}
	if cfg.Recorder.Silence != 4*time.Second || cfg.Recorder.MaxDuration != 90*time.Second {
		t.Errorf("recorder durations = %s / %s", cfg.Recorder.Silence, cfg.Recorder.MaxDuration)
	}
	if *cfg.Recorder.Aggressiveness != 3 {
		t.Errorf("aggressiveness = %d", *cfg.Recorder.Aggressiveness)
	}
	if cfg.Delivery.MaxAttempts != 5 || cfg.Delivery.SpoolInterval != 2*time.Minute {
		t.Errorf("delivery = %+v", cfg.Delivery)
	}
	if cfg.Delivery.SpoolerEnabled() {
		t.Error("auto_start_spooler: false ignored")
	}
	if cfg.Delivery.BreakerCooldown != config.DefaultBreakerCooldown {
		t.Errorf("breaker_cooldown = %s, want default", cfg.Delivery.BreakerCooldown)
	}
	if cfg.Notify.DesktopEnabled() || cfg.Notify.AppName != "Kay" {
		t.Errorf("notify = %+v", cfg.Notify)
	}
}

func TestLoadFromReader_RejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("delivery:\n  webhook: https://x\n"))
	if err == nil {
		t.Fatal("expected error for unknown key")
	}
	if !strings.Contains(err.Error(), "webhook") {
		t.Errorf("error does not name the key: %v", err)
	}
}

func TestLoadFromReader_MalformedYAML(t *testing.T) {
	t.Parallel()
	if _, err := config.LoadFromReader(strings.NewReader("audio: [")); err == nil {
		t.Error("expected decode error")
	}
}

// ── ProviderEntry options ────────────────────────────────────────────────────

func TestProviderEntryOptions(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, sampleYAML)
	entry := cfg.Recorder.VAD

	if got := entry.FloatOption("threshold", 0.5); got != 0.4 {
		t.Errorf("FloatOption(threshold) = %v", got)
	}
	if got := entry.IntOption("window", 256); got != 512 {
		t.Errorf("IntOption(window) = %v", got)
	}
	if got := entry.FloatOption("window", 0); got != 512 {
		t.Errorf("FloatOption(window) = %v", got)
	}
	if got := entry.StringOption("provider", "cpu"); got != "cpu" {
		t.Errorf("StringOption default = %q", got)
	}
	if got := entry.IntOption("threshold", 7); got != 0 {
		t.Errorf("IntOption on float truncates, got %d", got)
	}
}

// ── Validation ───────────────────────────────────────────────────────────────

func TestValidate_CollectsAllErrors(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Server.LogLevel = "verbose"
	cfg.Audio.FrameMS = 25
	cfg.Audio.DeviceIndex = new(int)
	*cfg.Audio.DeviceIndex = -2
	cfg.Wake.NearMissThreshold = 1.5
	*cfg.Recorder.Aggressiveness = 4
	cfg.Delivery.WebhookURL = "hooks.example.com/kay"
	cfg.Delivery.MaxAttempts = -1
	cfg.Delivery.SpoolInterval = -time.Second
	cfg.Delivery.BreakerFailures = -1

	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, field := range []string{
		"server.log_level",
		"audio.frame_ms",
		"audio.device_index",
		"wake.near_miss_threshold",
		"recorder.vad_aggressiveness",
		"delivery.webhook_url",
		"delivery.max_attempts",
		"delivery.spool_interval",
		"delivery.breaker_failures",
	} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("error does not mention %s", field)
		}
	}
}

func TestValidate_WhitespaceWakeWord(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Wake.WakeWord = "   "
	if err := config.Validate(cfg); err == nil || !strings.Contains(err.Error(), "wake.wake_word") {
		t.Errorf("Validate = %v, want wake_word error", err)
	}
}

func TestValidate_EmptyWebhookIsAllowed(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidate_UnknownProviderOnlyWarns(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	cfg.Recorder.VAD.Name = "webrtc"
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry_CreatesRegisteredProviders(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	var gotRate int
	reg.RegisterDevice("mock", func(c config.AudioConfig) (audio.Device, error) {
		gotRate = c.SampleRate
		return &audiomock.Device{}, nil
	})
	reg.RegisterRecognizer("mock", func(config.ProviderEntry) (recognizer.Engine, error) {
		return &recmock.Engine{}, nil
	})
	reg.RegisterVAD("mock", func(config.ProviderEntry) (vad.Engine, error) {
		return &vadmock.Engine{}, nil
	})

	if _, err := reg.CreateDevice(config.AudioConfig{SampleRate: 16000, Device: config.ProviderEntry{Name: "mock"}}); err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}
	if gotRate != 16000 {
		t.Errorf("factory saw sample rate %d", gotRate)
	}
	if _, err := reg.CreateRecognizer(config.ProviderEntry{Name: "mock"}); err != nil {
		t.Errorf("CreateRecognizer: %v", err)
	}
	if _, err := reg.CreateVAD(config.ProviderEntry{Name: "mock"}); err != nil {
		t.Errorf("CreateVAD: %v", err)
	}

	names := reg.Names()
	for _, kind := range []string{"device", "recognizer", "vad"} {
		if len(names[kind]) != 1 || names[kind][0] != "mock" {
			t.Errorf("Names()[%s] = %v", kind, names[kind])
		}
	}
}

func TestRegistry_NotRegistered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	_, err := reg.CreateRecognizer(config.ProviderEntry{Name: "sherpa"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateRecognizer err = %v, want ErrProviderNotRegistered", err)
	}
	if err != nil && !strings.Contains(err.Error(), "sherpa") {
		t.Errorf("error does not name provider: %v", err)
	}
	if _, err := reg.CreateVAD(config.ProviderEntry{Name: "silero"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateVAD err = %v", err)
	}
	if _, err := reg.CreateDevice(config.AudioConfig{}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateDevice err = %v", err)
	}
}

func TestRegistry_FactoryErrorPropagates(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	boom := errors.New("model missing")
	reg.RegisterVAD("silero", func(config.ProviderEntry) (vad.Engine, error) { return nil, boom })

	if _, err := reg.CreateVAD(config.ProviderEntry{Name: "silero"}); !errors.Is(err, boom) {
		t.Errorf("CreateVAD err = %v, want %v", err, boom)
	}
}
