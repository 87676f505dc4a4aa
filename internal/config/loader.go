package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultWakeWord        = "oye kay"
	DefaultSampleRate      = 16000
	DefaultFrameMS         = 20
	DefaultAggressiveness  = 2
	DefaultSilence         = 5 * time.Second
	DefaultMaxDuration     = 120 * time.Second
	DefaultSource          = "desktop-kay"
	DefaultMaxAttempts     = 3
	DefaultTimeout         = 15 * time.Second
	DefaultOutboxDir       = "outbox"
	DefaultSpoolInterval   = 60 * time.Second
	DefaultBreakerCooldown = 5 * time.Minute
	DefaultAppName         = "Kay Listener"
	DefaultLogLevel        = LogInfo
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"device":     {"portaudio"},
	"recognizer": {"vosk", "sherpa"},
	"vad":        {"energy", "silero", "always"},
}

// validFrameMS are the frame lengths the VAD engines accept.
var validFrameMS = []int{10, 20, 30}

// LookupFunc reads an environment variable. os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and returns a validated [Config]. A missing file is
// not an error: the environment and defaults then supply every value.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		slog.Info("config file not found, using environment and defaults", "path", path)
		data = nil
	case err != nil:
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}

	cfg, err := load(bytes.NewReader(data), os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("config: load %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. The environment is not consulted. Useful in tests where configs
// are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	return load(r, nil)
}

func load(r io.Reader, lookup LookupFunc) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if lookup != nil {
		if err := ApplyEnv(cfg, lookup); err != nil {
			return nil, err
		}
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = DefaultLogLevel
	}

	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = DefaultSampleRate
	}
	if cfg.Audio.FrameMS == 0 {
		cfg.Audio.FrameMS = DefaultFrameMS
	}
	if cfg.Audio.Device.Name == "" {
		cfg.Audio.Device.Name = "portaudio"
	}

	if cfg.Wake.WakeWord == "" {
		cfg.Wake.WakeWord = DefaultWakeWord
	}
	if cfg.Wake.Recognizer.Name == "" {
		cfg.Wake.Recognizer.Name = "vosk"
	}

	if cfg.Recorder.Silence == 0 {
		cfg.Recorder.Silence = DefaultSilence
	}
	if cfg.Recorder.MaxDuration == 0 {
		cfg.Recorder.MaxDuration = DefaultMaxDuration
	}
	if cfg.Recorder.VAD.Name == "" {
		cfg.Recorder.VAD.Name = "energy"
	}
	if cfg.Recorder.Aggressiveness == nil {
		cfg.Recorder.Aggressiveness = ptr(DefaultAggressiveness)
	}

	if cfg.Delivery.Source == "" {
		cfg.Delivery.Source = DefaultSource
	}
	if cfg.Delivery.MaxAttempts == 0 {
		cfg.Delivery.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Delivery.Timeout == 0 {
		cfg.Delivery.Timeout = DefaultTimeout
	}
	if cfg.Delivery.OutboxDir == "" {
		cfg.Delivery.OutboxDir = DefaultOutboxDir
	}
	if cfg.Delivery.SpoolInterval == 0 {
		cfg.Delivery.SpoolInterval = DefaultSpoolInterval
	}
	if cfg.Delivery.BreakerFailures > 0 && cfg.Delivery.BreakerCooldown == 0 {
		cfg.Delivery.BreakerCooldown = DefaultBreakerCooldown
	}

	if cfg.Notify.AppName == "" {
		cfg.Notify.AppName = DefaultAppName
	}
}

// ApplyEnv overrides cfg with the environment variables the listener has
// always honoured. Empty values are ignored. All parse failures are joined.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	var errs []error

	if v, ok := get("WEBHOOK_URL"); ok {
		cfg.Delivery.WebhookURL = v
	}
	if v, ok := get("WAKE_WORD"); ok {
		cfg.Wake.WakeWord = v
	}
	if v, ok := get("LOG_LEVEL"); ok {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}
	if v, ok := get("SAMPLE_RATE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("SAMPLE_RATE %q: %w", v, err))
		} else {
			cfg.Audio.SampleRate = n
		}
	}
	if v, ok := get("VAD_AGGRESSIVENESS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("VAD_AGGRESSIVENESS %q: %w", v, err))
		} else {
			cfg.Recorder.Aggressiveness = ptr(n)
		}
	}
	if v, ok := get("SILENCE_SECONDS"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("SILENCE_SECONDS %q: %w", v, err))
		} else {
			cfg.Recorder.Silence = time.Duration(f * float64(time.Second))
		}
	}
	if v, ok := get("INPUT_DEVICE_INDEX"); ok {
		n, err := strconv.Atoi(v)
		if strings.EqualFold(v, "auto") {
			cfg.Audio.DeviceIndex = nil
		} else if err != nil {
			errs = append(errs, fmt.Errorf("INPUT_DEVICE_INDEX %q: %w", v, err))
		} else {
			cfg.Audio.DeviceIndex = ptr(n)
		}
	}
	if v, ok := get("AUTO_START_SPOOLER"); ok {
		b, err := parseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("AUTO_START_SPOOLER %q: %w", v, err))
		} else {
			cfg.Delivery.AutoStartSpooler = ptr(b)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: environment: %w", errors.Join(errs...))
	}
	return nil
}

// parseBool accepts the spellings people put in .env files.
func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, errors.New("not a boolean")
}

func ptr[T any](v T) *T { return &v }

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Audio
	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	}
	if !slices.Contains(validFrameMS, cfg.Audio.FrameMS) {
		errs = append(errs, fmt.Errorf("audio.frame_ms %d is invalid; valid values: 10, 20, 30", cfg.Audio.FrameMS))
	}
	if idx := cfg.Audio.DeviceIndex; idx != nil && *idx < 0 {
		errs = append(errs, fmt.Errorf("audio.device_index %d must not be negative", *idx))
	}

	// Wake
	if strings.TrimSpace(cfg.Wake.WakeWord) == "" {
		errs = append(errs, errors.New("wake.wake_word is required"))
	}
	if t := cfg.Wake.NearMissThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("wake.near_miss_threshold %.2f is out of range [0, 1]", t))
	}

	// Recorder
	if cfg.Recorder.Silence <= 0 {
		errs = append(errs, fmt.Errorf("recorder.silence %s must be positive", cfg.Recorder.Silence))
	}
	if cfg.Recorder.MaxDuration <= 0 {
		errs = append(errs, fmt.Errorf("recorder.max_duration %s must be positive", cfg.Recorder.MaxDuration))
	}
	if a := cfg.Recorder.Aggressiveness; a != nil && (*a < 0 || *a > 3) {
		errs = append(errs, fmt.Errorf("recorder.vad_aggressiveness %d is out of range [0, 3]", *a))
	}

	// Delivery
	if u := cfg.Delivery.WebhookURL; u != "" {
		parsed, err := url.Parse(u)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			errs = append(errs, fmt.Errorf("delivery.webhook_url %q must be an absolute http(s) URL", u))
		}
	} else {
		slog.Warn("delivery.webhook_url is empty; recordings will only be spooled")
	}
	if cfg.Delivery.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("delivery.max_attempts %d must be at least 1", cfg.Delivery.MaxAttempts))
	}
	if cfg.Delivery.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("delivery.timeout %s must be positive", cfg.Delivery.Timeout))
	}
	if cfg.Delivery.OutboxDir == "" {
		errs = append(errs, errors.New("delivery.outbox_dir is required"))
	}
	if cfg.Delivery.SpoolInterval < 0 {
		errs = append(errs, fmt.Errorf("delivery.spool_interval %s must not be negative", cfg.Delivery.SpoolInterval))
	}
	if cfg.Delivery.BreakerFailures < 0 {
		errs = append(errs, fmt.Errorf("delivery.breaker_failures %d must not be negative", cfg.Delivery.BreakerFailures))
	}

	// Unknown provider names only warn.
	validateProviderName("device", cfg.Audio.Device.Name)
	validateProviderName("recognizer", cfg.Wake.Recognizer.Name)
	validateProviderName("vad", cfg.Recorder.VAD.Name)

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, possibly a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
