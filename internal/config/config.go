// Package config provides the configuration schema, loader, and provider registry
// for the listener.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Audio    AudioConfig    `yaml:"audio"`
	Wake     WakeConfig     `yaml:"wake"`
	Recorder RecorderConfig `yaml:"recorder"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Notify   NotifyConfig   `yaml:"notify"`
}

// ServerConfig holds logging and status-server settings.
type ServerConfig struct {
	// ListenAddr is the address of the status server (e.g., "127.0.0.1:9464").
	// Empty disables it.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// AudioConfig selects the capture device and stream format.
type AudioConfig struct {
	// SampleRate is the capture rate in Hz.
	SampleRate int `yaml:"sample_rate"`

	// FrameMS is the frame length in milliseconds.
	FrameMS int `yaml:"frame_ms"`

	// Device selects the registered device backend. Default: "portaudio".
	Device ProviderEntry `yaml:"device"`

	// DeviceIndex selects an input device by index. Nil uses the system
	// default input.
	DeviceIndex *int `yaml:"device_index"`
}

// FrameDuration returns FrameMS as a duration.
func (a AudioConfig) FrameDuration() time.Duration {
	return time.Duration(a.FrameMS) * time.Millisecond
}

// WakeConfig configures wake-phrase detection.
type WakeConfig struct {
	// WakeWord is the primary wake phrase.
	WakeWord string `yaml:"wake_word"`

	// Variants are extra accepted spellings on top of the built-in ones.
	Variants []string `yaml:"variants"`

	// Recognizer selects the registered streaming recognizer. Default: "vosk".
	Recognizer ProviderEntry `yaml:"recognizer"`

	// QueueCapacity is the detector's subscription buffer in frames.
	QueueCapacity int `yaml:"queue_capacity"`

	// NearMissThreshold is the similarity above which non-matching finals are
	// logged at debug level.
	NearMissThreshold float64 `yaml:"near_miss_threshold"`
}

// RecorderConfig configures utterance capture.
type RecorderConfig struct {
	// Silence is the trailing silence that ends a recording.
	Silence time.Duration `yaml:"silence"`

	// MaxDuration caps a single recording.
	MaxDuration time.Duration `yaml:"max_duration"`

	// QueueCapacity is the recorder's subscription buffer in frames.
	QueueCapacity int `yaml:"queue_capacity"`

	// VAD selects the registered voice-activity engine. Default: "energy".
	VAD ProviderEntry `yaml:"vad"`

	// Aggressiveness is the VAD mode 0..3. Nil means 2.
	Aggressiveness *int `yaml:"vad_aggressiveness"`
}

// DeliveryConfig configures the webhook upload and the outbox.
type DeliveryConfig struct {
	// WebhookURL is the upload endpoint. Empty spools every recording.
	WebhookURL string `yaml:"webhook_url"`

	// Source is sent as the "source" form field.
	Source string `yaml:"source"`

	// MaxAttempts bounds attempts per upload.
	MaxAttempts int `yaml:"max_attempts"`

	// Timeout bounds one attempt.
	Timeout time.Duration `yaml:"timeout"`

	// OutboxDir is the spool directory.
	OutboxDir string `yaml:"outbox_dir"`

	// SpoolInterval is the period between automatic flush passes.
	SpoolInterval time.Duration `yaml:"spool_interval"`

	// AutoStartSpooler starts periodic flushing on launch. Nil means true.
	AutoStartSpooler *bool `yaml:"auto_start_spooler"`

	// BreakerFailures is the number of failed passes in a row after which
	// periodic flushing pauses for BreakerCooldown. Zero disables the pause.
	BreakerFailures int `yaml:"breaker_failures"`

	// BreakerCooldown is how long periodic flushing pauses.
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// SpoolerEnabled reports whether periodic flushing starts on launch.
func (d DeliveryConfig) SpoolerEnabled() bool {
	return d.AutoStartSpooler == nil || *d.AutoStartSpooler
}

// NotifyConfig configures user notifications.
type NotifyConfig struct {
	// Enabled selects desktop notifications. Nil means true. When false,
	// notifications are only logged.
	Enabled *bool `yaml:"enabled"`

	// AppName is used as the notification title.
	AppName string `yaml:"app_name"`
}

// DesktopEnabled reports whether desktop notifications are on.
func (n NotifyConfig) DesktopEnabled() bool {
	return n.Enabled == nil || *n.Enabled
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "vosk", "silero").
	Name string `yaml:"name"`

	// URL is the endpoint for network-backed providers.
	URL string `yaml:"url"`

	// Model is the model file or directory for local providers.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// StringOption returns Options[key] as a string, or def.
func (p ProviderEntry) StringOption(key, def string) string {
	if v, ok := p.Options[key].(string); ok && v != "" {
		return v
	}
	return def
}

// IntOption returns Options[key] as an int, or def.
func (p ProviderEntry) IntOption(key string, def int) int {
	switch v := p.Options[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}

// FloatOption returns Options[key] as a float64, or def.
func (p ProviderEntry) FloatOption(key string, def float64) float64 {
	switch v := p.Options[key].(type) {
	case int:
		return float64(v)
	case float64:
		return v
	}
	return def
}
