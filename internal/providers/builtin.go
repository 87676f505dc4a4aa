// Package providers registers the built-in audio, recognizer and VAD
// implementations with a [config.Registry].
package providers

import (
	"time"

	"github.com/MrWong99/kaylistener/internal/config"
	"github.com/MrWong99/kaylistener/pkg/audio"
	"github.com/MrWong99/kaylistener/pkg/audio/portaudio"
	"github.com/MrWong99/kaylistener/pkg/provider/recognizer"
	"github.com/MrWong99/kaylistener/pkg/provider/recognizer/sherpa"
	"github.com/MrWong99/kaylistener/pkg/provider/recognizer/voskws"
	"github.com/MrWong99/kaylistener/pkg/provider/vad"
	"github.com/MrWong99/kaylistener/pkg/provider/vad/energy"
	"github.com/MrWong99/kaylistener/pkg/provider/vad/silero"
)

// RegisterBuiltins wires every built-in factory into reg.
func RegisterBuiltins(reg *config.Registry) {
	// ── Device ───────────────────────────────────────────────────────────
	reg.RegisterDevice("portaudio", func(cfg config.AudioConfig) (audio.Device, error) {
		index := portaudio.DefaultIndex
		if cfg.DeviceIndex != nil {
			index = *cfg.DeviceIndex
		}
		return portaudio.New(index), nil
	})

	// ── Recognizer ───────────────────────────────────────────────────────
	reg.RegisterRecognizer("vosk", func(entry config.ProviderEntry) (recognizer.Engine, error) {
		var opts []voskws.Option
		if s := entry.FloatOption("frame_timeout_seconds", 0); s > 0 {
			opts = append(opts, voskws.WithFrameTimeout(time.Duration(s*float64(time.Second))))
		}
		if token := entry.StringOption("auth_token", ""); token != "" {
			opts = append(opts, voskws.WithHeader("Authorization", "Bearer "+token))
		}
		return voskws.New(entry.URL, opts...)
	})

	reg.RegisterRecognizer("sherpa", func(entry config.ProviderEntry) (recognizer.Engine, error) {
		model := sherpa.Model{
			Encoder:      entry.StringOption("encoder", ""),
			Decoder:      entry.StringOption("decoder", ""),
			Joiner:       entry.StringOption("joiner", ""),
			Tokens:       entry.StringOption("tokens", ""),
			ModelingUnit: entry.StringOption("modeling_unit", ""),
			BpeVocab:     entry.StringOption("bpe_vocab", ""),
		}
		var opts []sherpa.Option
		if n := entry.IntOption("threads", 0); n > 0 {
			opts = append(opts, sherpa.WithThreads(n))
		}
		if p := entry.StringOption("provider", ""); p != "" {
			opts = append(opts, sherpa.WithProvider(p))
		}
		if s := entry.FloatOption("hotwords_score", 0); s > 0 {
			opts = append(opts, sherpa.WithHotwordsScore(float32(s)))
		}
		return sherpa.New(model, opts...)
	})

	// ── VAD ──────────────────────────────────────────────────────────────
	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Engine, error) {
		var opts []energy.Option
		if level := entry.FloatOption("threshold", 0); level > 0 {
			opts = append(opts, energy.WithThreshold(level))
		}
		if ms := entry.IntOption("hangover_ms", 0); ms > 0 {
			opts = append(opts, energy.WithHangover(time.Duration(ms)*time.Millisecond))
		}
		return energy.New(opts...), nil
	})

	reg.RegisterVAD("silero", func(entry config.ProviderEntry) (vad.Engine, error) {
		var opts []silero.Option
		if n := entry.IntOption("threads", 0); n > 0 {
			opts = append(opts, silero.WithThreads(n))
		}
		if p := entry.StringOption("provider", ""); p != "" {
			opts = append(opts, silero.WithProvider(p))
		}
		if s := entry.FloatOption("min_silence_seconds", 0); s > 0 {
			opts = append(opts, silero.WithMinSilence(float32(s)))
		}
		return silero.New(entry.Model, opts...)
	})

	reg.RegisterVAD("always", func(config.ProviderEntry) (vad.Engine, error) {
		return vad.AlwaysVoiced{}, nil
	})
}
