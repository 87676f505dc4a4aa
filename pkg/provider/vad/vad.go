// Package vad defines the voice-activity classification capability used by
// the recorder to decide when an utterance has ended.
//
// An [Engine] creates one [Classifier] per recording session. Classifiers may
// keep per-stream state (smoothing windows, neural model context), so a
// session's classifier must not be shared between concurrent recordings.
//
// Backends live in sub-packages (energy, silero); [AlwaysVoiced] is provided
// here for diagnostics and tests.
package vad

import (
	"fmt"
	"time"
)

// MaxAggressiveness is the strictest classification level. Higher levels
// classify fewer frames as speech.
const MaxAggressiveness = 3

// Config holds the parameters for a classifier session.
type Config struct {
	// SampleRate is the audio sample rate in Hz of the frames passed to
	// IsSpeech.
	SampleRate int

	// FrameDuration is the length of each frame (e.g. 20ms).
	FrameDuration time.Duration

	// Aggressiveness selects how eagerly non-speech is rejected, 0 (least)
	// to [MaxAggressiveness] (most).
	Aggressiveness int
}

// Validate checks the config for values no backend can serve.
func (c Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("vad: sample rate must be positive, got %d", c.SampleRate)
	}
	if c.FrameDuration <= 0 {
		return fmt.Errorf("vad: frame duration must be positive, got %s", c.FrameDuration)
	}
	if c.Aggressiveness < 0 || c.Aggressiveness > MaxAggressiveness {
		return fmt.Errorf("vad: aggressiveness must be 0..%d, got %d", MaxAggressiveness, c.Aggressiveness)
	}
	return nil
}

// Classifier decides per frame whether it contains speech.
type Classifier interface {
	// IsSpeech classifies one frame of 16-bit little-endian mono PCM captured
	// at sampleRate. Errors are non-fatal to callers: the frame is treated as
	// silent.
	IsSpeech(frame []byte, sampleRate int) (bool, error)

	// Close releases backend resources. Calling Close more than once is safe.
	Close() error
}

// Engine is the factory for classifier sessions.
//
// Implementations must be safe for concurrent use.
type Engine interface {
	NewClassifier(cfg Config) (Classifier, error)
}

// AlwaysVoiced classifies every frame as speech. Used for fixed-length
// diagnostic captures and as an explicit "vad: always" selection.
type AlwaysVoiced struct{}

// NewClassifier implements [Engine].
func (AlwaysVoiced) NewClassifier(Config) (Classifier, error) { return AlwaysVoiced{}, nil }

// IsSpeech implements [Classifier].
func (AlwaysVoiced) IsSpeech([]byte, int) (bool, error) { return true, nil }

// Close implements [Classifier].
func (AlwaysVoiced) Close() error { return nil }

var (
	_ Engine     = AlwaysVoiced{}
	_ Classifier = AlwaysVoiced{}
)
