// Package energy implements an RMS energy voice-activity classifier.
//
// Each frame's RMS level is compared against a threshold chosen by the
// configured aggressiveness. A short hangover keeps a frame voiced for a few
// frames after the level drops, which bridges the gaps between syllables.
package energy

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/kaylistener/pkg/audio"
	"github.com/MrWong99/kaylistener/pkg/provider/vad"
)

// thresholds maps aggressiveness to a normalised RMS level. Values are
// expressed in int16 sample units and scaled to [0, 1].
var thresholds = [vad.MaxAggressiveness + 1]float64{
	300.0 / 32768,
	600.0 / 32768,
	1000.0 / 32768,
	1500.0 / 32768,
}

// defaultHangover is the time a classifier stays voiced after the level
// drops below threshold.
const defaultHangover = 60 * time.Millisecond

// ErrOddFrame is returned for frames that are not whole 16-bit samples.
var ErrOddFrame = errors.New("energy: frame is not 16-bit aligned")

// Option configures an [Engine].
type Option func(*Engine)

// WithHangover overrides the voiced hangover. Zero disables it.
func WithHangover(d time.Duration) Option {
	return func(e *Engine) { e.hangover = d }
}

// WithThreshold overrides the aggressiveness-derived threshold with an
// explicit normalised RMS level.
func WithThreshold(level float64) Option {
	return func(e *Engine) { e.threshold = level }
}

// Engine creates energy classifiers.
type Engine struct {
	hangover  time.Duration
	threshold float64
}

// New returns an energy VAD engine.
func New(opts ...Option) *Engine {
	e := &Engine{hangover: defaultHangover}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewClassifier implements [vad.Engine].
func (e *Engine) NewClassifier(cfg vad.Config) (vad.Classifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	threshold := e.threshold
	if threshold <= 0 {
		threshold = thresholds[cfg.Aggressiveness]
	}
	var hang int
	if e.hangover > 0 {
		hang = int((e.hangover + cfg.FrameDuration - 1) / cfg.FrameDuration)
	}
	return &classifier{threshold: threshold, hangover: hang}, nil
}

type classifier struct {
	threshold float64
	hangover  int
	remaining int
}

func (c *classifier) IsSpeech(frame []byte, _ int) (bool, error) {
	if len(frame)%audio.BytesPerSample != 0 {
		return false, fmt.Errorf("%w: %d bytes", ErrOddFrame, len(frame))
	}
	if audio.RMS(frame) >= c.threshold {
		c.remaining = c.hangover
		return true, nil
	}
	if c.remaining > 0 {
		c.remaining--
		return true, nil
	}
	return false, nil
}

func (c *classifier) Close() error { return nil }

var _ vad.Engine = (*Engine)(nil)
