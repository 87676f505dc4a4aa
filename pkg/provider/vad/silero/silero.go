// Package silero implements [vad.Engine] with the Silero neural VAD model
// running through sherpa-onnx.
//
// The model consumes fixed 512-sample windows, so frames are buffered inside
// the detector and IsSpeech reports the detector's current speech state after
// each frame. Completed speech segments are discarded; the recorder only needs
// the per-frame decision.
package silero

import (
	"errors"
	"fmt"
	"sync"

	sherpa "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"

	"github.com/MrWong99/kaylistener/pkg/audio"
	"github.com/MrWong99/kaylistener/pkg/provider/vad"
)

const (
	windowSize    = 512
	bufferSeconds = 30
)

// thresholds maps aggressiveness to the model's speech probability cut-off.
var thresholds = [vad.MaxAggressiveness + 1]float32{0.3, 0.4, 0.5, 0.65}

// Option configures an [Engine].
type Option func(*Engine)

// WithThreads sets the number of inference threads. Default 1.
func WithThreads(n int) Option {
	return func(e *Engine) { e.threads = n }
}

// WithProvider sets the onnxruntime execution provider ("cpu", "cuda",
// "coreml"). Default "cpu".
func WithProvider(p string) Option {
	return func(e *Engine) { e.provider = p }
}

// WithMinSilence sets the minimum silence, in seconds, that ends a detected
// speech segment inside the model. Default 0.25.
func WithMinSilence(seconds float32) Option {
	return func(e *Engine) { e.minSilence = seconds }
}

// Engine creates Silero classifiers backed by a single model file.
type Engine struct {
	model      string
	threads    int
	provider   string
	minSilence float32
}

// New returns an Engine for the Silero ONNX model at modelPath.
func New(modelPath string, opts ...Option) (*Engine, error) {
	if modelPath == "" {
		return nil, errors.New("silero: model path must not be empty")
	}
	e := &Engine{
		model:      modelPath,
		threads:    1,
		provider:   "cpu",
		minSilence: 0.25,
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// NewClassifier implements [vad.Engine].
func (e *Engine) NewClassifier(cfg vad.Config) (vad.Classifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.SampleRate != 16000 && cfg.SampleRate != 8000 {
		return nil, fmt.Errorf("silero: unsupported sample rate %d (want 8000 or 16000)", cfg.SampleRate)
	}

	mc := sherpa.VadModelConfig{}
	mc.SileroVad.Model = e.model
	mc.SileroVad.Threshold = thresholds[cfg.Aggressiveness]
	mc.SileroVad.MinSilenceDuration = e.minSilence
	mc.SileroVad.MinSpeechDuration = 0.1
	mc.SileroVad.WindowSize = windowSize
	mc.SampleRate = cfg.SampleRate
	mc.NumThreads = e.threads
	mc.Provider = e.provider

	det := sherpa.NewVoiceActivityDetector(&mc, bufferSeconds)
	if det == nil {
		return nil, fmt.Errorf("silero: failed to load model %q", e.model)
	}
	return &classifier{det: det, rate: cfg.SampleRate}, nil
}

type classifier struct {
	mu   sync.Mutex
	det  *sherpa.VoiceActivityDetector
	rate int
}

func (c *classifier) IsSpeech(frame []byte, sampleRate int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.det == nil {
		return false, errors.New("silero: classifier closed")
	}
	if sampleRate != c.rate {
		return false, fmt.Errorf("silero: frame rate %d does not match session rate %d", sampleRate, c.rate)
	}
	c.det.AcceptWaveform(audio.Float32(frame))
	for !c.det.IsEmpty() {
		c.det.Pop()
	}
	return c.det.IsSpeech(), nil
}

func (c *classifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.det != nil {
		sherpa.DeleteVoiceActivityDetector(c.det)
		c.det = nil
	}
	return nil
}

var _ vad.Engine = (*Engine)(nil)
