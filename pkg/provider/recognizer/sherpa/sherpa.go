// Package sherpa implements [recognizer.Engine] with a streaming transducer
// model running locally through sherpa-onnx.
//
// Transducers decode open vocabulary, so the grammar is applied as a hotword
// list that biases beam search towards the wake phrases. Exact matching is
// left to the caller.
package sherpa

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	sherpa "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"

	"github.com/MrWong99/kaylistener/pkg/audio"
	"github.com/MrWong99/kaylistener/pkg/provider/recognizer"
)

// Model locates the transducer files.
type Model struct {
	Encoder string
	Decoder string
	Joiner  string
	Tokens  string

	// ModelingUnit is "bpe", "cjkchar" or "cjkchar+bpe". BpeVocab is
	// required for "bpe" units so that hotwords can be tokenised.
	ModelingUnit string
	BpeVocab     string
}

func (m Model) validate() error {
	var errs []error
	for name, path := range map[string]string{
		"encoder": m.Encoder,
		"decoder": m.Decoder,
		"joiner":  m.Joiner,
		"tokens":  m.Tokens,
	} {
		if path == "" {
			errs = append(errs, fmt.Errorf("sherpa: %s path must not be empty", name))
		}
	}
	return errors.Join(errs...)
}

// Option is a functional option for configuring the Engine.
type Option func(*Engine)

// WithThreads sets the inference thread count. Default 1.
func WithThreads(n int) Option {
	return func(e *Engine) { e.threads = n }
}

// WithProvider sets the onnxruntime execution provider. Default "cpu".
func WithProvider(p string) Option {
	return func(e *Engine) { e.provider = p }
}

// WithHotwordsScore sets the bonus applied to hotword tokens. Default 2.0.
func WithHotwordsScore(score float32) Option {
	return func(e *Engine) { e.hotwordsScore = score }
}

// Engine creates sherpa-onnx recognizer sessions.
type Engine struct {
	model         Model
	threads       int
	provider      string
	hotwordsScore float32
}

// New creates an Engine for the given model files.
func New(model Model, opts ...Option) (*Engine, error) {
	if err := model.validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		model:         model,
		threads:       1,
		provider:      "cpu",
		hotwordsScore: 2.0,
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// NewRecognizer implements [recognizer.Engine].
func (e *Engine) NewRecognizer(_ context.Context, cfg recognizer.Config) (recognizer.Recognizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	hotwords, err := writeHotwords(recognizer.Phrases(cfg.Grammar))
	if err != nil {
		return nil, err
	}

	rc := sherpa.OnlineRecognizerConfig{}
	rc.FeatConfig = sherpa.FeatureConfig{SampleRate: cfg.SampleRate, FeatureDim: 80}
	rc.ModelConfig.Transducer.Encoder = e.model.Encoder
	rc.ModelConfig.Transducer.Decoder = e.model.Decoder
	rc.ModelConfig.Transducer.Joiner = e.model.Joiner
	rc.ModelConfig.Tokens = e.model.Tokens
	rc.ModelConfig.ModelingUnit = e.model.ModelingUnit
	rc.ModelConfig.BpeVocab = e.model.BpeVocab
	rc.ModelConfig.NumThreads = e.threads
	rc.ModelConfig.Provider = e.provider
	rc.DecodingMethod = "modified_beam_search"
	rc.MaxActivePaths = 4
	rc.EnableEndpoint = 1
	rc.Rule1MinTrailingSilence = 1.2
	rc.Rule2MinTrailingSilence = 0.6
	rc.Rule3MinUtteranceLength = 10
	rc.HotwordsFile = hotwords
	rc.HotwordsScore = e.hotwordsScore

	rec := sherpa.NewOnlineRecognizer(&rc)
	if rec == nil {
		_ = os.Remove(hotwords)
		return nil, fmt.Errorf("sherpa: failed to load transducer %q", e.model.Encoder)
	}
	return &session{
		rec:      rec,
		stream:   sherpa.NewOnlineStream(rec),
		rate:     cfg.SampleRate,
		hotwords: hotwords,
	}, nil
}

func writeHotwords(phrases []string) (string, error) {
	f, err := os.CreateTemp("", "kaylistener-hotwords-*.txt")
	if err != nil {
		return "", fmt.Errorf("sherpa: create hotwords file: %w", err)
	}
	_, werr := f.WriteString(strings.Join(phrases, "\n") + "\n")
	cerr := f.Close()
	if err := errors.Join(werr, cerr); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("sherpa: write hotwords file: %w", err)
	}
	return f.Name(), nil
}

type session struct {
	mu       sync.Mutex
	rec      *sherpa.OnlineRecognizer
	stream   *sherpa.OnlineStream
	rate     int
	hotwords string
}

// AcceptFrame implements [recognizer.Recognizer].
func (s *session) AcceptFrame(pcm []byte) (recognizer.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return recognizer.Result{}, recognizer.ErrClosed
	}

	s.stream.AcceptWaveform(s.rate, audio.Float32(pcm))
	for s.rec.IsReady(s.stream) {
		s.rec.Decode(s.stream)
	}
	text := strings.TrimSpace(s.rec.GetResult(s.stream).Text)
	if s.rec.IsEndpoint(s.stream) {
		s.rec.Reset(s.stream)
		return recognizer.Result{Text: text, Final: true}, nil
	}
	return recognizer.Result{Text: text}, nil
}

// Reset discards the current utterance.
func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec != nil {
		s.rec.Reset(s.stream)
	}
}

// Close implements [recognizer.Recognizer].
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return nil
	}
	sherpa.DeleteOnlineStream(s.stream)
	sherpa.DeleteOnlineRecognizer(s.rec)
	s.stream, s.rec = nil, nil
	return os.Remove(s.hotwords)
}

var _ recognizer.Engine = (*Engine)(nil)
