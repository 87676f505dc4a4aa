// Package mock provides test doubles for the vad package interfaces.
//
// Use Engine to verify that classifiers are created with the expected Config.
// Use Classifier to script per-frame decisions and inspect the frames that
// were submitted.
//
// Example:
//
//	cls := &mock.Classifier{Script: []bool{true, true, false}}
//	eng := &mock.Engine{Classifier: cls}
package mock

import (
	"sync"

	"github.com/MrWong99/kaylistener/pkg/provider/vad"
)

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Classifier is returned by NewClassifier. If nil, a fresh Classifier that
	// reports every frame as silent is returned.
	Classifier vad.Classifier

	// NewClassifierErr, if non-nil, is returned as the error from
	// NewClassifier.
	NewClassifierErr error

	// NewClassifierCalls records the Config of every call in order.
	NewClassifierCalls []vad.Config
}

// NewClassifier records the call and returns Classifier, NewClassifierErr.
func (e *Engine) NewClassifier(cfg vad.Config) (vad.Classifier, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewClassifierCalls = append(e.NewClassifierCalls, cfg)
	if e.NewClassifierErr != nil {
		return nil, e.NewClassifierErr
	}
	if e.Classifier != nil {
		return e.Classifier, nil
	}
	return &Classifier{}, nil
}

var _ vad.Engine = (*Engine)(nil)

// Classifier is a mock implementation of vad.Classifier.
//
// Decisions are taken from Script in order; once Script is exhausted, Default
// is returned. Errs, when it has an entry at the current call index, is
// returned alongside the decision.
type Classifier struct {
	mu sync.Mutex

	// Script holds the decision for each successive call.
	Script []bool

	// Default is returned after Script is exhausted.
	Default bool

	// Errs holds an optional error per call index.
	Errs map[int]error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// Calls is the number of IsSpeech invocations.
	Calls int

	// SampleRates records the sampleRate argument of every call.
	SampleRates []int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// IsSpeech records the call and returns the next scripted decision.
func (c *Classifier) IsSpeech(_ []byte, sampleRate int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.Calls
	c.Calls++
	c.SampleRates = append(c.SampleRates, sampleRate)

	decision := c.Default
	if i < len(c.Script) {
		decision = c.Script[i]
	}
	return decision, c.Errs[i]
}

// Close records the call and returns CloseErr.
func (c *Classifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CloseCallCount++
	return c.CloseErr
}

// CallCount returns the number of IsSpeech invocations. Thread-safe.
func (c *Classifier) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Calls
}

var _ vad.Classifier = (*Classifier)(nil)
