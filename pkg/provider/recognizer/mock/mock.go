// Package mock provides test doubles for the recognizer package interfaces.
//
// Recognizer returns scripted results frame by frame; Engine records the
// Config of every session it creates.
//
// Example:
//
//	rec := &mock.Recognizer{Script: []recognizer.Result{{Text: "oye"}, {Text: "oye kay", Final: true}}}
//	eng := &mock.Engine{Recognizer: rec}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/kaylistener/pkg/provider/recognizer"
)

// Engine is a mock implementation of recognizer.Engine.
type Engine struct {
	mu sync.Mutex

	// Recognizer is returned by NewRecognizer. If nil, a fresh Recognizer that
	// returns empty partials is returned.
	Recognizer recognizer.Recognizer

	// NewRecognizerErr, if non-nil, is returned as the error from
	// NewRecognizer.
	NewRecognizerErr error

	// NewRecognizerCalls records the Config of every call in order.
	NewRecognizerCalls []recognizer.Config
}

// NewRecognizer records the call and returns Recognizer, NewRecognizerErr.
func (e *Engine) NewRecognizer(_ context.Context, cfg recognizer.Config) (recognizer.Recognizer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewRecognizerCalls = append(e.NewRecognizerCalls, cfg)
	if e.NewRecognizerErr != nil {
		return nil, e.NewRecognizerErr
	}
	if e.Recognizer != nil {
		return e.Recognizer, nil
	}
	return &Recognizer{}, nil
}

// CallCount returns the number of NewRecognizer invocations. Thread-safe.
func (e *Engine) CallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.NewRecognizerCalls)
}

var _ recognizer.Engine = (*Engine)(nil)

// Recognizer is a mock implementation of recognizer.Recognizer.
//
// Results come from Script in order; after it is exhausted, an empty partial
// is returned. Errs, when it has an entry at the current call index, is
// returned instead of the result.
type Recognizer struct {
	mu sync.Mutex

	// Script holds the result for each successive AcceptFrame call.
	Script []recognizer.Result

	// Errs holds an optional error per call index.
	Errs map[int]error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// OnFrame, if set, is called with the call index before the result is
	// returned. Tests use it to observe or block the worker.
	OnFrame func(i int)

	// --- Call records ---

	// Frames records a copy of every frame passed to AcceptFrame.
	Frames [][]byte

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	// ResetCallCount is the number of times Reset was called.
	ResetCallCount int
}

// AcceptFrame records the frame and returns the next scripted result.
func (r *Recognizer) AcceptFrame(pcm []byte) (recognizer.Result, error) {
	r.mu.Lock()
	i := len(r.Frames)
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	r.Frames = append(r.Frames, cp)
	var res recognizer.Result
	if i < len(r.Script) {
		res = r.Script[i]
	}
	err := r.Errs[i]
	hook := r.OnFrame
	r.mu.Unlock()

	if hook != nil {
		hook(i)
	}
	if err != nil {
		return recognizer.Result{}, err
	}
	return res, nil
}

// Close records the call and returns CloseErr.
func (r *Recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CloseCallCount++
	return r.CloseErr
}

// Reset records the call.
func (r *Recognizer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ResetCallCount++
}

// Resets returns the number of Reset calls. Thread-safe.
func (r *Recognizer) Resets() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ResetCallCount
}

// FrameCount returns the number of frames accepted so far. Thread-safe.
func (r *Recognizer) FrameCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Frames)
}

var _ recognizer.Recognizer = (*Recognizer)(nil)
