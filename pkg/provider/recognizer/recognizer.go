// Package recognizer defines the streaming speech-recognition capability the
// wake detector consumes.
//
// A recognizer is created with a closed grammar: the list of phrases it should
// prefer, plus [UnknownToken] so that out-of-grammar speech maps to a filler
// rather than being forced onto the nearest phrase. Frames are fed one at a
// time and every call returns the current hypothesis, either a partial that
// may still change or a final that closes an utterance.
//
// Backends live in sub-packages (sherpa, voskws).
package recognizer

import (
	"context"
	"errors"
	"fmt"
)

// UnknownToken is the grammar filler for out-of-vocabulary speech.
const UnknownToken = "[unk]"

// ErrClosed is returned by AcceptFrame after Close.
var ErrClosed = errors.New("recognizer: closed")

// Config describes a recognizer session.
type Config struct {
	// SampleRate of the 16-bit mono PCM passed to AcceptFrame.
	SampleRate int

	// Grammar is the closed list of phrases, typically ending with
	// [UnknownToken].
	Grammar []string
}

// Validate checks that the session can be created.
func (c Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("recognizer: sample rate must be positive, got %d", c.SampleRate)
	}
	if len(Phrases(c.Grammar)) == 0 {
		return errors.New("recognizer: grammar must contain at least one phrase")
	}
	return nil
}

// Result is the recognizer's hypothesis after one frame.
type Result struct {
	// Text is the recognised text. Empty while nothing was heard.
	Text string

	// Final is true when Text closes an utterance. Partial results (Final
	// false) may be revised by later frames.
	Final bool
}

// Recognizer is one streaming recognition session. It is not safe for
// concurrent use; a single worker goroutine owns it.
type Recognizer interface {
	// AcceptFrame feeds one frame and returns the current hypothesis.
	AcceptFrame(pcm []byte) (Result, error)

	// Close releases the session. Calling Close more than once is safe.
	Close() error
}

// Engine creates recognizer sessions.
//
// Implementations must be safe for concurrent use.
type Engine interface {
	NewRecognizer(ctx context.Context, cfg Config) (Recognizer, error)
}

// Phrases returns grammar without [UnknownToken] and empty entries.
func Phrases(grammar []string) []string {
	out := make([]string, 0, len(grammar))
	for _, g := range grammar {
		if g == "" || g == UnknownToken {
			continue
		}
		out = append(out, g)
	}
	return out
}
