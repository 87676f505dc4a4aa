package capture

import "time"

// SilenceGate turns a stream of per-frame voiced/silent decisions into a
// single "utterance finished" signal once enough consecutive silent frames
// have been seen.
//
// A SilenceGate is owned by one recording session and is not safe for
// concurrent use.
type SilenceGate struct {
	threshold int
	silent    int
}

// NewSilenceGate returns a gate that finishes after silence worth of
// consecutive silent frames of length frame. The threshold is
// ceil(silence/frame), at least 1.
func NewSilenceGate(silence, frame time.Duration) *SilenceGate {
	threshold := 1
	if frame > 0 && silence > 0 {
		threshold = int((silence + frame - 1) / frame)
	}
	return &SilenceGate{threshold: max(threshold, 1)}
}

// Mark records one frame. A voiced frame resets the silent run and returns
// false; a silent frame extends it and reports whether the threshold has been
// reached.
func (g *SilenceGate) Mark(voiced bool) bool {
	if voiced {
		g.silent = 0
		return false
	}
	g.silent++
	return g.silent >= g.threshold
}

// Threshold returns the number of consecutive silent frames that finish the
// gate.
func (g *SilenceGate) Threshold() int { return g.threshold }

// Reset clears the silent run.
func (g *SilenceGate) Reset() { g.silent = 0 }
