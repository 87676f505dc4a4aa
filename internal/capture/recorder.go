// Package capture records utterances from the shared audio stream.
//
// A [Recorder] subscribes to the broadcaster for the length of one session,
// classifies each frame with a VAD classifier, and stops once a run of
// silence follows detected speech or the maximum duration is reached. The
// captured audio is returned as a WAV container ready for delivery.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/MrWong99/kaylistener/internal/timefmt"
	"github.com/MrWong99/kaylistener/pkg/audio"
	"github.com/MrWong99/kaylistener/pkg/provider/vad"
)

var (
	// ErrCancelled is returned when the session's context is cancelled before
	// the utterance finished.
	ErrCancelled = errors.New("capture: cancelled")

	// ErrNoSpeech is returned when a session ends without any voiced frame.
	ErrNoSpeech = errors.New("capture: no speech detected")
)

// Defaults applied by [Config.withDefaults].
const (
	DefaultSilence       = 5 * time.Second
	DefaultMaxDuration   = 120 * time.Second
	DefaultQueueCapacity = 200
	DefaultFrameWait     = time.Second
)

// Source is the subset of [audio.Broadcaster] a Recorder needs.
type Source interface {
	Format() audio.Format
	Subscribe(capacity int) *audio.Subscription
	Unsubscribe(sub *audio.Subscription)
}

// Config tunes a [Recorder]. Zero values select the package defaults.
type Config struct {
	// Silence is the trailing silence that ends an utterance.
	Silence time.Duration

	// MaxDuration caps the captured audio length.
	MaxDuration time.Duration

	// QueueCapacity is the subscription buffer in frames.
	QueueCapacity int

	// FrameWait bounds each wait for the next frame, which also bounds
	// cancellation latency.
	FrameWait time.Duration

	// Aggressiveness is passed to the VAD classifier.
	Aggressiveness int

	// WakeWord is stamped onto every result.
	WakeWord string
}

func (c Config) withDefaults() Config {
	if c.Silence <= 0 {
		c.Silence = DefaultSilence
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = DefaultMaxDuration
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.FrameWait <= 0 {
		c.FrameWait = DefaultFrameWait
	}
	return c
}

// Result is one captured recording.
type Result struct {
	// Audio is a complete WAV container.
	Audio []byte

	// Duration is frames × frame duration.
	Duration time.Duration

	// WakeWord is the phrase that triggered the session.
	WakeWord string

	// Timestamp is the UTC completion time.
	Timestamp time.Time

	// Frames and VoicedFrames count the captured and speech frames.
	Frames       int
	VoicedFrames int

	// Capped is true when the session hit MaxDuration.
	Capped bool
}

// DurationMS returns the duration truncated to whole milliseconds.
func (r *Result) DurationMS() int64 {
	return r.Duration.Milliseconds()
}

// TimestampISO returns the timestamp in the upload metadata format.
func (r *Result) TimestampISO() string {
	return timefmt.ISO8601(r.Timestamp)
}

// Option configures a [Recorder].
type Option func(*Recorder)

// WithClock overrides the clock used for result timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// Recorder captures utterances from a [Source]. A Recorder may run
// sequential sessions; the caller ensures only one runs at a time.
type Recorder struct {
	src    Source
	engine vad.Engine
	cfg    Config
	now    func() time.Time
}

// NewRecorder creates a Recorder reading from src and classifying frames with
// classifiers from engine.
func NewRecorder(src Source, engine vad.Engine, cfg Config, opts ...Option) *Recorder {
	r := &Recorder{
		src:    src,
		engine: engine,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// CaptureUntilSilence records until the configured silence follows speech.
//
// It returns [ErrCancelled] if ctx is cancelled, [ErrNoSpeech] if the session
// ends without any voiced frame, and [audio.ErrStreamClosed] if the
// subscription is closed underneath it. The subscription is always released.
func (r *Recorder) CaptureUntilSilence(ctx context.Context) (*Result, error) {
	format := r.src.Format()
	cls, err := r.engine.NewClassifier(vad.Config{
		SampleRate:     format.SampleRate,
		FrameDuration:  format.FrameDuration,
		Aggressiveness: r.cfg.Aggressiveness,
	})
	if err != nil {
		return nil, fmt.Errorf("capture: create classifier: %w", err)
	}
	defer cls.Close()

	sub := r.src.Subscribe(r.cfg.QueueCapacity)
	defer r.src.Unsubscribe(sub)

	gate := NewSilenceGate(r.cfg.Silence, format.FrameDuration)
	log := slog.With("subscription", sub.ID())
	log.Debug("capture started", "silence_frames", gate.Threshold(), "max_duration", r.cfg.MaxDuration)

	var (
		pcm    bytes.Buffer
		frames int
		voiced int
	)
	err = r.receive(ctx, sub, func(f audio.Frame) bool {
		frames++
		pcm.Write(f.Data)

		speech, err := cls.IsSpeech(f.Data, format.SampleRate)
		if err != nil {
			log.Warn("vad classification failed, treating frame as silent", "seq", f.Seq, "err", err)
			speech = false
		}
		if speech {
			voiced++
		}
		if gate.Mark(speech) && voiced > 0 {
			return false
		}
		return time.Duration(frames)*format.FrameDuration <= r.cfg.MaxDuration
	})
	if err != nil {
		return nil, err
	}
	if voiced == 0 {
		log.Info("capture ended without speech", "frames", frames)
		return nil, ErrNoSpeech
	}

	res := r.result(format, pcm.Bytes(), frames)
	res.VoicedFrames = voiced
	res.Capped = res.Duration > r.cfg.MaxDuration
	if res.Capped {
		log.Warn("capture reached maximum duration", "max_duration", r.cfg.MaxDuration)
	}
	log.Info("capture finished", "duration_ms", res.DurationMS(), "frames", frames, "voiced", voiced)
	return res, nil
}

// CaptureSeconds records exactly ceil(seconds / frame duration) frames with no
// voice-activity gating. It backs the microphone self-test.
func (r *Recorder) CaptureSeconds(ctx context.Context, seconds float64) (*Result, error) {
	if seconds <= 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return nil, fmt.Errorf("capture: duration must be positive, got %v", seconds)
	}
	format := r.src.Format()
	want := int(math.Ceil(seconds * float64(time.Second) / float64(format.FrameDuration)))

	sub := r.src.Subscribe(r.cfg.QueueCapacity)
	defer r.src.Unsubscribe(sub)

	var (
		pcm    bytes.Buffer
		frames int
	)
	err := r.receive(ctx, sub, func(f audio.Frame) bool {
		frames++
		pcm.Write(f.Data)
		return frames < want
	})
	if err != nil {
		return nil, err
	}
	return r.result(format, pcm.Bytes(), frames), nil
}

// receive feeds frames to handle until it returns false. Each wait is bounded
// by FrameWait so that cancellation is observed even when no audio arrives.
func (r *Recorder) receive(ctx context.Context, sub *audio.Subscription, handle func(audio.Frame) bool) error {
	timer := time.NewTimer(r.cfg.FrameWait)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		timer.Reset(r.cfg.FrameWait)
		select {
		case <-ctx.Done():
			return ErrCancelled
		case f, ok := <-sub.Frames():
			if !ok {
				return audio.ErrStreamClosed
			}
			if !handle(f) {
				return nil
			}
		case <-timer.C:
			slog.Debug("capture: no frame within wait", "wait", r.cfg.FrameWait)
		}
	}
}

func (r *Recorder) result(format audio.Format, pcm []byte, frames int) *Result {
	return &Result{
		Audio:     format.EncodeWAV(pcm),
		Duration:  time.Duration(frames) * format.FrameDuration,
		WakeWord:  r.cfg.WakeWord,
		Timestamp: r.now().UTC(),
		Frames:    frames,
	}
}
