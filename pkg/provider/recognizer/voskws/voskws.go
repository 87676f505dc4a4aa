// Package voskws implements [recognizer.Engine] as a client of a Vosk server
// speaking the WebSocket protocol.
//
// On connect the client sends a config message carrying the sample rate and
// the closed grammar as phrase_list. Each binary audio message is answered by
// exactly one JSON message: {"partial": "..."} while an utterance is open, or
// {"text": "..."} when it closes. Closing sends {"eof" : 1}.
//
// A session that loses its connection redials once on the next frame, so a
// restarted server does not permanently silence wake detection.
package voskws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/kaylistener/pkg/provider/recognizer"
)

const (
	defaultURL          = "ws://localhost:2700"
	defaultFrameTimeout = 5 * time.Second
	closeTimeout        = 2 * time.Second
)

// Option is a functional option for configuring the Engine.
type Option func(*Engine)

// WithHeader adds an HTTP header to the WebSocket handshake.
func WithHeader(key, value string) Option {
	return func(e *Engine) { e.header.Add(key, value) }
}

// WithFrameTimeout bounds each send/receive round trip. Default 5s.
func WithFrameTimeout(d time.Duration) Option {
	return func(e *Engine) { e.frameTimeout = d }
}

// Engine dials Vosk server sessions.
type Engine struct {
	url          string
	header       http.Header
	frameTimeout time.Duration
}

// New creates an Engine for the server at url (e.g. "ws://localhost:2700").
// An empty url selects the default local server.
func New(url string, opts ...Option) (*Engine, error) {
	if url == "" {
		url = defaultURL
	}
	e := &Engine{
		url:          url,
		header:       make(http.Header),
		frameTimeout: defaultFrameTimeout,
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// NewRecognizer implements [recognizer.Engine].
func (e *Engine) NewRecognizer(ctx context.Context, cfg recognizer.Config) (recognizer.Recognizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &session{engine: e, cfg: cfg}
	if err := s.dial(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

type configMessage struct {
	Config struct {
		SampleRate int      `json:"sample_rate"`
		PhraseList []string `json:"phrase_list"`
		Words      int      `json:"words"`
	} `json:"config"`
}

type response struct {
	Text    *string `json:"text"`
	Partial *string `json:"partial"`
}

type session struct {
	engine *Engine
	cfg    recognizer.Config
	conn   *websocket.Conn
	closed bool
}

func (s *session) dial(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, s.engine.url, &websocket.DialOptions{
		HTTPHeader: s.engine.header,
	})
	if err != nil {
		return fmt.Errorf("voskws: dial %s: %w", s.engine.url, err)
	}

	var msg configMessage
	msg.Config.SampleRate = s.cfg.SampleRate
	msg.Config.PhraseList = s.cfg.Grammar
	payload, err := json.Marshal(msg)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "encode config")
		return fmt.Errorf("voskws: encode config: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		conn.Close(websocket.StatusInternalError, "send config")
		return fmt.Errorf("voskws: send config: %w", err)
	}
	s.conn = conn
	return nil
}

// AcceptFrame implements [recognizer.Recognizer].
func (s *session) AcceptFrame(pcm []byte) (recognizer.Result, error) {
	if s.closed {
		return recognizer.Result{}, recognizer.ErrClosed
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.engine.frameTimeout)
	defer cancel()

	if s.conn == nil {
		if err := s.dial(ctx); err != nil {
			return recognizer.Result{}, err
		}
		slog.Info("voskws: reconnected", "url", s.engine.url)
	}

	res, err := s.roundTrip(ctx, pcm)
	if err != nil {
		s.conn.Close(websocket.StatusGoingAway, "frame failed")
		s.conn = nil
		return recognizer.Result{}, err
	}
	return res, nil
}

func (s *session) roundTrip(ctx context.Context, pcm []byte) (recognizer.Result, error) {
	if err := s.conn.Write(ctx, websocket.MessageBinary, pcm); err != nil {
		return recognizer.Result{}, fmt.Errorf("voskws: send audio: %w", err)
	}
	_, msg, err := s.conn.Read(ctx)
	if err != nil {
		return recognizer.Result{}, fmt.Errorf("voskws: read result: %w", err)
	}
	return parseResponse(msg)
}

func parseResponse(msg []byte) (recognizer.Result, error) {
	var r response
	if err := json.Unmarshal(msg, &r); err != nil {
		return recognizer.Result{}, fmt.Errorf("voskws: decode result: %w", err)
	}
	switch {
	case r.Text != nil:
		return recognizer.Result{Text: *r.Text, Final: true}, nil
	case r.Partial != nil:
		return recognizer.Result{Text: *r.Partial}, nil
	default:
		return recognizer.Result{}, nil
	}
}

// Reset drops the connection so the next frame starts a fresh utterance on a
// new server session.
func (s *session) Reset() {
	if s.conn == nil {
		return
	}
	s.conn.Close(websocket.StatusNormalClosure, "reset")
	s.conn = nil
}

// Close implements [recognizer.Recognizer].
func (s *session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.conn == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	var errs []error
	if err := s.conn.Write(ctx, websocket.MessageText, []byte(`{"eof" : 1}`)); err != nil {
		errs = append(errs, err)
	} else if _, _, err := s.conn.Read(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.conn.Close(websocket.StatusNormalClosure, "session closed"); err != nil {
		errs = append(errs, err)
	}
	s.conn = nil
	if err := errors.Join(errs...); err != nil {
		slog.Debug("voskws: close", "err", err)
	}
	return nil
}

var _ recognizer.Engine = (*Engine)(nil)
