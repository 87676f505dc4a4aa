// Package delivery uploads finished recordings to the webhook and spools the
// ones that cannot be delivered.
//
// [Manager.Upload] makes up to MaxAttempts multipart POSTs with exponential
// backoff. Server errors and transport failures are retried; any other
// non-2xx response is permanent and reported to the caller. When every
// attempt fails the recording is written to the [Outbox], and
// [Manager.FlushOnce] later re-sends the backlog oldest first, stopping at the
// first failure.
package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/kaylistener/internal/observe"
)

// Defaults applied by [Config.withDefaults].
const (
	DefaultSource      = "desktop-kay"
	DefaultMaxAttempts = 3
	DefaultTimeout     = 15 * time.Second
)

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 512

// Transport sends one HTTP request. *http.Client satisfies it.
type Transport interface {
	Do(*http.Request) (*http.Response, error)
}

// Config configures a [Manager].
type Config struct {
	// URL is the webhook endpoint. Empty means every recording is spooled.
	URL string

	// Source is sent as the "source" form field.
	Source string

	// MaxAttempts bounds the attempts per Upload call.
	MaxAttempts int

	// Timeout bounds a single attempt.
	Timeout time.Duration

	// WakeWord is sent for spooled jobs whose metadata has none.
	WakeWord string
}

func (c Config) withDefaults() Config {
	if c.Source == "" {
		c.Source = DefaultSource
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// Option configures a [Manager].
type Option func(*Manager)

// WithTransport replaces the HTTP client.
func WithTransport(t Transport) Option {
	return func(m *Manager) { m.transport = t }
}

// WithSleep replaces the backoff sleeper. It must return ctx.Err() when ctx
// ends first.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) { m.sleep = fn }
}

// WithMetrics records attempts, spooling and flushes on met.
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = met }
}

// Manager uploads recordings and owns the outbox. It is safe for concurrent
// use.
type Manager struct {
	cfg       Config
	url       atomic.Pointer[string]
	outbox    *Outbox
	transport Transport
	sleep     func(ctx context.Context, d time.Duration) error
	metrics   *observe.Metrics
}

// NewManager creates a Manager that spools into outbox.
func NewManager(cfg Config, outbox *Outbox, opts ...Option) *Manager {
	m := &Manager{
		cfg:       cfg.withDefaults(),
		outbox:    outbox,
		transport: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		sleep:     sleepContext,
	}
	m.url.Store(&m.cfg.URL)
	for _, o := range opts {
		o(m)
	}
	return m
}

// Outbox returns the spool.
func (m *Manager) Outbox() *Outbox { return m.outbox }

// Endpoint returns the current webhook URL.
func (m *Manager) Endpoint() string { return *m.url.Load() }

// SetEndpoint swaps the webhook URL. Uploads already in flight keep the URL
// they started with.
func (m *Manager) SetEndpoint(url string) {
	m.url.Store(&url)
	slog.Info("webhook endpoint updated", "configured", url != "")
}

// UploadOption adjusts a single [Manager.Upload] call.
type UploadOption func(*uploadOptions)

type uploadOptions struct {
	noEnqueue bool
}

// WithoutEnqueue stops Upload from spooling on failure. Flush passes use it
// so an already-spooled job is not duplicated.
func WithoutEnqueue() UploadOption {
	return func(o *uploadOptions) { o.noEnqueue = true }
}

// Upload delivers one recording. It reports true only when the endpoint
// accepted it.
//
// A false result with a nil error means the recording was spooled. A
// [*PermanentError] means the endpoint rejected it; nothing is spooled. With
// [WithoutEnqueue], exhaustion returns the last attempt's error instead.
func (m *Manager) Upload(ctx context.Context, audio []byte, meta Meta, opts ...UploadOption) (bool, error) {
	var uo uploadOptions
	for _, o := range opts {
		o(&uo)
	}

	endpoint := m.Endpoint()
	if endpoint == "" {
		if uo.noEnqueue {
			return false, ErrNoEndpoint
		}
		return false, m.spool(audio, meta, "no endpoint configured")
	}

	body, contentType, err := m.encode(audio, meta)
	if err != nil {
		return false, err
	}
	requestID := uuid.NewString()
	ctx = observe.WithRequestID(ctx, requestID)
	log := observe.Logger(ctx)

	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		err := m.attempt(ctx, endpoint, body, contentType, requestID, attempt)
		if err == nil {
			log.Info("recording delivered", "attempt", attempt, "duration_ms", meta.DurationMS)
			return true, nil
		}
		if IsPermanent(err) {
			log.Error("recording rejected by endpoint", "err", err)
			return false, err
		}

		lastErr = err
		log.Warn("upload attempt failed",
			"attempt", attempt,
			"max_attempts", m.cfg.MaxAttempts,
			"err", err,
		)
		if attempt == m.cfg.MaxAttempts {
			break
		}
		backoff := time.Duration(1<<(attempt-1)) * time.Second
		if err := m.sleep(ctx, backoff); err != nil {
			lastErr = errors.Join(lastErr, err)
			break
		}
	}

	if uo.noEnqueue {
		return false, fmt.Errorf("delivery: upload failed: %w", lastErr)
	}
	return false, m.spool(audio, meta, lastErr.Error())
}

// Enqueue writes a recording to the outbox and returns its audio path.
func (m *Manager) Enqueue(audio []byte, meta Meta) (string, error) {
	if m.outbox == nil {
		return "", errors.New("delivery: no outbox configured")
	}
	path, err := m.outbox.Put(audio, meta)
	if err != nil {
		return "", err
	}
	if m.metrics != nil {
		m.metrics.Spooled.Add(context.Background(), 1)
	}
	return path, nil
}

func (m *Manager) spool(audio []byte, meta Meta, reason string) error {
	path, err := m.Enqueue(audio, meta)
	if err != nil {
		return fmt.Errorf("delivery: recording lost: %w", err)
	}
	slog.Info("recording spooled", "path", path, "reason", reason)
	return nil
}

// encode builds the multipart body once per Upload; attempts replay it.
func (m *Manager) encode(audio []byte, meta Meta) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="audio"; filename="recording.wav"`)
	h.Set("Content-Type", "audio/wav")
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("delivery: encode audio part: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return nil, "", fmt.Errorf("delivery: encode audio part: %w", err)
	}

	fields := [][2]string{
		{"source", m.cfg.Source},
		{"timestamp_iso", meta.TimestampISO},
		{"wake_word", meta.WakeWord},
		{"duration_ms", strconv.FormatInt(meta.DurationMS, 10)},
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("delivery: encode field %s: %w", f[0], err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("delivery: encode body: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func (m *Manager) attempt(ctx context.Context, endpoint string, body []byte, contentType, requestID string, n int) (err error) {
	ctx, span := observe.StartSpan(ctx, "delivery.upload")
	span.SetAttributes(
		attribute.Int("attempt", n),
		attribute.String("request_id", requestID),
	)
	start := time.Now()
	status := "ok"
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if m.metrics != nil {
			m.metrics.RecordAttempt(ctx, status, time.Since(start))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		status = "transport_error"
		return fmt.Errorf("delivery: build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(observe.RequestIDHeader, requestID)

	resp, err := m.transport.Do(req)
	if err != nil {
		status = "transport_error"
		return fmt.Errorf("delivery: post: %w", err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode >= 500 {
		status = "server_error"
		return &ServerError{StatusCode: resp.StatusCode, Body: string(snippet)}
	}
	status = "rejected"
	return &PermanentError{StatusCode: resp.StatusCode, Body: string(snippet)}
}

// ─── Flush ───────────────────────────────────────────────────────────────────

// FlushReport summarises one flush pass.
type FlushReport struct {
	Delivered int    `json:"delivered"`
	Skipped   int    `json:"skipped"`
	Purged    int    `json:"purged"`
	Stopped   bool   `json:"stopped"`
	Error     string `json:"error,omitempty"`
}

// Failed reports whether the pass stopped on a delivery failure.
func (r FlushReport) Failed() bool { return r.Stopped && r.Error != "" }

// FlushOnce re-sends spooled jobs oldest first. Unreadable jobs are skipped
// and kept; metadata without audio is deleted. The pass stops at the first
// job that cannot be delivered.
func (m *Manager) FlushOnce(ctx context.Context) FlushReport {
	ctx, span := observe.StartSpan(ctx, "delivery.flush")
	var rep FlushReport
	defer func() {
		span.SetAttributes(
			attribute.Int("delivered", rep.Delivered),
			attribute.Int("skipped", rep.Skipped),
			attribute.Int("purged", rep.Purged),
			attribute.Bool("stopped", rep.Stopped),
		)
		if rep.Failed() {
			span.SetStatus(codes.Error, rep.Error)
		}
		span.End()
	}()

	if m.outbox == nil {
		return rep
	}
	bases, err := m.outbox.Jobs()
	if err != nil {
		slog.Error("outbox flush could not list jobs", "err", err)
		rep.Stopped, rep.Error = true, err.Error()
		return rep
	}
	if len(bases) == 0 {
		return rep
	}

	log := observe.Logger(ctx)
	log.Info("outbox flush started", "jobs", len(bases))
	for _, base := range bases {
		if ctx.Err() != nil {
			rep.Stopped = true
			break
		}

		job, err := m.outbox.Load(base)
		switch {
		case errors.Is(err, ErrOrphan):
			if perr := m.outbox.purge(base); perr != nil {
				log.Warn("outbox orphan could not be purged", "job", base, "err", perr)
				rep.Skipped++
				continue
			}
			log.Warn("outbox orphan purged", "job", base)
			rep.Purged++
			continue
		case err != nil:
			log.Warn("outbox job unreadable, skipping", "job", base, "err", err)
			rep.Skipped++
			continue
		}

		meta := job.Meta
		if meta.WakeWord == "" {
			meta.WakeWord = m.cfg.WakeWord
		}
		ok, err := m.Upload(ctx, job.Audio, meta, WithoutEnqueue())
		if !ok {
			rep.Stopped = true
			if err != nil {
				rep.Error = err.Error()
			}
			log.Warn("outbox flush stopped", "job", base, "err", err)
			break
		}
		if err := m.outbox.Remove(base); err != nil {
			log.Error("delivered job could not be removed", "job", base, "err", err)
			rep.Stopped, rep.Error = true, err.Error()
			break
		}
		rep.Delivered++
		if m.metrics != nil {
			m.metrics.Flushed.Add(ctx, 1)
		}
	}

	log.Info("outbox flush finished",
		"delivered", rep.Delivered,
		"skipped", rep.Skipped,
		"purged", rep.Purged,
		"stopped", rep.Stopped,
	)
	return rep
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
