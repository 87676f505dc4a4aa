package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/kaylistener/internal/health"
	"github.com/MrWong99/kaylistener/internal/observe"
)

const (
	readHeaderTimeout  = 5 * time.Second
	serverStopTimeout  = 5 * time.Second
	microphoneTestWait = 10 * time.Second
)

// Handler returns the status server routes wrapped in the observe middleware:
//
//	GET  /healthz            liveness
//	GET  /readyz             audio running and outbox writable
//	GET  /metrics            Prometheus scrape
//	GET  /status             [Status] as JSON
//	POST /flush              manual outbox pass, returns the [delivery.FlushReport]
//	POST /listening/toggle   flips listening, returns {"listening": bool}
//	POST /microphone/test    records a short clip, returns {"bytes": n}
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()

	health.New(
		health.Running("audio", a.broadcaster.Running),
		health.Func("outbox", a.manager.Outbox().Writable),
	).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, _ *http.Request) {
		health.WriteJSON(w, http.StatusOK, a.Status())
	})
	mux.HandleFunc("POST /flush", func(w http.ResponseWriter, r *http.Request) {
		rep := a.Flush(r.Context())
		status := http.StatusOK
		if rep.Failed() {
			status = http.StatusBadGateway
		}
		health.WriteJSON(w, status, rep)
	})
	mux.HandleFunc("POST /listening/toggle", func(w http.ResponseWriter, _ *http.Request) {
		health.WriteJSON(w, http.StatusOK, map[string]bool{"listening": a.ToggleListening()})
	})
	mux.HandleFunc("POST /microphone/test", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), microphoneTestWait)
		defer cancel()
		n, err := a.TestMicrophone(ctx)
		if err != nil {
			health.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
			return
		}
		health.WriteJSON(w, http.StatusOK, map[string]int{"bytes": n})
	})

	return observe.Middleware(a.metrics)(mux)
}

// serve runs the status server on addr until ctx is cancelled.
func (a *App) serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("app: status server: %w", err)
	}
	return a.serveListener(ctx, ln)
}

func (a *App) serveListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("status server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("app: status server: %w", err)
	case <-ctx.Done():
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), serverStopTimeout)
	defer cancel()
	if err := srv.Shutdown(stopCtx); err != nil {
		slog.Warn("status server shutdown", "err", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("app: status server: %w", err)
	}
	return ctx.Err()
}
