// Package notify shows short user-facing messages, either as desktop
// notifications or as log lines when no desktop is available.
package notify

import (
	"log/slog"
	"sync"

	"github.com/gen2brain/beeep"

	"github.com/MrWong99/kaylistener/internal/config"
)

// Notifier shows one message to the user. Implementations must not block for
// long and must be safe for concurrent use.
type Notifier interface {
	Notify(message string)
}

// New returns the notifier selected by cfg.
func New(cfg config.NotifyConfig) Notifier {
	title := cfg.AppName
	if title == "" {
		title = config.DefaultAppName
	}
	if !cfg.DesktopEnabled() {
		return &Log{Title: title}
	}
	return NewDesktop(title)
}

// ─── Desktop ─────────────────────────────────────────────────────────────────

// Desktop sends notifications through the platform notification service.
// After the first failure it logs instead, so a headless session does not
// spam errors.
type Desktop struct {
	title string
	send  func(title, message string) error

	mu       sync.Mutex
	disabled bool
}

var _ Notifier = (*Desktop)(nil)

// NewDesktop returns a desktop notifier using title for every message.
func NewDesktop(title string) *Desktop {
	return &Desktop{
		title: title,
		send: func(title, message string) error {
			return beeep.Notify(title, message, "")
		},
	}
}

// Notify implements [Notifier].
func (d *Desktop) Notify(message string) {
	d.mu.Lock()
	disabled := d.disabled
	d.mu.Unlock()

	if !disabled {
		err := d.send(d.title, message)
		if err == nil {
			return
		}
		slog.Warn("desktop notification failed, falling back to log", "err", err)
		d.mu.Lock()
		d.disabled = true
		d.mu.Unlock()
	}
	slog.Info("notification", "title", d.title, "message", message)
}

// ─── Log ─────────────────────────────────────────────────────────────────────

// Log writes notifications to the default logger.
type Log struct {
	Title string
}

var _ Notifier = (*Log)(nil)

// Notify implements [Notifier].
func (l *Log) Notify(message string) {
	slog.Info("notification", "title", l.Title, "message", message)
}
