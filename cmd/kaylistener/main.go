// Command kaylistener listens for the wake phrase on the microphone, records
// what follows and delivers it to the configured webhook.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/kaylistener/internal/app"
	"github.com/MrWong99/kaylistener/internal/config"
	"github.com/MrWong99/kaylistener/internal/observe"
	"github.com/MrWong99/kaylistener/internal/providers"
	"github.com/MrWong99/kaylistener/pkg/audio"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	listDevices := flag.Bool("list-devices", false, "list available input devices and exit")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kaylistener: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	levelVar := new(slog.LevelVar)
	levelVar.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(levelVar))

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	providers.RegisterBuiltins(reg)
	for kind, names := range reg.Names() {
		slog.Debug("registered providers", "kind", kind, "names", names)
	}

	if *listDevices {
		return printDevices(cfg, reg)
	}

	slog.Info("kaylistener starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	deps, err := buildDeps(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		Source:         cfg.Delivery.Source,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	printStartupSummary(cfg)

	application, err := app.New(cfg, deps,
		app.WithLevelVar(levelVar),
		app.WithMetrics(telemetry.Metrics),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if _, statErr := os.Stat(*configPath); statErr == nil {
		watcher, err := config.NewWatcher(*configPath, application.ApplyConfig)
		if err != nil {
			slog.Warn("config hot reload disabled", "err", err)
		} else {
			defer watcher.Stop()
		}
	}

	slog.Info("listening, press Ctrl+C to shut down")

	exit := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		var de *audio.DeviceError
		if errors.As(err, &de) {
			slog.Error("audio device unavailable", "device", de.Device, "err", de.Err)
		} else {
			slog.Error("run error", "err", err)
		}
		exit = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return exit
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// buildDeps instantiates the configured providers.
func buildDeps(cfg *config.Config, reg *config.Registry) (app.Deps, error) {
	var deps app.Deps
	var err error

	if deps.Device, err = reg.CreateDevice(cfg.Audio); err != nil {
		return deps, fmt.Errorf("create device %q: %w", cfg.Audio.Device.Name, err)
	}
	slog.Info("provider created", "kind", "device", "name", cfg.Audio.Device.Name)

	if deps.Recognizer, err = reg.CreateRecognizer(cfg.Wake.Recognizer); err != nil {
		return deps, fmt.Errorf("create recognizer %q: %w", cfg.Wake.Recognizer.Name, err)
	}
	slog.Info("provider created", "kind", "recognizer", "name", cfg.Wake.Recognizer.Name)

	if deps.VAD, err = reg.CreateVAD(cfg.Recorder.VAD); err != nil {
		return deps, fmt.Errorf("create vad %q: %w", cfg.Recorder.VAD.Name, err)
	}
	slog.Info("provider created", "kind", "vad", "name", cfg.Recorder.VAD.Name)

	return deps, nil
}

// printDevices lists the inputs of the configured device backend.
func printDevices(cfg *config.Config, reg *config.Registry) int {
	dev, err := reg.CreateDevice(cfg.Audio)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kaylistener: %v\n", err)
		return 1
	}
	lister, ok := dev.(audio.Lister)
	if !ok {
		fmt.Fprintf(os.Stderr, "kaylistener: device %q cannot list inputs\n", cfg.Audio.Device.Name)
		return 1
	}
	infos, err := lister.Devices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "kaylistener: %v\n", err)
		return 1
	}
	for _, d := range infos {
		mark := " "
		if d.Default {
			mark = "*"
		}
		fmt.Printf("%s %3d  %-40s  in=%d  %.0f Hz\n", mark, d.Index, d.Name, d.MaxInputChannels, d.DefaultSampleRate)
	}
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║      Kay Listener, startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Wake word", cfg.Wake.WakeWord)
	printRow("Recognizer", cfg.Wake.Recognizer.Name)
	printRow("VAD", cfg.Recorder.VAD.Name)
	printRow("Device", deviceLabel(cfg.Audio))
	printRow("Sample rate", fmt.Sprintf("%d Hz", cfg.Audio.SampleRate))
	printRow("Silence", cfg.Recorder.Silence.String())
	if cfg.Delivery.WebhookURL != "" {
		printRow("Webhook", "configured")
	} else {
		printRow("Webhook", "(spool only)")
	}
	printRow("Outbox", cfg.Delivery.OutboxDir)
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

func deviceLabel(a config.AudioConfig) string {
	if a.DeviceIndex == nil {
		return a.Device.Name + " default"
	}
	return fmt.Sprintf("%s #%d", a.Device.Name, *a.DeviceIndex)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
