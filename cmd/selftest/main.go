// Command selftest records a fixed-length clip from the configured input and
// sends it once to the webhook, to check the device and endpoint end to end.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/MrWong99/kaylistener/internal/capture"
	"github.com/MrWong99/kaylistener/internal/config"
	"github.com/MrWong99/kaylistener/internal/delivery"
	"github.com/MrWong99/kaylistener/internal/providers"
	"github.com/MrWong99/kaylistener/pkg/audio"
	"github.com/MrWong99/kaylistener/pkg/provider/vad"
)

// selfTestTimestamp replaces timestamp_iso so receivers can tell test clips apart.
const selfTestTimestamp = "self-test"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	seconds := flag.Float64("duration", 3.0, "seconds to record")
	dryRun := flag.Bool("dry-run", false, "print the metadata instead of uploading")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	if *seconds <= 0 {
		fmt.Fprintln(os.Stderr, "selftest: -duration must be positive")
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "selftest: %v\n", err)
		return 1
	}

	reg := config.NewRegistry()
	providers.RegisterBuiltins(reg)
	dev, err := reg.CreateDevice(cfg.Audio)
	if err != nil {
		fmt.Fprintf(os.Stderr, "selftest: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := record(ctx, cfg, dev, *seconds)
	if err != nil {
		fmt.Fprintf(os.Stderr, "selftest: %v\n", err)
		return 1
	}
	fmt.Printf("Recorded %d bytes of WAV (%s)\n", len(res.Audio), res.Duration)

	meta := delivery.Meta{
		DurationMS:   res.DurationMS(),
		WakeWord:     cfg.Wake.WakeWord,
		TimestampISO: selfTestTimestamp,
	}
	if *dryRun {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(meta); err != nil {
			fmt.Fprintf(os.Stderr, "selftest: %v\n", err)
			return 1
		}
		return 0
	}
	if cfg.Delivery.WebhookURL == "" {
		fmt.Println("No webhook configured (set WEBHOOK_URL or delivery.webhook_url); nothing sent.")
		return 0
	}

	outbox, err := delivery.OpenOutbox(cfg.Delivery.OutboxDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "selftest: %v\n", err)
		return 1
	}
	mgr := delivery.NewManager(delivery.Config{
		URL:         cfg.Delivery.WebhookURL,
		Source:      cfg.Delivery.Source,
		MaxAttempts: cfg.Delivery.MaxAttempts,
		Timeout:     cfg.Delivery.Timeout,
		WakeWord:    cfg.Wake.WakeWord,
	}, outbox)

	if _, err := mgr.Upload(ctx, res.Audio, meta, delivery.WithoutEnqueue()); err != nil {
		var pe *delivery.PermanentError
		if errors.As(err, &pe) {
			fmt.Fprintf(os.Stderr, "selftest: webhook rejected the clip: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "selftest: upload failed: %v\n", err)
		}
		return 1
	}
	fmt.Println("Upload OK")
	return 0
}

// record captures seconds of audio through a private broadcaster.
func record(ctx context.Context, cfg *config.Config, dev audio.Device, seconds float64) (*capture.Result, error) {
	format := audio.Format{
		SampleRate:    cfg.Audio.SampleRate,
		Channels:      1,
		FrameDuration: cfg.Audio.FrameDuration(),
	}
	if err := format.Validate(); err != nil {
		return nil, err
	}
	b := audio.NewBroadcaster(dev, format, audio.WithDeviceName(cfg.Audio.Device.Name))
	if err := b.Start(ctx); err != nil {
		return nil, err
	}
	defer b.Stop()

	rec := capture.NewRecorder(b, vad.AlwaysVoiced{}, capture.Config{WakeWord: cfg.Wake.WakeWord})
	fmt.Printf("Recording %.1f s from %s...\n", seconds, cfg.Audio.Device.Name)
	return rec.CaptureSeconds(ctx, seconds)
}
