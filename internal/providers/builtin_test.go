package providers_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/kaylistener/internal/config"
	"github.com/MrWong99/kaylistener/internal/providers"
	"github.com/MrWong99/kaylistener/pkg/provider/vad"
	"github.com/MrWong99/kaylistener/pkg/provider/vad/energy"
)

func TestRegisterBuiltins_Names(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	providers.RegisterBuiltins(reg)

	want := map[string][]string{
		"device":     {"portaudio"},
		"recognizer": {"sherpa", "vosk"},
		"vad":        {"always", "energy", "silero"},
	}
	got := reg.Names()
	for kind, names := range want {
		if !slices.Equal(got[kind], names) {
			t.Errorf("Names()[%s] = %v, want %v", kind, got[kind], names)
		}
	}
}

func TestRegisterBuiltins_CreatesPureGoProviders(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	providers.RegisterBuiltins(reg)

	e, err := reg.CreateVAD(config.ProviderEntry{
		Name:    "energy",
		Options: map[string]any{"threshold": 0.05, "hangover_ms": 120},
	})
	if err != nil {
		t.Fatalf("CreateVAD(energy): %v", err)
	}
	if _, ok := e.(*energy.Engine); !ok {
		t.Errorf("energy engine type = %T", e)
	}

	e, err = reg.CreateVAD(config.ProviderEntry{Name: "always"})
	if err != nil {
		t.Fatalf("CreateVAD(always): %v", err)
	}
	if _, ok := e.(vad.AlwaysVoiced); !ok {
		t.Errorf("always engine type = %T", e)
	}

	if _, err := reg.CreateRecognizer(config.ProviderEntry{Name: "vosk"}); err != nil {
		t.Errorf("CreateRecognizer(vosk): %v", err)
	}
	if _, err := reg.CreateDevice(config.AudioConfig{Device: config.ProviderEntry{Name: "portaudio"}}); err != nil {
		t.Errorf("CreateDevice(portaudio): %v", err)
	}
}
