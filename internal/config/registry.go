package config

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MrWong99/kaylistener/pkg/audio"
	"github.com/MrWong99/kaylistener/pkg/provider/recognizer"
	"github.com/MrWong99/kaylistener/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// DeviceFactory builds a capture device from the audio section.
type DeviceFactory func(AudioConfig) (audio.Device, error)

// RecognizerFactory builds a streaming recognizer engine.
type RecognizerFactory func(ProviderEntry) (recognizer.Engine, error)

// VADFactory builds a voice-activity engine.
type VADFactory func(ProviderEntry) (vad.Engine, error)

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	device     map[string]DeviceFactory
	recognizer map[string]RecognizerFactory
	vad        map[string]VADFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		device:     make(map[string]DeviceFactory),
		recognizer: make(map[string]RecognizerFactory),
		vad:        make(map[string]VADFactory),
	}
}

// RegisterDevice registers a capture device factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterDevice(name string, factory DeviceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.device[name] = factory
}

// RegisterRecognizer registers a recognizer engine factory under name.
func (r *Registry) RegisterRecognizer(name string, factory RecognizerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recognizer[name] = factory
}

// RegisterVAD registers a VAD engine factory under name.
func (r *Registry) RegisterVAD(name string, factory VADFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// CreateDevice instantiates the device registered under cfg.Device.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateDevice(cfg AudioConfig) (audio.Device, error) {
	r.mu.RLock()
	factory, ok := r.device[cfg.Device.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: device/%q", ErrProviderNotRegistered, cfg.Device.Name)
	}
	return factory(cfg)
}

// CreateRecognizer instantiates a recognizer engine using the factory registered under entry.Name.
func (r *Registry) CreateRecognizer(entry ProviderEntry) (recognizer.Engine, error) {
	r.mu.RLock()
	factory, ok := r.recognizer[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: recognizer/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateVAD instantiates a VAD engine using the factory registered under entry.Name.
func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Engine, error) {
	r.mu.RLock()
	factory, ok := r.vad[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// Names returns the sorted registered names per kind, for diagnostics.
func (r *Registry) Names() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string][]string{
		"device":     sortedKeys(r.device),
		"recognizer": sortedKeys(r.recognizer),
		"vad":        sortedKeys(r.vad),
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
