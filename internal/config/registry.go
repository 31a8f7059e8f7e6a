package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/voxtalk/pkg/provider/asr"
	"github.com/MrWong99/voxtalk/pkg/provider/llm"
	"github.com/MrWong99/voxtalk/pkg/provider/tts"
	"github.com/MrWong99/voxtalk/pkg/storage"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a provider of type T from its config entry. The full config
// is passed for providers that read shared sections (e.g. recognition
// credentials).
type Factory[T any] func(entry ProviderEntry, cfg *Config) (T, error)

// registry is a name→factory table for one provider kind.
type registry[T any] struct {
	kind      string
	factories map[string]Factory[T]
}

func newRegistry[T any](kind string) registry[T] {
	return registry[T]{kind: kind, factories: make(map[string]Factory[T])}
}

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	asr     registry[asr.Provider]
	llm     registry[llm.Provider]
	tts     registry[tts.Provider]
	storage registry[storage.Uploader]
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		asr:     newRegistry[asr.Provider]("asr"),
		llm:     newRegistry[llm.Provider]("llm"),
		tts:     newRegistry[tts.Provider]("tts"),
		storage: newRegistry[storage.Uploader]("storage"),
	}
}

// RegisterASR registers a recognition provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterASR(name string, factory Factory[asr.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.asr.factories[name] = factory
}

// RegisterLLM registers an LLM provider factory under name.
func (r *Registry) RegisterLLM(name string, factory Factory[llm.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm.factories[name] = factory
}

// RegisterTTS registers a TTS provider factory under name.
func (r *Registry) RegisterTTS(name string, factory Factory[tts.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts.factories[name] = factory
}

// RegisterStorage registers an uploader factory under name.
func (r *Registry) RegisterStorage(name string, factory Factory[storage.Uploader]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.storage.factories[name] = factory
}

// CreateASR instantiates a recognition provider using the factory registered
// under entry.Name. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateASR(entry ProviderEntry, cfg *Config) (asr.Provider, error) {
	return create(r, &r.asr, entry, cfg)
}

// CreateLLM instantiates an LLM provider using the factory registered under entry.Name.
func (r *Registry) CreateLLM(entry ProviderEntry, cfg *Config) (llm.Provider, error) {
	return create(r, &r.llm, entry, cfg)
}

// CreateTTS instantiates a TTS provider using the factory registered under entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry, cfg *Config) (tts.Provider, error) {
	return create(r, &r.tts, entry, cfg)
}

// CreateStorage instantiates an uploader using the factory registered under entry.Name.
func (r *Registry) CreateStorage(entry ProviderEntry, cfg *Config) (storage.Uploader, error) {
	return create(r, &r.storage, entry, cfg)
}

// Names returns the sorted provider names registered for kind ("asr", "llm",
// "tts" or "storage").
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	switch kind {
	case "asr":
		names = keys(r.asr.factories)
	case "llm":
		names = keys(r.llm.factories)
	case "tts":
		names = keys(r.tts.factories)
	case "storage":
		names = keys(r.storage.factories)
	}
	slices.Sort(names)
	return names
}

func create[T any](r *Registry, reg *registry[T], entry ProviderEntry, cfg *Config) (T, error) {
	r.mu.RLock()
	factory, ok := reg.factories[entry.Name]
	r.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, reg.kind, entry.Name)
	}
	p, err := factory(entry, cfg)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("config: create %s/%q: %w", reg.kind, entry.Name, err)
	}
	return p, nil
}

func keys[T any](m map[string]Factory[T]) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
