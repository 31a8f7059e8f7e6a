package app

import (
	"fmt"
	"log/slog"

	"github.com/MrWong99/voxtalk/internal/config"
	"github.com/MrWong99/voxtalk/internal/resilience"
	"github.com/MrWong99/voxtalk/pkg/provider/asr"
	"github.com/MrWong99/voxtalk/pkg/provider/llm"
	"github.com/MrWong99/voxtalk/pkg/provider/tts"
	"github.com/MrWong99/voxtalk/pkg/storage"
)

// Providers holds one interface value per provider slot. Populated by
// [BuildProviders] or injected directly in tests.
type Providers struct {
	ASR     asr.Provider
	LLM     llm.Provider
	TTS     tts.Provider
	Storage storage.Uploader

	// LLMName labels model metrics. Defaults to "llm".
	LLMName string
}

func (p *Providers) validate() error {
	switch {
	case p == nil:
		return fmt.Errorf("providers are required")
	case p.ASR == nil:
		return fmt.Errorf("an asr provider is required")
	case p.LLM == nil:
		return fmt.Errorf("an llm provider is required")
	case p.TTS == nil:
		return fmt.Errorf("a tts provider is required")
	case p.Storage == nil:
		return fmt.Errorf("a storage provider is required")
	}
	return nil
}

// BuildProviders instantiates every provider named in cfg through reg. When
// a kind lists fallbacks the primary and its fallbacks are wrapped in the
// matching resilience chain, each entry guarded by its own circuit breaker.
func BuildProviders(cfg *config.Config, reg *config.Registry) (*Providers, error) {
	ps := &Providers{LLMName: cfg.Providers.LLM.Name}

	asrChain, err := buildChain(cfg, cfg.Providers.ASR, cfg.Providers.ASRFallbacks, "asr", reg.CreateASR,
		func(primary asr.Provider, name string) chain[asr.Provider] {
			return resilience.NewASRFallback(primary, name, resilience.FallbackConfig{})
		})
	if err != nil {
		return nil, err
	}
	ps.ASR = asrChain

	llmChain, err := buildChain(cfg, cfg.Providers.LLM, cfg.Providers.LLMFallbacks, "llm", reg.CreateLLM,
		func(primary llm.Provider, name string) chain[llm.Provider] {
			return resilience.NewLLMFallback(primary, name, resilience.FallbackConfig{})
		})
	if err != nil {
		return nil, err
	}
	ps.LLM = llmChain

	ttsChain, err := buildChain(cfg, cfg.Providers.TTS, cfg.Providers.TTSFallbacks, "tts", reg.CreateTTS,
		func(primary tts.Provider, name string) chain[tts.Provider] {
			return resilience.NewTTSFallback(primary, name, resilience.FallbackConfig{})
		})
	if err != nil {
		return nil, err
	}
	ps.TTS = ttsChain

	up, err := reg.CreateStorage(cfg.Providers.Storage, cfg)
	if err != nil {
		return nil, fmt.Errorf("app: create storage provider %q: %w", cfg.Providers.Storage.Name, err)
	}
	slog.Info("provider created", "kind", "storage", "name", cfg.Providers.Storage.Name)
	ps.Storage = up

	return ps, nil
}

// chain is the part of the resilience fallbacks BuildProviders needs.
type chain[T any] interface {
	AddFallback(name string, provider T)
}

// buildChain creates the primary provider and, when fallbacks are configured,
// wraps it in a chain built by wrap. The chain value must itself implement T.
func buildChain[T any](
	cfg *config.Config,
	primary config.ProviderEntry,
	fallbacks []config.ProviderEntry,
	kind string,
	create func(config.ProviderEntry, *config.Config) (T, error),
	wrap func(primary T, name string) chain[T],
) (T, error) {
	var zero T
	p, err := create(primary, cfg)
	if err != nil {
		return zero, fmt.Errorf("app: create %s provider %q: %w", kind, primary.Name, err)
	}
	slog.Info("provider created", "kind", kind, "name", primary.Name)
	if len(fallbacks) == 0 {
		return p, nil
	}

	c := wrap(p, primary.Name)
	for _, fb := range fallbacks {
		fp, err := create(fb, cfg)
		if err != nil {
			return zero, fmt.Errorf("app: create %s fallback %q: %w", kind, fb.Name, err)
		}
		c.AddFallback(fb.Name, fp)
		slog.Info("fallback provider created", "kind", kind, "name", fb.Name)
	}
	wrapped, ok := c.(T)
	if !ok {
		return zero, fmt.Errorf("app: %s fallback chain does not implement the provider interface", kind)
	}
	return wrapped, nil
}
