package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/voxtalk/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with automatic failover across multiple
// TTS backends. Each backend has its own circuit breaker.
//
// Characters name a voice of the primary's catalogue; a fallback receives the
// same request and is expected to map or ignore voices it does not know.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred
// backend. An empty text is a caller error; it neither falls through nor
// trips a breaker.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	isCaller := func(err error) bool { return errors.Is(err, tts.ErrEmptyText) }
	userShould := cfg.ShouldFallback
	cfg.ShouldFallback = func(err error) bool {
		return !isCaller(err) && (userShould == nil || userShould(err))
	}
	userIsFailure := cfg.CircuitBreaker.IsFailure
	cfg.CircuitBreaker.IsFailure = func(err error) bool {
		if isCaller(err) || errors.Is(err, context.Canceled) {
			return false
		}
		return userIsFailure == nil || userIsFailure(err)
	}
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional TTS provider as a fallback.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// Synthesize renders req on the first healthy provider.
func (f *TTSFallback) Synthesize(ctx context.Context, req tts.Request) (*tts.Result, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) (*tts.Result, error) {
		return p.Synthesize(ctx, req)
	})
}

// ListModels lists the primary's models. Catalogue calls do not fail over:
// voices are not portable between providers.
func (f *TTSFallback) ListModels(ctx context.Context) ([]tts.Model, error) {
	return f.group.Primary().ListModels(ctx)
}

// ListVoices lists the primary's voices for model.
func (f *TTSFallback) ListVoices(ctx context.Context, model string) ([]tts.Voice, error) {
	return f.group.Primary().ListVoices(ctx, model)
}
