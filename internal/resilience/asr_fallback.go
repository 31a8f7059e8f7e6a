package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/voxtalk/pkg/provider/asr"
)

// ASRFallback implements [asr.Provider] as a declarative recognition chain.
// The next provider is tried only when the previous one reports
// [asr.ErrFormatUnsupported]. Any other failure, including
// [asr.ErrPollTimeout], provider task errors and an open breaker
// ([ErrCircuitOpen]), is returned to the caller.
type ASRFallback struct {
	group *FallbackGroup[asr.Provider]
}

var _ asr.Provider = (*ASRFallback)(nil)

// NewASRFallback creates an [ASRFallback] with primary as the preferred
// backend. cfg.ShouldFallback and cfg.StopOnOpenCircuit are overridden: only
// the format-unsupported class advances the chain, and an entry whose breaker
// is open fails the call with [ErrCircuitOpen]. A format mismatch never counts
// against a breaker.
func NewASRFallback(primary asr.Provider, primaryName string, cfg FallbackConfig) *ASRFallback {
	cfg.ShouldFallback = isFormatUnsupported
	cfg.StopOnOpenCircuit = true
	userIsFailure := cfg.CircuitBreaker.IsFailure
	cfg.CircuitBreaker.IsFailure = func(err error) bool {
		if isFormatUnsupported(err) || errors.Is(err, context.Canceled) {
			return false
		}
		return userIsFailure == nil || userIsFailure(err)
	}
	return &ASRFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional recognition provider.
func (f *ASRFallback) AddFallback(name string, provider asr.Provider) {
	f.group.AddFallback(name, provider)
}

// Names returns the chain order.
func (f *ASRFallback) Names() []string { return f.group.Names() }

// Transcribe runs req against the chain.
func (f *ASRFallback) Transcribe(ctx context.Context, req asr.Request) (*asr.Result, error) {
	return ExecuteWithResult(f.group, func(p asr.Provider) (*asr.Result, error) {
		return p.Transcribe(ctx, req)
	})
}

func isFormatUnsupported(err error) bool {
	return errors.Is(err, asr.ErrFormatUnsupported)
}
