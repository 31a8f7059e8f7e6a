// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to return controlled synthesis results and to verify the text
// and voice settings that reached the backend.
//
// Example:
//
//	p := &mock.Provider{
//	    SynthesizeResult: &tts.Result{AudioURL: "https://x/tts/1.mp3"},
//	    ListVoicesResult: []tts.Voice{{ID: "zh-CN-XiaoxiaoNeural"}},
//	}
//	res, _ := p.Synthesize(ctx, tts.Request{Text: "Hi there", Voice: "zh-CN-XiaoxiaoNeural"})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxtalk/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	Ctx context.Context
	Req tts.Request
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// SynthesizeResult is returned by Synthesize when SynthesizeErr is nil.
	// A nil result yields an empty AudioURL.
	SynthesizeResult *tts.Result

	// SynthesizeErr, if non-nil, is returned as the error from Synthesize.
	SynthesizeErr error

	// SynthesizeFunc, if set, overrides SynthesizeResult and SynthesizeErr.
	SynthesizeFunc func(req tts.Request) (*tts.Result, error)

	// ListModelsResult is returned by ListModels.
	ListModelsResult []tts.Model

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []tts.Voice

	// ListErr, if non-nil, is returned by ListModels and ListVoices.
	ListErr error

	// --- Call records ---

	// SynthesizeCalls records every call to Synthesize in order.
	SynthesizeCalls []SynthesizeCall

	// ListVoicesModels records the model argument of every ListVoices call.
	ListVoicesModels []string
}

var _ tts.Provider = (*Provider)(nil)

// Synthesize records the call and returns the configured outcome.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (*tts.Result, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Req: req})
	fn, res, err := p.SynthesizeFunc, p.SynthesizeResult, p.SynthesizeErr
	p.mu.Unlock()

	if fn != nil {
		return fn(req)
	}
	if err != nil {
		return nil, err
	}
	if res == nil {
		return &tts.Result{}, nil
	}
	cp := *res
	return &cp, nil
}

// ListModels records nothing and returns the configured models.
func (p *Provider) ListModels(context.Context) ([]tts.Model, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ListErr != nil {
		return nil, p.ListErr
	}
	return p.ListModelsResult, nil
}

// ListVoices records model and returns the configured voices.
func (p *Provider) ListVoices(_ context.Context, model string) ([]tts.Voice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListVoicesModels = append(p.ListVoicesModels, model)
	if p.ListErr != nil {
		return nil, p.ListErr
	}
	return p.ListVoicesResult, nil
}

// Calls returns a copy of the recorded Synthesize calls. Thread-safe.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SynthesizeCall, len(p.SynthesizeCalls))
	copy(out, p.SynthesizeCalls)
	return out
}

// Reset clears all recorded calls. Configurable responses are left intact.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
	p.ListVoicesModels = nil
}
