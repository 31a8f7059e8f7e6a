// Package mock provides a test double for the asr.Provider interface.
//
// Example:
//
//	p := &mock.Provider{Result: &asr.Result{Text: "hello"}}
//	res, err := p.Transcribe(ctx, asr.Request{FileURL: "https://x/a.wav"})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxtalk/pkg/provider/asr"
)

// TranscribeCall records a single invocation of Transcribe.
type TranscribeCall struct {
	Ctx context.Context
	Req asr.Request
}

// Provider is a mock implementation of asr.Provider.
type Provider struct {
	mu sync.Mutex

	// Result is returned by Transcribe when Err is nil.
	Result *asr.Result

	// Err, if non-nil, is returned by Transcribe.
	Err error

	// TranscribeFunc, if set, overrides Result and Err.
	TranscribeFunc func(ctx context.Context, req asr.Request) (*asr.Result, error)

	// TranscribeCalls records every call in order.
	TranscribeCalls []TranscribeCall
}

var _ asr.Provider = (*Provider)(nil)

// Transcribe records the call and returns the configured outcome.
func (p *Provider) Transcribe(ctx context.Context, req asr.Request) (*asr.Result, error) {
	p.mu.Lock()
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{Ctx: ctx, Req: req})
	fn, res, err := p.TranscribeFunc, p.Result, p.Err
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	if res == nil {
		return &asr.Result{}, nil
	}
	cp := *res
	return &cp, nil
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.TranscribeCalls)
}

// Calls returns a copy of the recorded calls. Thread-safe.
func (p *Provider) Calls() []TranscribeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]TranscribeCall, len(p.TranscribeCalls))
	copy(out, p.TranscribeCalls)
	return out
}
