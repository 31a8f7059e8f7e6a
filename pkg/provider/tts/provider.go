// Package tts defines the Provider interface for speech-synthesis backends.
//
// A provider turns one complete reply into audio. Remote services may answer
// with a URL of an audio file they host, or with the audio bytes themselves;
// [Result] carries whichever the backend produced and callers upload bytes
// to their own storage when they need a durable reference.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
)

// ErrEmptyText is returned when a request carries no text to synthesise.
var ErrEmptyText = errors.New("tts: text must not be empty")

// Request describes one synthesis call.
type Request struct {
	// Text is the full text to speak.
	Text string

	// Model selects the synthesis engine (e.g. "edge-tts"). Empty uses the
	// provider default.
	Model string

	// Voice is the provider-specific voice identifier.
	Voice string

	// Speed is the speaking-rate multiplier. Zero means the provider default.
	Speed float64

	// Volume is the output volume in [0, 1]. Zero means the provider default.
	Volume float64
}

// Result is a synthesised utterance. Exactly one of AudioURL and Audio is set.
type Result struct {
	AudioURL string

	Audio []byte

	// ContentType is the MIME type of Audio, e.g. "audio/mpeg".
	ContentType string
}

// Model describes a synthesis engine offered by a provider.
type Model struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// Voice describes one voice of a model.
type Voice struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Language string `json:"language,omitempty"`
	Gender   string `json:"gender,omitempty"`
}

// Provider is the abstraction over any synthesis backend.
type Provider interface {
	// Synthesize renders req.Text and returns the audio or its URL.
	Synthesize(ctx context.Context, req Request) (*Result, error)

	// ListModels returns the engines the provider offers.
	ListModels(ctx context.Context) ([]Model, error)

	// ListVoices returns the voices available for model. An empty model means
	// the provider default.
	ListVoices(ctx context.Context, model string) ([]Voice, error)
}
