// Package asr defines the Provider interface for speech-recognition backends.
//
// Unlike a live streaming recogniser, an asr Provider transcribes one complete
// recording per call. Remote batch services (e.g. Aliyun file transcription)
// fetch the audio from Request.FileURL; local or streaming engines consume
// Request.Audio directly. Callers fill in both so any provider in a fallback
// chain can serve the request.
//
// Implementations must be safe for concurrent use. A single Transcribe call
// owns whatever remote task it creates; tasks are never shared across calls.
package asr

import "context"

// Request describes one recording to transcribe.
type Request struct {
	// FileURL is a publicly fetchable URL of the recording.
	FileURL string

	// Audio is the raw recording. May be nil for providers that only need
	// FileURL.
	Audio []byte

	// Format is the container format in lower case ("wav", "mp3", ...).
	Format string

	// Language is an optional BCP-47 hint. Empty lets the provider decide.
	Language string
}

// Result is a terminal-success recognition outcome. An empty Text is a valid
// result (the recording contained no recognisable speech).
type Result struct {
	// Text is the full transcript, sentence texts concatenated in order.
	Text string

	// TaskID is the provider's task identifier, if the provider has one.
	TaskID string

	// Status is the provider's terminal status text (e.g. "SUCCESS").
	Status string
}

// Provider is the abstraction over any recognition backend.
type Provider interface {
	// Transcribe runs recognition to completion and returns the transcript.
	//
	// Errors wrap [ErrFormatUnsupported] when the provider cannot handle the
	// recording's format or channel layout, [ErrPollTimeout] when an
	// asynchronous task did not finish within the provider's attempt budget,
	// and otherwise are usually a *[TaskError] carrying the provider's own
	// status text and code.
	Transcribe(ctx context.Context, req Request) (*Result, error)
}
