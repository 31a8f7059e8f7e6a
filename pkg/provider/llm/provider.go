// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a remote or local model API (e.g., OpenAI GPT-4o,
// Anthropic Claude, or a local Ollama instance) and exposes a uniform streaming
// interface to the conversation streamer without coupling to any specific SDK.
// The model is treated as a black-box text generator: conversation memory is
// owned by the caller and passed in with every request.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package llm

import (
	"context"

	"github.com/MrWong99/voxtalk/pkg/types"
)

// FinishReasonError marks a Chunk that reports a failure after the stream
// started. Its Text holds the error message.
const FinishReasonError = "error"

// CompletionRequest carries everything the LLM needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is the
	// user turn that drives the response.
	Messages []types.Message

	// SystemPrompt is an optional high-priority instruction injected before the
	// conversation history.
	SystemPrompt string

	// SessionID identifies the conversation. Providers that support an end-user
	// identifier forward it; others ignore it.
	SessionID string

	// Temperature controls output randomness in the range [0.0, 2.0]. Zero means
	// use the provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means use the provider
	// default.
	MaxTokens int
}

// Chunk is a single fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental text content of this chunk. May be empty on the
	// final chunk.
	Text string

	// FinishReason is set on the final chunk: "stop", "length", or
	// [FinishReasonError]. Empty on intermediate chunks.
	FinishReason string
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// StreamCompletion sends req to the model and returns a read-only channel
	// that emits Chunk values in generation order. The channel is closed when
	// generation finishes or when ctx is cancelled.
	//
	// The error return is non-nil only for failures that prevent the stream from
	// starting. Later failures arrive as a Chunk with FinishReason
	// [FinishReasonError]. The returned channel is never nil when error is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)
}
