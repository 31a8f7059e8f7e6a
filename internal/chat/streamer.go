// Package chat drives streamed exchanges with the conversational model.
//
// A [Streamer] threads the session's recent messages into every request so the
// model sees the conversation so far, forwards the reply fragment by fragment,
// and records the user turn together with the full reply once the stream ends
// cleanly. Failed or abandoned streams leave the session memory untouched.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxtalk/internal/observe"
	"github.com/MrWong99/voxtalk/pkg/provider/llm"
	"github.com/MrWong99/voxtalk/pkg/types"
)

// ErrEmptyResponse is returned when the model produced no text. The cause, if
// any, is joined to it.
var ErrEmptyResponse = errors.New("chat: model produced no output")

// DefaultMaxHistory is the number of prior messages sent with each request.
const DefaultMaxHistory = 20

// Memory is the per-session message log the streamer reads from and appends
// to. *session.Store satisfies it.
type Memory interface {
	RecentMessages(sessionID string, n int) []types.Message
	AppendMessage(sessionID string, msgs ...types.Message)
}

// Request is one user turn.
type Request struct {
	SessionID    string
	SystemPrompt string
	UserText     string
}

// Option configures a [Streamer].
type Option func(*Streamer)

// WithMaxHistory sets how many prior messages accompany each request. Zero
// sends none; a negative value sends the whole session.
func WithMaxHistory(n int) Option {
	return func(s *Streamer) { s.maxHistory = n }
}

// WithTemperature sets the sampling temperature forwarded to the model.
func WithTemperature(t float64) Option {
	return func(s *Streamer) { s.temperature = t }
}

// WithMaxTokens caps the reply length forwarded to the model.
func WithMaxTokens(n int) Option {
	return func(s *Streamer) { s.maxTokens = n }
}

// WithMetrics records LLM latency and provider counters.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Streamer) { s.metrics = m }
}

// WithProviderName labels metrics with the configured provider name.
func WithProviderName(name string) Option {
	return func(s *Streamer) { s.providerName = name }
}

// Streamer runs conversation turns against an [llm.Provider].
// It is safe for concurrent use.
type Streamer struct {
	llm          llm.Provider
	memory       Memory
	maxHistory   int
	temperature  float64
	maxTokens    int
	metrics      *observe.Metrics
	providerName string
}

// New creates a Streamer.
func New(p llm.Provider, mem Memory, opts ...Option) *Streamer {
	s := &Streamer{
		llm:          p,
		memory:       mem,
		maxHistory:   DefaultMaxHistory,
		providerName: "llm",
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Stream starts a turn. The returned error is non-nil only when the model
// call could not be started; it then wraps [ErrEmptyResponse].
//
// The caller must drain [Stream.Fragments] (or cancel ctx) to release the
// underlying model stream.
func (s *Streamer) Stream(ctx context.Context, req Request) (*Stream, error) {
	if strings.TrimSpace(req.SessionID) == "" {
		return nil, errors.New("chat: session id is required")
	}

	var history []types.Message
	switch {
	case s.maxHistory < 0:
		history = s.memory.RecentMessages(req.SessionID, 0)
	case s.maxHistory > 0:
		history = s.memory.RecentMessages(req.SessionID, s.maxHistory)
	}
	user := types.Message{Role: types.RoleUser, Content: req.UserText}
	msgs := append(history, user)

	ctx, span := observe.StartSessionSpan(ctx, observe.SpanChatStream, req.SessionID)

	start := time.Now()
	chunks, err := s.llm.StreamCompletion(ctx, llm.CompletionRequest{
		Messages:     msgs,
		SystemPrompt: req.SystemPrompt,
		SessionID:    req.SessionID,
		Temperature:  s.temperature,
		MaxTokens:    s.maxTokens,
	})
	if err != nil {
		s.record(ctx, "error", time.Since(start))
		observe.Fail(span, err)
		span.End()
		return nil, fmt.Errorf("chat: start stream: %w", errors.Join(ErrEmptyResponse, err))
	}

	st := &Stream{frags: make(chan string)}
	go s.pump(ctx, span, start, req.SessionID, user, chunks, st)
	return st, nil
}

// pump forwards chunks to st and commits the exchange to memory on success.
func (s *Streamer) pump(ctx context.Context, span trace.Span, start time.Time, sessionID string, user types.Message, chunks <-chan llm.Chunk, st *Stream) {
	defer span.End()
	defer close(st.frags)

	var (
		reply     strings.Builder
		streamErr error
		abandoned bool
		finished  bool
	)
	for c := range chunks {
		if c.FinishReason == llm.FinishReasonError {
			streamErr = fmt.Errorf("chat: model stream failed: %s", c.Text)
			continue
		}
		if c.FinishReason != "" {
			finished = true
		}
		if c.Text == "" || abandoned || streamErr != nil {
			continue
		}
		select {
		case st.frags <- c.Text:
			reply.WriteString(c.Text)
		case <-ctx.Done():
			// Keep draining so the provider goroutine can exit.
			abandoned = true
		}
	}
	// A provider cut short by cancellation closes its channel without a
	// finish reason.
	if streamErr == nil && (abandoned || (!finished && ctx.Err() != nil)) {
		streamErr = fmt.Errorf("chat: stream abandoned: %w", context.Cause(ctx))
	}
	if streamErr == nil && reply.Len() == 0 {
		streamErr = ErrEmptyResponse
	} else if streamErr != nil && reply.Len() == 0 {
		streamErr = errors.Join(ErrEmptyResponse, streamErr)
	}

	elapsed := time.Since(start)
	if streamErr != nil {
		s.record(ctx, "error", elapsed)
		observe.Fail(span, streamErr)
		observe.Logger(ctx).Warn("chat stream failed",
			"session_id", sessionID,
			"fragments_chars", reply.Len(),
			"err", streamErr,
		)
		st.err = streamErr
		return
	}

	st.text = reply.String()
	s.memory.AppendMessage(sessionID, user, types.Message{Role: types.RoleAssistant, Content: st.text})
	s.record(ctx, "ok", elapsed)
	observe.Logger(ctx).Debug("chat stream complete",
		"session_id", sessionID,
		"reply_chars", len(st.text),
		"duration", elapsed,
	)
}

func (s *Streamer) record(ctx context.Context, status string, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordProviderRequest(ctx, s.providerName, "llm", status)
	if status != "ok" {
		s.metrics.RecordProviderError(ctx, s.providerName, "llm")
		return
	}
	s.metrics.LLMDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(attribute.String("provider", s.providerName)))
}

// Stream is a finite, non-restartable sequence of reply fragments.
type Stream struct {
	frags chan string

	// Written before frags is closed.
	err  error
	text string
}

// Fragments returns the fragment channel. It is closed when the reply is
// complete or the stream failed.
func (s *Stream) Fragments() <-chan string { return s.frags }

// Err reports why the stream ended. Only valid after Fragments is closed.
func (s *Stream) Err() error { return s.err }

// Text returns the full reply. Only valid after Fragments is closed with a
// nil Err.
func (s *Stream) Text() string { return s.text }

// Collect drains st and returns the concatenated reply. A failed stream yields
// its error; a stream without text yields an error wrapping
// [ErrEmptyResponse].
func Collect(ctx context.Context, st *Stream) (string, error) {
	var b strings.Builder
	for {
		select {
		case f, ok := <-st.Fragments():
			if !ok {
				if err := st.Err(); err != nil {
					return "", err
				}
				return b.String(), nil
			}
			b.WriteString(f)
		case <-ctx.Done():
			return "", fmt.Errorf("chat: collect: %w", ctx.Err())
		}
	}
}
