package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/voxtalk"

// Span names of a voice turn. The turn span is the parent of the step spans;
// chat.stream covers the model call of both voice and text turns.
const (
	SpanVoiceTurn  = "voicechat.voice_turn"
	SpanUpload     = "voicechat.upload"
	SpanTranscribe = "voicechat.transcribe"
	SpanSynthesize = "voicechat.synthesize"
	SpanChatStream = "chat.stream"
)

// Attribute keys shared by spans and log records.
const (
	AttrSessionID = attribute.Key("session_id")
	AttrTaskID    = attribute.Key("task_id")
	AttrRole      = attribute.Key("role")
)

// StartSpan starts a span on the global tracer provider. The caller must end
// it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// StartSessionSpan starts a span tagged with the session it works on.
func StartSessionSpan(ctx context.Context, name, sessionID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, AttrSessionID.String(sessionID))
	return StartSpan(ctx, name, trace.WithAttributes(attrs...))
}

// Fail records err on span and marks it failed. A nil err is a no-op.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// CorrelationID is the trace id of the span in ctx, or "" without one. It
// doubles as the [CorrelationHeader] response value.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger, carrying trace_id and span_id when ctx
// holds a span.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return slog.Default()
	}
	return slog.Default().With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
