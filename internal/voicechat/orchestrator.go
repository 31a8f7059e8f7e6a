// Package voicechat composes upload, recognition, the conversation streamer,
// synthesis and the session store into voice and text turns.
//
// A voice turn runs strictly in order: validate the recording, mark the
// session seen, resolve its character, upload the audio, transcribe it, stream
// and collect the reply, synthesise it and append a voice record. The first
// failing step ends the turn with an [*Error]; earlier side effects (the
// "seen" mark, uploaded objects) are kept.
//
// Turns on different sessions, or on the same session, may run concurrently.
// The session store is the only shared mutable state.
package voicechat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxtalk/internal/chat"
	"github.com/MrWong99/voxtalk/internal/observe"
	"github.com/MrWong99/voxtalk/internal/persona"
	"github.com/MrWong99/voxtalk/internal/session"
	"github.com/MrWong99/voxtalk/pkg/provider/asr"
	"github.com/MrWong99/voxtalk/pkg/provider/tts"
	"github.com/MrWong99/voxtalk/pkg/storage"
	"github.com/MrWong99/voxtalk/pkg/types"
)

// DefaultBusinessType is the listing bucket voice and text turns are recorded
// under.
const DefaultBusinessType = "chat"

// sessionIDAttempts bounds the retries when a generated session id collides.
const sessionIDAttempts = 3

// Deps are the collaborators of an [Orchestrator]. All are required.
type Deps struct {
	Personas   persona.Store
	Sessions   *session.Store
	Uploader   storage.Uploader
	Recognizer asr.Provider
	Chat       *chat.Streamer
	Synth      tts.Provider
}

func (d Deps) validate() error {
	var errs []error
	if d.Personas == nil {
		errs = append(errs, errors.New("persona store is nil"))
	}
	if d.Sessions == nil {
		errs = append(errs, errors.New("session store is nil"))
	}
	if d.Uploader == nil {
		errs = append(errs, errors.New("uploader is nil"))
	}
	if d.Recognizer == nil {
		errs = append(errs, errors.New("recognizer is nil"))
	}
	if d.Chat == nil {
		errs = append(errs, errors.New("chat streamer is nil"))
	}
	if d.Synth == nil {
		errs = append(errs, errors.New("synthesizer is nil"))
	}
	return errors.Join(errs...)
}

// Option is a functional option for [New].
type Option func(*Orchestrator)

// WithBusinessType sets the bucket under which sessions are marked seen.
func WithBusinessType(bt string) Option {
	return func(o *Orchestrator) {
		if bt != "" {
			o.businessType = bt
		}
	}
}

// WithAudioPolicy replaces [DefaultAudioPolicy].
func WithAudioPolicy(p AudioPolicy) Option {
	return func(o *Orchestrator) { o.policy = p.normalize() }
}

// WithLanguage sets the recognition language hint.
func WithLanguage(lang string) Option {
	return func(o *Orchestrator) { o.language = lang }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock overrides time.Now for session ids and voice record timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator runs voice and text turns. It is safe for concurrent use.
type Orchestrator struct {
	personas   persona.Store
	sessions   *session.Store
	uploader   storage.Uploader
	recognizer asr.Provider
	chat       *chat.Streamer
	synth      tts.Provider

	businessType string
	policy       AudioPolicy
	language     string
	metrics      *observe.Metrics
	now          func() time.Time
}

// New creates an Orchestrator. Missing dependencies yield a
// [KindConfigInvalid] error.
func New(deps Deps, opts ...Option) (*Orchestrator, error) {
	if err := deps.validate(); err != nil {
		return nil, newError(KindConfigInvalid, err, "incomplete dependencies")
	}
	o := &Orchestrator{
		personas:     deps.Personas,
		sessions:     deps.Sessions,
		uploader:     deps.Uploader,
		recognizer:   deps.Recognizer,
		chat:         deps.Chat,
		synth:        deps.Synth,
		businessType: DefaultBusinessType,
		policy:       DefaultAudioPolicy().normalize(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o, nil
}

// BusinessType returns the bucket turns are recorded under.
func (o *Orchestrator) BusinessType() string { return o.businessType }

// GenerateSession creates a session for characterID and returns its id,
// "<characterID>-<unix millis>".
func (o *Orchestrator) GenerateSession(ctx context.Context, characterID int64) (string, error) {
	if characterID <= 0 {
		return "", newError(KindValidation, nil, "character id must be positive, got %d", characterID)
	}
	if _, err := o.character(ctx, characterID); err != nil {
		return "", err
	}

	base := o.now()
	for i := range sessionIDAttempts {
		created := base.Add(time.Duration(i) * time.Millisecond)
		s := &types.Session{
			ID:          fmt.Sprintf("%d-%d", characterID, created.UnixMilli()),
			CharacterID: characterID,
		}
		if _, taken := o.sessions.Binding(s.ID); taken {
			continue
		}
		err := o.personas.CreateSession(ctx, s)
		switch {
		case err == nil:
			if !o.sessions.Bind(*s) {
				continue
			}
			observe.Logger(ctx).Info("voicechat: session created", "session_id", s.ID, "character_id", characterID)
			return s.ID, nil
		case errors.Is(err, persona.ErrSessionExists):
			continue
		case errors.Is(err, persona.ErrCharacterNotFound):
			return "", newError(KindNotFound, err, "character %d does not exist", characterID)
		default:
			return "", newError(KindPersistenceFailure, err, "store session")
		}
	}
	return "", newError(KindPersistenceFailure, persona.ErrSessionExists, "no free session id for character %d", characterID)
}

// VoiceTurnRequest is one recorded user utterance.
type VoiceTurnRequest struct {
	SessionID string
	Filename  string
	Audio     []byte
}

// VoiceTurnResult carries both audio references of a completed turn.
type VoiceTurnResult struct {
	AgentVoice string `json:"agentVoice"`
	UserVoice  string `json:"userVoice"`
	Timestamp  int64  `json:"timestamp"`
	Transcript string `json:"transcript"`
	Reply      string `json:"reply"`
}

// VoiceTurn runs one voice exchange to completion. The returned error is
// always an [*Error].
func (o *Orchestrator) VoiceTurn(ctx context.Context, req VoiceTurnRequest) (*VoiceTurnResult, error) {
	start := time.Now()
	ctx, span := observe.StartSessionSpan(ctx, observe.SpanVoiceTurn, req.SessionID)
	defer span.End()

	o.metrics.ActiveTurns.Add(ctx, 1)
	defer o.metrics.ActiveTurns.Add(ctx, -1)

	res, err := o.voiceTurn(ctx, req)
	elapsed := time.Since(start)
	if err != nil {
		kind := KindOf(err)
		o.metrics.RecordVoiceTurn(ctx, string(kind), elapsed.Seconds())
		observe.Fail(span, err)
		observe.Logger(ctx).Warn("voicechat: voice turn failed",
			"session_id", req.SessionID, "kind", kind, "duration", elapsed, "err", err)
		return nil, err
	}
	o.metrics.RecordVoiceTurn(ctx, "ok", elapsed.Seconds())
	observe.Logger(ctx).Info("voicechat: voice turn complete",
		"session_id", req.SessionID, "duration", elapsed, "transcript_len", len(res.Transcript))
	return res, nil
}

func (o *Orchestrator) voiceTurn(ctx context.Context, req VoiceTurnRequest) (*VoiceTurnResult, error) {
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		return nil, newError(KindValidation, nil, "session id is required")
	}
	format, err := o.policy.Validate(req.Filename, req.Audio)
	if err != nil {
		return nil, err
	}

	o.sessions.MarkSeen(o.businessType, sessionID)

	char, err := o.resolve(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	key := "audio/" + ulid.Make().String() + "_" + storage.SafeName(req.Filename)
	userURL, err := o.upload(ctx, "user", key, req.Audio, format.ContentType())
	if err != nil {
		return nil, err
	}

	transcript, err := o.transcribe(ctx, asr.Request{
		FileURL:  userURL,
		Audio:    req.Audio,
		Format:   string(format),
		Language: o.language,
	})
	if err != nil {
		return nil, err
	}

	st, err := o.chat.Stream(ctx, chat.Request{SessionID: sessionID, SystemPrompt: char.Prompt, UserText: transcript})
	if err != nil {
		return nil, newError(KindStreamFailure, err, "start reply")
	}
	reply, err := chat.Collect(ctx, st)
	if err != nil {
		return nil, newError(KindStreamFailure, err, "reply stream failed")
	}

	agentURL, err := o.synthesize(ctx, reply, char)
	if err != nil {
		return nil, err
	}

	rec := types.VoiceRecord{UserVoice: userURL, AgentVoice: agentURL, Timestamp: o.now().UnixMilli()}
	o.sessions.AppendVoiceRecord(sessionID, rec)

	return &VoiceTurnResult{
		AgentVoice: rec.AgentVoice,
		UserVoice:  rec.UserVoice,
		Timestamp:  rec.Timestamp,
		Transcript: transcript,
		Reply:      reply,
	}, nil
}

// TextTurn starts a text exchange and returns the reply stream. The caller
// must drain it; the streamer records both messages once it completes.
func (o *Orchestrator) TextTurn(ctx context.Context, sessionID, text string) (*chat.Stream, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, newError(KindValidation, nil, "session id is required")
	}
	if strings.TrimSpace(text) == "" {
		return nil, newError(KindValidation, nil, "text must not be empty")
	}

	o.sessions.MarkSeen(o.businessType, sessionID)

	char, err := o.resolve(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	st, err := o.chat.Stream(ctx, chat.Request{SessionID: sessionID, SystemPrompt: char.Prompt, UserText: text})
	if err != nil {
		return nil, newError(KindStreamFailure, err, "start reply")
	}
	return st, nil
}

// ListSessions returns the session ids seen under businessType, newest first.
// An empty businessType selects the orchestrator's own.
func (o *Orchestrator) ListSessions(businessType string) []string {
	if businessType == "" {
		businessType = o.businessType
	}
	return o.sessions.SessionIDs(businessType)
}

// History returns the session's text messages followed by its voice records.
func (o *Orchestrator) History(sessionID string) []types.HistoryEntry {
	return o.sessions.History(sessionID)
}

// VoiceHistory returns the session's voice records in insertion order.
func (o *Orchestrator) VoiceHistory(sessionID string) []types.VoiceRecord {
	return o.sessions.VoiceHistory(sessionID)
}

// resolve returns the character bound to sessionID. The session store's
// binding wins; a session known only to the persona store is bound on first
// use so that it is part of the next snapshot.
func (o *Orchestrator) resolve(ctx context.Context, sessionID string) (*types.Character, error) {
	if s, ok := o.sessions.Binding(sessionID); ok {
		return o.character(ctx, s.CharacterID)
	}
	s, err := o.personas.GetSession(ctx, sessionID)
	if errors.Is(err, persona.ErrSessionNotFound) {
		return nil, newError(KindNotFound, err, "session %q does not exist", sessionID)
	}
	if err != nil {
		return nil, newError(KindPersistenceFailure, err, "look up session %q", sessionID)
	}
	o.sessions.Bind(*s)
	return o.character(ctx, s.CharacterID)
}

func (o *Orchestrator) character(ctx context.Context, id int64) (*types.Character, error) {
	c, err := o.personas.GetCharacter(ctx, id)
	if errors.Is(err, persona.ErrCharacterNotFound) {
		return nil, newError(KindNotFound, err, "character %d does not exist", id)
	}
	if err != nil {
		return nil, newError(KindPersistenceFailure, err, "look up character %d", id)
	}
	return c, nil
}

func (o *Orchestrator) upload(ctx context.Context, role, key string, data []byte, contentType string) (string, error) {
	ctx, span := observe.StartSpan(ctx, observe.SpanUpload,
		trace.WithAttributes(attribute.String("key", key), observe.AttrRole.String(role)))
	defer span.End()

	start := time.Now()
	url, err := o.uploader.Upload(ctx, key, data, contentType)
	o.metrics.UploadDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("role", role)))
	if err != nil {
		observe.Fail(span, err)
		return "", newError(KindUploadFailure, err, "upload %s audio", role)
	}
	return url, nil
}

func (o *Orchestrator) transcribe(ctx context.Context, req asr.Request) (string, error) {
	ctx, span := observe.StartSpan(ctx, observe.SpanTranscribe,
		trace.WithAttributes(attribute.String("file_url", req.FileURL)))
	defer span.End()

	start := time.Now()
	res, err := o.recognizer.Transcribe(ctx, req)
	status := "ok"
	if err != nil {
		status = "error"
	}
	o.metrics.ASRDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("status", status)))
	if err != nil {
		observe.Fail(span, err)
		return "", classifyRecognition(err)
	}
	span.SetAttributes(observe.AttrTaskID.String(res.TaskID))
	return res.Text, nil
}

// classifyRecognition maps a recognizer failure onto the error taxonomy,
// keeping the provider's status text in the message.
func classifyRecognition(err error) *Error {
	var te *asr.TaskError
	hasTask := errors.As(err, &te)
	switch {
	case errors.Is(err, asr.ErrPollTimeout):
		if hasTask && te.TaskID != "" {
			return newError(KindPollTimeout, err, "recognition task %s timed out", te.TaskID)
		}
		return newError(KindPollTimeout, err, "recognition timed out")
	case hasTask && te.Phase == asr.PhaseSubmit:
		return newError(KindSubmissionFailure, err, "recognition task rejected: %s", statusOf(te))
	case hasTask:
		return newError(KindTerminalFailure, err, "recognition failed: %s", statusOf(te))
	default:
		return newError(KindTerminalFailure, err, "recognition failed")
	}
}

func statusOf(te *asr.TaskError) string {
	switch {
	case te.Status != "" && te.Code != "":
		return te.Status + " (" + te.Code + ")"
	case te.Status != "":
		return te.Status
	case te.Code != "":
		return te.Code
	}
	return "no status"
}

// synthesize renders reply in the character's voice and returns a durable URL,
// uploading the audio when the backend returned bytes.
func (o *Orchestrator) synthesize(ctx context.Context, reply string, char *types.Character) (string, error) {
	ctx, span := observe.StartSpan(ctx, observe.SpanSynthesize,
		trace.WithAttributes(attribute.String("voice", char.Voice)))

	start := time.Now()
	res, err := o.synth.Synthesize(ctx, tts.Request{
		Text:   reply,
		Model:  char.VoiceModel,
		Voice:  char.Voice,
		Speed:  char.Speed,
		Volume: char.Volume,
	})
	o.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
	if err == nil && res.AudioURL == "" && len(res.Audio) == 0 {
		err = errors.New("backend returned no audio")
	}
	if err != nil {
		observe.Fail(span, err)
		span.End()
		return "", newError(KindSynthesisFailure, err, "synthesize reply")
	}
	span.End()

	if res.AudioURL != "" {
		return res.AudioURL, nil
	}
	key := "tts/" + uuid.NewString() + "." + storage.ContentTypeExt(res.ContentType)
	return o.upload(ctx, "agent", key, res.Audio, res.ContentType)
}
