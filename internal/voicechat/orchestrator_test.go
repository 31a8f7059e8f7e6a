package voicechat_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/voxtalk/internal/chat"
	"github.com/MrWong99/voxtalk/internal/persona"
	"github.com/MrWong99/voxtalk/internal/session"
	"github.com/MrWong99/voxtalk/internal/voicechat"
	"github.com/MrWong99/voxtalk/pkg/audio"
	"github.com/MrWong99/voxtalk/pkg/provider/asr"
	"github.com/MrWong99/voxtalk/pkg/provider/asr/aliyun"
	asrmock "github.com/MrWong99/voxtalk/pkg/provider/asr/mock"
	"github.com/MrWong99/voxtalk/pkg/provider/llm"
	llmmock "github.com/MrWong99/voxtalk/pkg/provider/llm/mock"
	"github.com/MrWong99/voxtalk/pkg/provider/tts"
	ttsmock "github.com/MrWong99/voxtalk/pkg/provider/tts/mock"
	storagemock "github.com/MrWong99/voxtalk/pkg/storage/mock"
	"github.com/MrWong99/voxtalk/pkg/types"
)

var ava = types.Character{
	ID:         7,
	Name:       "Ava",
	Prompt:     "You are Ava, a cheerful assistant.",
	VoiceModel: "edge-tts",
	Voice:      "en-US-AvaNeural",
	Speed:      1.1,
	Volume:     0.8,
}

type fixture struct {
	personas *persona.MemStore
	sessions *session.Store
	uploader *storagemock.Uploader
	asr      *asrmock.Provider
	llm      *llmmock.Provider
	tts      *ttsmock.Provider
	orch     *voicechat.Orchestrator
}

func newFixture(t *testing.T, opts ...voicechat.Option) *fixture {
	t.Helper()
	f := &fixture{
		personas: persona.NewMemStore(),
		sessions: session.New(nil),
		uploader: &storagemock.Uploader{BaseURL: "https://x"},
		asr:      &asrmock.Provider{Result: &asr.Result{Text: "hello", TaskID: "T1", Status: "SUCCESS"}},
		llm: &llmmock.Provider{StreamChunks: []llm.Chunk{
			{Text: "Hi"}, {Text: " there", FinishReason: "stop"},
		}},
		tts: &ttsmock.Provider{SynthesizeResult: &tts.Result{AudioURL: "https://x/tts/1.mp3"}},
	}
	if err := f.personas.Seed(context.Background(), []types.Character{ava}); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	opts = append([]voicechat.Option{voicechat.WithClock(fixedClock(1000))}, opts...)
	orch, err := voicechat.New(voicechat.Deps{
		Personas:   f.personas,
		Sessions:   f.sessions,
		Uploader:   f.uploader,
		Recognizer: f.asr,
		Chat:       chat.New(f.llm, f.sessions),
		Synth:      f.tts,
	}, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.orch = orch
	return f
}

func fixedClock(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms) }
}

func wav2s() []byte {
	return audio.BuildWAV(make([]byte, 2*16000*2), 16000, 1, 16)
}

func (f *fixture) session(t *testing.T) string {
	t.Helper()
	id, err := f.orch.GenerateSession(context.Background(), ava.ID)
	if err != nil {
		t.Fatalf("GenerateSession: %v", err)
	}
	return id
}

func TestNew_MissingDeps(t *testing.T) {
	t.Parallel()

	_, err := voicechat.New(voicechat.Deps{Sessions: session.New(nil)})
	if voicechat.KindOf(err) != voicechat.KindConfigInvalid {
		t.Fatalf("err = %v, want ConfigInvalid", err)
	}
	for _, want := range []string{"persona store", "uploader", "recognizer", "chat streamer", "synthesizer"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("err %q does not mention %q", err, want)
		}
	}
}

func TestGenerateSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	id := f.session(t)
	if id != "7-1000" {
		t.Fatalf("id = %q, want 7-1000", id)
	}
	s, err := f.personas.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if s.CharacterID != 7 {
		t.Errorf("CharacterID = %d, want 7", s.CharacterID)
	}
	if b, ok := f.sessions.Binding(id); !ok || b.CharacterID != 7 {
		t.Errorf("Binding = %+v, %v; want character 7", b, ok)
	}

	// Same clock reading: the id moves forward by a millisecond.
	next, err := f.orch.GenerateSession(ctx, ava.ID)
	if err != nil {
		t.Fatalf("second GenerateSession: %v", err)
	}
	if next != "7-1001" {
		t.Errorf("second id = %q, want 7-1001", next)
	}
}

func TestGenerateSession_Errors(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if _, err := f.orch.GenerateSession(context.Background(), 99); voicechat.KindOf(err) != voicechat.KindNotFound {
		t.Errorf("unknown character: err = %v, want NotFound", err)
	}
	if _, err := f.orch.GenerateSession(context.Background(), 0); voicechat.KindOf(err) != voicechat.KindValidation {
		t.Errorf("zero character: err = %v, want ValidationError", err)
	}
}

// aliyunFake serves SubmitTask and a scripted sequence of GetTaskResult
// responses.
type aliyunFake struct {
	mu       sync.Mutex
	polls    []string
	pollHits int
	fileLink string
}

func (a *aliyunFake) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	switch r.Form.Get("Action") {
	case "SubmitTask":
		var task struct {
			FileLink string `json:"file_link"`
		}
		_ = json.Unmarshal([]byte(r.Form.Get("Task")), &task)
		a.fileLink = task.FileLink
		_, _ = w.Write([]byte(`{"TaskId":"T1","StatusCode":21050000,"StatusText":"SUCCESS"}`))
	case "GetTaskResult":
		i := min(a.pollHits, len(a.polls)-1)
		a.pollHits++
		_, _ = w.Write([]byte(a.polls[i]))
	default:
		http.Error(w, "unknown action", http.StatusBadRequest)
	}
}

func (a *aliyunFake) observed() (fileLink string, polls int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fileLink, a.pollHits
}

func TestVoiceTurn_EndToEnd(t *testing.T) {
	t.Parallel()

	fake := &aliyunFake{polls: []string{
		`{"TaskId":"T1","StatusText":"RUNNING"}`,
		`{"TaskId":"T1","StatusText":"SUCCESS","Result":{"Sentences":[{"Text":"hello","BeginTime":0,"EndTime":900}]}}`,
	}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	recognizer, err := aliyun.New(aliyun.Credentials{AccessKeyID: "id", AccessKeySecret: "secret", AppKey: "app"},
		aliyun.WithEndpoint(srv.URL+"/"),
		aliyun.WithHTTPClient(srv.Client()),
		aliyun.WithPollInterval(0),
	)
	if err != nil {
		t.Fatalf("aliyun.New: %v", err)
	}

	f := newFixture(t)
	f.uploader.URLFunc = func(key string) string {
		if strings.HasPrefix(key, "audio/") {
			return "https://x/audio/1.wav"
		}
		return "https://x/" + key
	}
	orch, err := voicechat.New(voicechat.Deps{
		Personas:   f.personas,
		Sessions:   f.sessions,
		Uploader:   f.uploader,
		Recognizer: recognizer,
		Chat:       chat.New(f.llm, f.sessions),
		Synth:      f.tts,
	}, voicechat.WithClock(fixedClock(1000)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	id, err := orch.GenerateSession(ctx, 7)
	if err != nil || id != "7-1000" {
		t.Fatalf("GenerateSession = %q, %v; want 7-1000", id, err)
	}

	res, err := orch.VoiceTurn(ctx, voicechat.VoiceTurnRequest{SessionID: id, Filename: "hello.wav", Audio: wav2s()})
	if err != nil {
		t.Fatalf("VoiceTurn: %v", err)
	}

	want := voicechat.VoiceTurnResult{
		AgentVoice: "https://x/tts/1.mp3",
		UserVoice:  "https://x/audio/1.wav",
		Timestamp:  1000,
		Transcript: "hello",
		Reply:      "Hi there",
	}
	if *res != want {
		t.Errorf("result = %+v, want %+v", *res, want)
	}
	fileLink, polls := fake.observed()
	if fileLink != "https://x/audio/1.wav" {
		t.Errorf("submitted file_link = %q", fileLink)
	}
	if polls != 2 {
		t.Errorf("poll requests = %d, want 2", polls)
	}

	// The reply was synthesized with the character's voice profile.
	calls := f.tts.Calls()
	if len(calls) != 1 {
		t.Fatalf("synthesize calls = %d, want 1", len(calls))
	}
	got := calls[0].Req
	if got.Text != "Hi there" || got.Model != ava.VoiceModel || got.Voice != ava.Voice || got.Speed != ava.Speed || got.Volume != ava.Volume {
		t.Errorf("synthesize request = %+v", got)
	}

	// The model saw the character prompt and the transcript.
	llmCalls := f.llm.Calls()
	if len(llmCalls) != 1 || llmCalls[0].Req.SystemPrompt != ava.Prompt || llmCalls[0].Req.SessionID != id {
		t.Fatalf("llm calls = %+v", llmCalls)
	}

	voices := orch.VoiceHistory(id)
	if len(voices) != 1 || voices[0].UserVoice != "https://x/audio/1.wav" || voices[0].AgentVoice != "https://x/tts/1.mp3" {
		t.Errorf("voice history = %+v", voices)
	}
	history := orch.History(id)
	wantKinds := []types.HistoryKind{types.HistoryText, types.HistoryText, types.HistoryVoice}
	if len(history) != len(wantKinds) {
		t.Fatalf("history = %+v", history)
	}
	for i, k := range wantKinds {
		if history[i].Kind != k {
			t.Errorf("history[%d].Kind = %q, want %q", i, history[i].Kind, k)
		}
	}
	if history[0].Content != "hello" || history[1].Content != "Hi there" {
		t.Errorf("text history = %+v", history[:2])
	}
	if ids := orch.ListSessions(""); len(ids) != 1 || ids[0] != id {
		t.Errorf("ListSessions = %v", ids)
	}
}

func TestVoiceTurn_UploadsSynthesizedBytes(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.tts.SynthesizeResult = &tts.Result{Audio: []byte("ID3 fake mp3"), ContentType: "audio/mpeg"}
	id := f.session(t)

	res, err := f.orch.VoiceTurn(context.Background(), voicechat.VoiceTurnRequest{SessionID: id, Filename: "my voice.wav", Audio: wav2s()})
	if err != nil {
		t.Fatalf("VoiceTurn: %v", err)
	}

	uploads := f.uploader.Uploads()
	if len(uploads) != 2 {
		t.Fatalf("uploads = %d, want 2", len(uploads))
	}
	user, agent := uploads[0], uploads[1]
	if !strings.HasPrefix(user.Key, "audio/") || !strings.HasSuffix(user.Key, "_my_voice.wav") || user.ContentType != "audio/wav" {
		t.Errorf("user upload = %q (%s)", user.Key, user.ContentType)
	}
	if !strings.HasPrefix(agent.Key, "tts/") || !strings.HasSuffix(agent.Key, ".mp3") || agent.ContentType != "audio/mpeg" {
		t.Errorf("agent upload = %q (%s)", agent.Key, agent.ContentType)
	}
	if res.AgentVoice != "https://x/"+agent.Key {
		t.Errorf("AgentVoice = %q", res.AgentVoice)
	}
}

func TestVoiceTurn_EmptyTranscriptIsNotAnError(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.asr.Result = &asr.Result{Text: "", Status: "SUCCESS_WITH_NO_VALID_FRAGMENT"}
	id := f.session(t)

	res, err := f.orch.VoiceTurn(context.Background(), voicechat.VoiceTurnRequest{SessionID: id, Filename: "a.wav", Audio: wav2s()})
	if err != nil {
		t.Fatalf("VoiceTurn: %v", err)
	}
	if res.Transcript != "" || res.Reply != "Hi there" {
		t.Errorf("result = %+v", res)
	}
}

func TestVoiceTurn_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		setup   func(f *fixture)
		req     func(id string) voicechat.VoiceTurnRequest
		want    voicechat.Kind
		msg     string
		uploads int
	}{
		{
			name:  "invalid audio",
			setup: func(*fixture) {},
			req: func(id string) voicechat.VoiceTurnRequest {
				return voicechat.VoiceTurnRequest{SessionID: id, Filename: "a.txt", Audio: wav2s()}
			},
			want: voicechat.KindValidation,
		},
		{
			name:  "unknown session",
			setup: func(*fixture) {},
			req: func(string) voicechat.VoiceTurnRequest {
				return voicechat.VoiceTurnRequest{SessionID: "9-1", Filename: "a.wav", Audio: wav2s()}
			},
			want: voicechat.KindNotFound,
		},
		{
			name:    "upload",
			setup:   func(f *fixture) { f.uploader.UploadErr = errors.New("bucket unreachable") },
			want:    voicechat.KindUploadFailure,
			uploads: 1,
		},
		{
			name: "submission rejected",
			setup: func(f *fixture) {
				f.asr.Err = &asr.TaskError{Phase: asr.PhaseSubmit, Status: "USER_BIZDURATION_QUOTA_EXCEED", Code: "40000010"}
			},
			want:    voicechat.KindSubmissionFailure,
			msg:     "USER_BIZDURATION_QUOTA_EXCEED (40000010)",
			uploads: 1,
		},
		{
			name: "terminal failure",
			setup: func(f *fixture) {
				f.asr.Err = &asr.TaskError{Phase: asr.PhasePoll, TaskID: "T1", Status: "FILE_DOWNLOAD_FAILED"}
			},
			want:    voicechat.KindTerminalFailure,
			msg:     "FILE_DOWNLOAD_FAILED",
			uploads: 1,
		},
		{
			name: "poll timeout",
			setup: func(f *fixture) {
				f.asr.Err = fmt.Errorf("aliyun: poll task T1: still RUNNING after 30 attempts: %w", asr.ErrPollTimeout)
			},
			want:    voicechat.KindPollTimeout,
			uploads: 1,
		},
		{
			name:    "empty reply",
			setup:   func(f *fixture) { f.llm.StreamChunks = []llm.Chunk{{FinishReason: "stop"}} },
			want:    voicechat.KindStreamFailure,
			uploads: 1,
		},
		{
			name:    "model unavailable",
			setup:   func(f *fixture) { f.llm.StreamErr = errors.New("503") },
			want:    voicechat.KindStreamFailure,
			uploads: 1,
		},
		{
			name:    "synthesis",
			setup:   func(f *fixture) { f.tts.SynthesizeErr = errors.New("voice not found") },
			want:    voicechat.KindSynthesisFailure,
			uploads: 1,
		},
		{
			name:    "synthesis without audio",
			setup:   func(f *fixture) { f.tts.SynthesizeResult = &tts.Result{} },
			want:    voicechat.KindSynthesisFailure,
			uploads: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			id := f.session(t)
			tt.setup(f)
			req := voicechat.VoiceTurnRequest{SessionID: id, Filename: "a.wav", Audio: wav2s()}
			if tt.req != nil {
				req = tt.req(id)
			}

			res, err := f.orch.VoiceTurn(context.Background(), req)
			if err == nil {
				t.Fatalf("VoiceTurn = %+v, want %s error", res, tt.want)
			}
			var verr *voicechat.Error
			if !errors.As(err, &verr) {
				t.Fatalf("err %T is not *voicechat.Error", err)
			}
			if verr.Kind != tt.want {
				t.Errorf("kind = %s, want %s (err: %v)", verr.Kind, tt.want, err)
			}
			if tt.msg != "" && !strings.Contains(verr.Message, tt.msg) {
				t.Errorf("message = %q, want it to contain %q", verr.Message, tt.msg)
			}
			if n := len(f.uploader.Uploads()); n != tt.uploads {
				t.Errorf("uploads = %d, want %d", n, tt.uploads)
			}
			if n := len(f.orch.VoiceHistory(req.SessionID)); n != 0 {
				t.Errorf("voice records = %d after failure, want 0", n)
			}
		})
	}
}

func TestVoiceTurn_SeenSurvivesFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.asr.Err = &asr.TaskError{Phase: asr.PhasePoll, Status: "FAILED"}
	id := f.session(t)

	if _, err := f.orch.VoiceTurn(context.Background(), voicechat.VoiceTurnRequest{SessionID: id, Filename: "a.wav", Audio: wav2s()}); err == nil {
		t.Fatal("expected error")
	}
	if ids := f.orch.ListSessions(voicechat.DefaultBusinessType); len(ids) != 1 || ids[0] != id {
		t.Errorf("ListSessions = %v, want [%s]", ids, id)
	}
	if msgs := f.sessions.Messages(id); len(msgs) != 0 {
		t.Errorf("messages = %+v, want none", msgs)
	}
}

func TestVoiceTurn_ValidationSkipsSideEffects(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id := f.session(t)

	_, err := f.orch.VoiceTurn(context.Background(), voicechat.VoiceTurnRequest{SessionID: id, Filename: "a.wav", Audio: nil})
	if voicechat.KindOf(err) != voicechat.KindValidation {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if ids := f.orch.ListSessions(""); len(ids) != 0 {
		t.Errorf("ListSessions = %v, want none", ids)
	}
	if f.asr.CallCount() != 0 {
		t.Errorf("recognizer called %d times", f.asr.CallCount())
	}
}

func TestVoiceTurn_ConcurrentSessions(t *testing.T) {
	t.Parallel()
	var tick atomic.Int64
	f := newFixture(t, voicechat.WithClock(func() time.Time {
		return time.UnixMilli(1000 + 10*tick.Add(1))
	}))
	ctx := context.Background()

	const sessions, turns = 4, 5
	ids := make([]string, sessions)
	for i := range ids {
		id, err := f.orch.GenerateSession(ctx, ava.ID)
		if err != nil {
			t.Fatalf("GenerateSession: %v", err)
		}
		ids[i] = id
	}

	var wg sync.WaitGroup
	errs := make(chan error, sessions*turns)
	for _, id := range ids {
		for range turns {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.orch.VoiceTurn(ctx, voicechat.VoiceTurnRequest{SessionID: id, Filename: "a.wav", Audio: wav2s()})
				errs <- err
			}()
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("VoiceTurn: %v", err)
		}
	}

	for _, id := range ids {
		if n := len(f.orch.VoiceHistory(id)); n != turns {
			t.Errorf("session %s: %d voice records, want %d", id, n, turns)
		}
		if n := len(f.sessions.Messages(id)); n != 2*turns {
			t.Errorf("session %s: %d messages, want %d", id, n, 2*turns)
		}
	}
	if n := len(f.orch.ListSessions("")); n != sessions {
		t.Errorf("ListSessions = %d ids, want %d", n, sessions)
	}
}

func TestTextTurn(t *testing.T) {
	t.Parallel()
	f := newFixture(t, voicechat.WithBusinessType("support"))
	id := f.session(t)
	ctx := context.Background()

	st, err := f.orch.TextTurn(ctx, id, "how are you?")
	if err != nil {
		t.Fatalf("TextTurn: %v", err)
	}
	var frags []string
	for frag := range st.Fragments() {
		frags = append(frags, frag)
	}
	if err := st.Err(); err != nil {
		t.Fatalf("stream: %v", err)
	}
	if strings.Join(frags, "|") != "Hi| there" {
		t.Errorf("fragments = %q", frags)
	}

	msgs := f.sessions.Messages(id)
	if len(msgs) != 2 || msgs[0].Content != "how are you?" || msgs[1].Content != "Hi there" {
		t.Errorf("messages = %+v", msgs)
	}
	if ids := f.orch.ListSessions("support"); len(ids) != 1 {
		t.Errorf("ListSessions(support) = %v", ids)
	}
	if ids := f.orch.ListSessions(voicechat.DefaultBusinessType); len(ids) != 0 {
		t.Errorf("ListSessions(chat) = %v, want none", ids)
	}
}

func TestTextTurn_Errors(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id := f.session(t)
	ctx := context.Background()

	if _, err := f.orch.TextTurn(ctx, id, "  "); voicechat.KindOf(err) != voicechat.KindValidation {
		t.Errorf("blank text: err = %v", err)
	}
	if _, err := f.orch.TextTurn(ctx, "", "hi"); voicechat.KindOf(err) != voicechat.KindValidation {
		t.Errorf("blank session: err = %v", err)
	}
	if _, err := f.orch.TextTurn(ctx, "8-1", "hi"); voicechat.KindOf(err) != voicechat.KindNotFound {
		t.Errorf("unknown session: err = %v", err)
	}
	f.llm.StreamErr = errors.New("down")
	if _, err := f.orch.TextTurn(ctx, id, "hi"); voicechat.KindOf(err) != voicechat.KindStreamFailure {
		t.Errorf("model down: err = %v", err)
	}
}

func TestTextTurn_RestoredSession(t *testing.T) {
	t.Parallel()
	before := newFixture(t)
	id := before.session(t)

	// A fresh process: empty persona store, session store loaded from the
	// previous snapshot.
	after := newFixture(t)
	after.sessions.Restore(before.sessions.Snapshot())

	st, err := after.orch.TextTurn(context.Background(), id, "still there?")
	if err != nil {
		t.Fatalf("TextTurn after restore: %v", err)
	}
	reply, err := chat.Collect(context.Background(), st)
	if err != nil || reply != "Hi there" {
		t.Fatalf("reply = %q, %v", reply, err)
	}
}

func TestGenerateSession_SkipsRestoredIDs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.sessions.Bind(types.Session{ID: "7-1000", CharacterID: 7})

	id, err := f.orch.GenerateSession(context.Background(), ava.ID)
	if err != nil {
		t.Fatalf("GenerateSession: %v", err)
	}
	if id != "7-1001" {
		t.Errorf("id = %q, want 7-1001", id)
	}
}

func TestResolve_BindsPersonaOnlySession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	if err := f.personas.CreateSession(ctx, &types.Session{ID: "7-55", CharacterID: 7}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	st, err := f.orch.TextTurn(ctx, "7-55", "hi")
	if err != nil {
		t.Fatalf("TextTurn: %v", err)
	}
	if _, err := chat.Collect(ctx, st); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if b, ok := f.sessions.Binding("7-55"); !ok || b.CharacterID != 7 {
		t.Errorf("Binding = %+v, %v", b, ok)
	}
}

func TestHistory_UnknownSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if h := f.orch.History("nope"); h == nil || len(h) != 0 {
		t.Errorf("History = %#v, want empty non-nil", h)
	}
	if v := f.orch.VoiceHistory("nope"); v == nil || len(v) != 0 {
		t.Errorf("VoiceHistory = %#v, want empty non-nil", v)
	}
}
