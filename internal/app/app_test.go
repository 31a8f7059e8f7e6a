package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxtalk/internal/app"
	"github.com/MrWong99/voxtalk/internal/config"
	"github.com/MrWong99/voxtalk/internal/persona"
	"github.com/MrWong99/voxtalk/internal/resilience"
	"github.com/MrWong99/voxtalk/internal/session"
	"github.com/MrWong99/voxtalk/pkg/audio"
	"github.com/MrWong99/voxtalk/pkg/provider/asr"
	asrmock "github.com/MrWong99/voxtalk/pkg/provider/asr/mock"
	"github.com/MrWong99/voxtalk/pkg/provider/llm"
	llmmock "github.com/MrWong99/voxtalk/pkg/provider/llm/mock"
	"github.com/MrWong99/voxtalk/pkg/provider/tts"
	ttsmock "github.com/MrWong99/voxtalk/pkg/provider/tts/mock"
	"github.com/MrWong99/voxtalk/pkg/storage"
	storagemock "github.com/MrWong99/voxtalk/pkg/storage/mock"
	"github.com/MrWong99/voxtalk/pkg/types"
)

var ava = types.Character{ID: 7, Name: "Ava", Prompt: "You are Ava.", Voice: "en-US-AvaNeural"}

// testConfig returns a minimal config persisting snapshots below dir.
func testConfig(dir string) *config.Config {
	cfg := &config.Config{
		Server:      config.ServerConfig{LogLevel: config.LogInfo},
		Persistence: config.PersistenceConfig{Backend: config.PersistenceFile, Dir: dir},
		Personas:    config.PersonasConfig{Characters: []types.Character{ava}},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

// testProviders returns mock providers for every slot.
func testProviders() *app.Providers {
	return &app.Providers{
		ASR:     &asrmock.Provider{Result: &asr.Result{Text: "hello"}},
		LLM:     &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "Hi"}, {Text: " there", FinishReason: "stop"}}},
		TTS:     &ttsmock.Provider{SynthesizeResult: &tts.Result{AudioURL: "https://x/tts/1.mp3"}},
		Storage: &storagemock.Uploader{BaseURL: "https://x"},
	}
}

func shutdown(t *testing.T, a *app.App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}

func post(t *testing.T, h http.Handler, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNew_MissingProviders(t *testing.T) {
	t.Parallel()

	ps := testProviders()
	ps.TTS = nil
	_, err := app.New(context.Background(), testConfig(t.TempDir()), ps)
	if err == nil || !strings.Contains(err.Error(), "tts") {
		t.Fatalf("err = %v, want missing tts provider", err)
	}
}

func TestNew_SeedsCharacters(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(t.TempDir()), testProviders())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer shutdown(t, a)

	c, err := a.Personas().GetCharacter(context.Background(), ava.ID)
	if err != nil || c.Name != "Ava" {
		t.Fatalf("GetCharacter = %+v, %v", c, err)
	}
}

func TestApp_SnapshotSurvivesRestart(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	first, err := app.New(context.Background(), testConfig(dir), testProviders())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	rec := post(t, first.Handler(), "/api/sessions", `{"character_id":7}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create session: %d %s", rec.Code, rec.Body)
	}
	var created struct {
		Data struct {
			SessionID string `json:"session_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	sessionID := created.Data.SessionID
	if ids := first.Sessions().SessionIDs("chat"); len(ids) != 0 {
		t.Fatalf("a fresh session is listed before its first turn: %v", ids)
	}
	rec = post(t, first.Handler(), "/api/sessions/"+sessionID+"/chat", `{"text":"hello"}`)
	if rec.Code != http.StatusOK || rec.Body.String() != "Hi there" {
		t.Fatalf("chat: %d %q", rec.Code, rec.Body)
	}
	shutdown(t, first)

	for _, name := range []string{session.HistoryFile, session.MemoryFile, session.VoiceFile, session.BindingFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("snapshot file %s: %v", name, err)
		}
	}

	second, err := app.New(context.Background(), testConfig(dir), testProviders())
	if err != nil {
		t.Fatalf("New() after restart error: %v", err)
	}
	defer shutdown(t, second)

	if ids := second.Sessions().SessionIDs("chat"); len(ids) != 1 || ids[0] != sessionID {
		t.Errorf("restored sessions = %v, want [%s]", ids, sessionID)
	}
	msgs := second.Sessions().Messages(sessionID)
	if len(msgs) != 2 || msgs[0].Content != "hello" || msgs[1].Content != "Hi there" {
		t.Errorf("restored messages = %+v", msgs)
	}

	// The restored session keeps working with the in-memory persona store.
	rec = post(t, second.Handler(), "/api/sessions/"+sessionID+"/chat", `{"text":"again"}`)
	if rec.Code != http.StatusOK || rec.Body.String() != "Hi there" {
		t.Fatalf("chat after restart: %d %q", rec.Code, rec.Body)
	}
	if n := len(second.Sessions().Messages(sessionID)); n != 4 {
		t.Errorf("messages after second turn = %d, want 4", n)
	}
}

func TestNew_CorruptSnapshotIsFatal(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, session.MemoryFile), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := app.New(context.Background(), testConfig(dir), testProviders())
	if !errors.Is(err, session.ErrLoadFailed) {
		t.Fatalf("err = %v, want ErrLoadFailed", err)
	}
}

func TestApp_ShutdownFlushFailureIsLogged(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	// The snapshot directory lies below a regular file, so saving fails.
	store := session.New(session.NewFileBackend(filepath.Join(blocker, "snap")))
	store.MarkSeen("chat", "7-1")

	a, err := app.New(context.Background(), testConfig(dir), testProviders(), app.WithSessionStore(store))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	shutdown(t, a)
}

func TestApp_OnConfigChange(t *testing.T) {
	t.Parallel()

	level := new(slog.LevelVar)
	personas := persona.NewMemStore()
	cfg := testConfig(t.TempDir())
	a, err := app.New(context.Background(), cfg, testProviders(),
		app.WithLogLevel(level), app.WithPersonaStore(personas))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer shutdown(t, a)

	next := testConfig(t.TempDir())
	next.Server.LogLevel = config.LogDebug
	renamed := ava
	renamed.Name = "Ava Prime"
	next.Personas.Characters = []types.Character{renamed, {ID: 9, Name: "Bo"}}

	a.OnConfigChange(cfg, next)

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}
	c, err := personas.GetCharacter(context.Background(), 7)
	if err != nil || c.Name != "Ava Prime" {
		t.Errorf("character 7 = %+v, %v", c, err)
	}
	if _, err := personas.GetCharacter(context.Background(), 9); err != nil {
		t.Errorf("character 9: %v", err)
	}
}

func TestApp_ServeAndShutdown(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(t.TempDir()), testProviders())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	if err != nil {
		cancel()
		t.Fatalf("GET /healthz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz = %d %s", resp.StatusCode, body)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Serve() returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return within 5s after context cancellation")
	}
	shutdown(t, a)
}

// gatedLLM emits "Hi", then holds the stream open until release is closed.
type gatedLLM struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedLLM) StreamCompletion(ctx context.Context, _ llm.CompletionRequest) (<-chan llm.Chunk, error) {
	ch := make(chan llm.Chunk, 2)
	go func() {
		defer close(ch)
		ch <- llm.Chunk{Text: "Hi"}
		g.once.Do(func() { close(g.started) })
		select {
		case <-g.release:
			ch <- llm.Chunk{Text: " there", FinishReason: "stop"}
		case <-ctx.Done():
			ch <- llm.Chunk{FinishReason: llm.FinishReasonError}
		}
	}()
	return ch, nil
}

func TestApp_ServeDrainsRunningTurn(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	gate := &gatedLLM{started: make(chan struct{}), release: make(chan struct{})}
	ps := testProviders()
	ps.LLM = gate
	a, err := app.New(context.Background(), testConfig(dir), ps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	base := "http://" + ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- a.Serve(ctx, ln) }()

	resp, err := http.Post(base+"/api/sessions", "application/json", strings.NewReader(`{"character_id":7}`))
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	var created struct {
		Data struct {
			SessionID string `json:"session_id"`
		} `json:"data"`
	}
	err = json.NewDecoder(resp.Body).Decode(&created)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	sessionID := created.Data.SessionID

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("audio", "clip.wav")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write(audio.BuildWAV(make([]byte, 2*16000*2), 16000, 1, 16)); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}

	type result struct {
		code int
		err  error
	}
	turn := make(chan result, 1)
	go func() {
		resp, err := http.Post(base+"/api/sessions/"+sessionID+"/voice", mw.FormDataContentType(), &body)
		if err != nil {
			turn <- result{err: err}
			return
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		turn <- result{code: resp.StatusCode}
	}()

	// The reply is mid-stream when the server is told to stop.
	<-gate.started
	cancel()
	close(gate.release)

	select {
	case r := <-turn:
		if r.err != nil || r.code != http.StatusOK {
			t.Fatalf("voice turn = %d, %v; want 200", r.code, r.err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("voice turn did not finish")
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Serve() returned error: %v", err)
	}
	shutdown(t, a)

	snap, err := session.NewFileBackend(dir).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if recs := snap.Voices[sessionID]; len(recs) != 1 || recs[0].AgentVoice != "https://x/tts/1.mp3" {
		t.Errorf("flushed voice records = %+v", recs)
	}
}

func TestApp_ServeWatchesConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "providers:\n  asr: {name: whisper}\n  llm: {name: openai}\n  tts: {name: coqui}\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	a, err := app.New(context.Background(), testConfig(dir), testProviders(), app.WithConfigWatch(path, time.Hour))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	shutdown(t, a)

	_, err = app.New(context.Background(), testConfig(dir), testProviders(), app.WithConfigWatch(filepath.Join(dir, "missing.yaml"), 0))
	if err == nil {
		t.Fatal("expected error for a missing config file")
	}
}

func TestBuildProviders(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	reg.RegisterASR("a1", func(config.ProviderEntry, *config.Config) (asr.Provider, error) { return &asrmock.Provider{}, nil })
	reg.RegisterASR("a2", func(config.ProviderEntry, *config.Config) (asr.Provider, error) { return &asrmock.Provider{}, nil })
	reg.RegisterLLM("l1", func(config.ProviderEntry, *config.Config) (llm.Provider, error) { return &llmmock.Provider{}, nil })
	reg.RegisterTTS("t1", func(config.ProviderEntry, *config.Config) (tts.Provider, error) { return &ttsmock.Provider{}, nil })
	reg.RegisterTTS("t2", func(config.ProviderEntry, *config.Config) (tts.Provider, error) { return &ttsmock.Provider{}, nil })
	reg.RegisterStorage("s1", func(config.ProviderEntry, *config.Config) (storage.Uploader, error) {
		return &storagemock.Uploader{}, nil
	})

	cfg := &config.Config{Providers: config.ProvidersConfig{
		ASR:          config.ProviderEntry{Name: "a1"},
		ASRFallbacks: []config.ProviderEntry{{Name: "a2"}},
		LLM:          config.ProviderEntry{Name: "l1"},
		TTS:          config.ProviderEntry{Name: "t1"},
		TTSFallbacks: []config.ProviderEntry{{Name: "t2"}},
		Storage:      config.ProviderEntry{Name: "s1"},
	}}

	ps, err := app.BuildProviders(cfg, reg)
	if err != nil {
		t.Fatalf("BuildProviders() error: %v", err)
	}
	fb, ok := ps.ASR.(*resilience.ASRFallback)
	if !ok {
		t.Fatalf("ASR = %T, want *resilience.ASRFallback", ps.ASR)
	}
	if names := fb.Names(); len(names) != 2 || names[0] != "a1" || names[1] != "a2" {
		t.Errorf("ASR chain = %v", names)
	}
	if _, ok := ps.LLM.(*llmmock.Provider); !ok {
		t.Errorf("LLM = %T, want the bare provider without fallbacks", ps.LLM)
	}
	if _, ok := ps.TTS.(*resilience.TTSFallback); !ok {
		t.Errorf("TTS = %T, want *resilience.TTSFallback", ps.TTS)
	}
	if ps.LLMName != "l1" {
		t.Errorf("LLMName = %q", ps.LLMName)
	}

	cfg.Providers.TTSFallbacks = []config.ProviderEntry{{Name: "nope"}}
	_, err = app.BuildProviders(cfg, reg)
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
}
