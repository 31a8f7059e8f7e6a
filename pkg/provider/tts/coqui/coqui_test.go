package coqui

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxtalk/pkg/provider/tts"
)

// ---- test helpers ----

// buildTestWAV constructs a minimal RIFF/WAVE byte slice around the supplied
// PCM samples: RIFF descriptor, 16-byte fmt chunk, data chunk.
func buildTestWAV(pcm []byte) []byte {
	fmtSize := uint32(16)
	dataSize := uint32(len(pcm))
	fileSize := 4 + (8 + fmtSize) + (8 + dataSize)

	buf := make([]byte, 0, 12+8+fmtSize+8+dataSize)
	le := binary.LittleEndian

	putU32 := func(v uint32) {
		var b [4]byte
		le.PutUint32(b[:], v)
		buf = append(buf, b[:]...)
	}
	putU16 := func(v uint16) {
		var b [2]byte
		le.PutUint16(b[:], v)
		buf = append(buf, b[:]...)
	}

	buf = append(buf, []byte("RIFF")...)
	putU32(fileSize)
	buf = append(buf, []byte("WAVE")...)

	buf = append(buf, []byte("fmt ")...)
	putU32(fmtSize)
	putU16(1)     // PCM
	putU16(1)     // mono
	putU32(16000) // sample rate
	putU32(32000) // byte rate
	putU16(2)     // block align
	putU16(16)    // bits per sample

	buf = append(buf, []byte("data")...)
	putU32(dataSize)
	buf = append(buf, pcm...)

	return buf
}

func mustNew(t *testing.T, serverURL string, opts ...Option) *Provider {
	t.Helper()
	p, err := New(serverURL, opts...)
	if err != nil {
		t.Fatalf("New(%q): unexpected error: %v", serverURL, err)
	}
	return p
}

// ---- Provider creation ----

func TestNew(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		p := mustNew(t, "http://localhost:8002/")
		if p.serverURL != "http://localhost:8002" {
			t.Errorf("serverURL = %q, want trailing slash trimmed", p.serverURL)
		}
		if p.language != defaultLanguage {
			t.Errorf("language = %q, want %q", p.language, defaultLanguage)
		}
		if p.apiMode != APIModeStandard {
			t.Errorf("apiMode = %q, want %q", p.apiMode, APIModeStandard)
		}
	})

	t.Run("options", func(t *testing.T) {
		p := mustNew(t, "http://x", WithLanguage("zh-cn"), WithTimeout(5*time.Second), WithAPIMode(APIModeXTTS))
		if p.language != "zh-cn" || p.httpClient.Timeout != 5*time.Second || p.apiMode != APIModeXTTS {
			t.Errorf("provider = %+v", p)
		}
	})

	t.Run("empty url", func(t *testing.T) {
		if _, err := New(""); err == nil {
			t.Fatal("expected error for empty serverURL")
		}
	})
}

// ---- Synthesize ----

func TestSynthesize_XTTS(t *testing.T) {
	wav := buildTestWAV([]byte{1, 2, 3, 4})
	var got ttsRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != ttsEndpoint {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(wav)
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL, WithAPIMode(APIModeXTTS), WithLanguage("zh-cn"))
	res, err := p.Synthesize(context.Background(), tts.Request{Text: "Hi there", Voice: "Claribel Dervla"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(res.Audio) != string(wav) || res.ContentType != "audio/wav" {
		t.Errorf("result = %d bytes, %q", len(res.Audio), res.ContentType)
	}
	want := ttsRequest{Text: "Hi there", SpeakerWav: "Claribel Dervla", Language: "zh-cn"}
	if got != want {
		t.Errorf("request = %+v, want %+v", got, want)
	}
}

func TestSynthesize_Standard(t *testing.T) {
	wav := buildTestWAV([]byte{9, 9})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != apiTTSEndpoint {
			http.NotFound(w, r)
			return
		}
		q := r.URL.Query()
		if q.Get("text") != "hello" || q.Get("speaker_id") != "p225" || q.Get("language_id") != "en" {
			http.Error(w, "bad query", http.StatusBadRequest)
			return
		}
		_, _ = w.Write(wav)
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL)
	res, err := p.Synthesize(context.Background(), tts.Request{Text: "hello", Voice: "p225"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(res.Audio) != len(wav) {
		t.Errorf("audio length = %d, want %d", len(res.Audio), len(wav))
	}
}

func TestSynthesize_Errors(t *testing.T) {
	t.Run("empty text", func(t *testing.T) {
		p := mustNew(t, "http://unused")
		if _, err := p.Synthesize(context.Background(), tts.Request{Voice: "v"}); !errors.Is(err, tts.ErrEmptyText) {
			t.Errorf("err = %v, want ErrEmptyText", err)
		}
	})

	t.Run("xtts requires voice", func(t *testing.T) {
		p := mustNew(t, "http://unused", WithAPIMode(APIModeXTTS))
		if _, err := p.Synthesize(context.Background(), tts.Request{Text: "x"}); err == nil {
			t.Error("expected error for empty voice")
		}
	})

	t.Run("server error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}))
		defer srv.Close()
		p := mustNew(t, srv.URL)
		_, err := p.Synthesize(context.Background(), tts.Request{Text: "x"})
		if err == nil || !strings.Contains(err.Error(), "500") {
			t.Errorf("err = %v, want status 500", err)
		}
	})

	t.Run("not a wav", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("this is not audio"))
		}))
		defer srv.Close()
		p := mustNew(t, srv.URL)
		if _, err := p.Synthesize(context.Background(), tts.Request{Text: "x"}); err == nil {
			t.Error("expected error for non-WAV body")
		}
	})
}

// ---- catalogue ----

func TestListVoices_XTTS(t *testing.T) {
	data, _ := json.Marshal(map[string]any{
		"speaker_bob":   map[string]any{},
		"speaker_alice": map[string]any{},
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != studioSpeakersEndpoint {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL, WithAPIMode(APIModeXTTS))
	voices, err := p.ListVoices(context.Background(), "")
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 2 || voices[0].ID != "speaker_alice" || voices[1].ID != "speaker_bob" {
		t.Errorf("voices = %+v, want sorted alice, bob", voices)
	}

	models, err := p.ListModels(context.Background())
	if err != nil || len(models) != 1 || models[0].ID != xttsModelName {
		t.Errorf("models = %+v, err = %v", models, err)
	}
}

func TestListVoices_Standard(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != detailsEndpoint {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"model_name":"tts_models/en/vctk/vits","language":"en","speakers":["p226","p225"]}`))
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL)
	voices, err := p.ListVoices(context.Background(), "ignored")
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 2 || voices[0].ID != "p225" || voices[0].Language != "en" {
		t.Errorf("voices = %+v", voices)
	}

	models, err := p.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 1 || models[0].ID != "tts_models/en/vctk/vits" {
		t.Errorf("models = %+v", models)
	}
}

func TestListVoices_SingleSpeaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"model_name":"tts_models/en/ljspeech/vits"}`))
	}))
	defer srv.Close()

	voices, err := mustNew(t, srv.URL).ListVoices(context.Background(), "")
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 1 || voices[0].ID != "" || voices[0].Name != "tts_models/en/ljspeech/vits" {
		t.Errorf("voices = %+v", voices)
	}
}

func TestListVoices_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := mustNew(t, srv.URL).ListVoices(context.Background(), "")
	if err == nil || !strings.Contains(err.Error(), "coqui:") {
		t.Fatalf("err = %v, want coqui-prefixed error", err)
	}
}

// ---- parseWAV ----

func TestParseWAV(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		pcm := []byte{0x01, 0x02, 0x03, 0x04}
		wav := buildTestWAV(pcm)
		info, err := parseWAV(wav)
		if err != nil {
			t.Fatalf("parseWAV: %v", err)
		}
		if info.DataOffset != len(wav)-len(pcm) {
			t.Errorf("offset = %d, want %d", info.DataOffset, len(wav)-len(pcm))
		}
		if info.SampleRate != 16000 || info.Channels != 1 {
			t.Errorf("info = %+v", info)
		}
	})

	t.Run("too short", func(t *testing.T) {
		if _, err := parseWAV([]byte{0x01, 0x02}); err == nil {
			t.Fatal("expected error for short input")
		}
	})

	t.Run("not RIFF", func(t *testing.T) {
		buf := make([]byte, 44)
		copy(buf, "XXXX")
		if _, err := parseWAV(buf); err == nil {
			t.Fatal("expected error for non-RIFF header")
		}
	})

	t.Run("no data chunk", func(t *testing.T) {
		var buf []byte
		buf = append(buf, []byte("RIFF")...)
		buf = append(buf, 0, 0, 0, 0)
		buf = append(buf, []byte("WAVE")...)
		buf = append(buf, []byte("fmt ")...)
		buf = append(buf, 4, 0, 0, 0)
		buf = append(buf, 0, 0, 0, 0)
		if _, err := parseWAV(buf); err == nil {
			t.Fatal("expected error when data chunk is absent")
		}
	})
}
