package deepgram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/MrWong99/voxtalk/pkg/provider/asr"
	"github.com/coder/websocket"
)

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL("")
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "language", "en", q.Get("language"))
	assertEqual(t, "punctuate", "true", q.Get("punctuate"))
	assertEqual(t, "interim_results", "false", q.Get("interim_results"))
	assertEqual(t, "sample_rate", "", q.Get("sample_rate"))
}

func TestBuildURL_RequestLanguageWins(t *testing.T) {
	p, _ := New("key", WithLanguage("en"), WithModel("base"))

	rawURL, err := p.buildURL("zh-CN")
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, _ := url.Parse(rawURL)
	assertEqual(t, "language", "zh-CN", u.Query().Get("language"))
	assertEqual(t, "model", "base", u.Query().Get("model"))
}

// ---- response parsing ----

func TestParseDeepgramResponse(t *testing.T) {
	resp, ok := parseDeepgramResponse([]byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"hi","confidence":0.9}]}}`))
	if !ok {
		t.Fatal("expected ok")
	}
	if !resp.IsFinal || resp.Channel.Alternatives[0].Transcript != "hi" {
		t.Errorf("resp = %+v", resp)
	}

	if _, ok := parseDeepgramResponse([]byte(`not json`)); ok {
		t.Error("invalid JSON should be ignored")
	}
	if _, ok := parseDeepgramResponse([]byte(`{"foo":1}`)); ok {
		t.Error("untyped message should be ignored")
	}
}

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

// ---- end-to-end against a fake socket ----

// fakeDeepgram echoes one final result per received binary frame and closes
// after CloseStream.
func fakeDeepgram(t *testing.T, gotBytes *atomic.Int64, closeCode websocket.StatusCode) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token test-key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		conn.SetReadLimit(1 << 20)

		ctx := r.Context()
		frames := 0
		for {
			typ, msg, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageBinary {
				gotBytes.Add(int64(len(msg)))
				if closeCode != 0 {
					conn.Close(closeCode, "could not process audio")
					return
				}
				frames++
				word := "w" + strings.Repeat("o", frames)
				_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"partial"}]}}`))
				_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"`+word+`"}]}}`))
				continue
			}
			if strings.Contains(string(msg), "CloseStream") {
				_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"Metadata","request_id":"x"}`))
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTranscribe_CollectsFinals(t *testing.T) {
	var got atomic.Int64
	srv := fakeDeepgram(t, &got, 0)

	p, err := New("test-key", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	audio := make([]byte, frameSize+10)
	res, err := p.Transcribe(context.Background(), asr.Request{Audio: audio})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "wo woo" {
		t.Errorf("Text = %q, want %q", res.Text, "wo woo")
	}
	if got.Load() != int64(len(audio)) {
		t.Errorf("server received %d bytes, want %d", got.Load(), len(audio))
	}
}

func TestTranscribe_RejectedAudioIsUnsupported(t *testing.T) {
	var got atomic.Int64
	srv := fakeDeepgram(t, &got, websocket.StatusPolicyViolation)

	p, _ := New("test-key", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))
	_, err := p.Transcribe(context.Background(), asr.Request{Audio: []byte("garbage")})
	if !errors.Is(err, asr.ErrFormatUnsupported) {
		t.Fatalf("err = %v, want ErrFormatUnsupported", err)
	}
}

func TestTranscribe_NoInput(t *testing.T) {
	p, _ := New("test-key")
	if _, err := p.Transcribe(context.Background(), asr.Request{}); err == nil {
		t.Fatal("expected error when neither audio nor url is set")
	}
}

func assertEqual(t *testing.T, label, want, got string) {
	t.Helper()
	if got != want {
		t.Errorf("%s: want %q, got %q", label, want, got)
	}
}
