// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs stream-input WebSocket API. The whole reply text is sent in one
// message and the streamed audio frames are collected into a single payload.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxtalk/pkg/provider/tts"
)

const (
	defaultWSBase    = "wss://api.elevenlabs.io"
	defaultAPIBase   = "https://api.elevenlabs.io"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "mp3_44100_128"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the audio output format (e.g., "mp3_44100_128", "pcm_16000").
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithEndpoints overrides the WebSocket and REST base URLs.
func WithEndpoints(wsBase, apiBase string) Option {
	return func(p *Provider) {
		p.wsBase = strings.TrimRight(wsBase, "/")
		p.apiBase = strings.TrimRight(apiBase, "/")
	}
}

// WithHTTPClient replaces the HTTP client used for REST calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = hc
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	wsBase       string
	apiBase      string
	httpClient   *http.Client
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		wsBase:       defaultWSBase,
		apiBase:      defaultAPIBase,
		httpClient:   &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
type textMessage struct {
	Text string `json:"text"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// boiMessage is the "begin of input" handshake.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
}

// Synthesize implements tts.Provider. req.Voice is the ElevenLabs voice ID;
// req.Model overrides the configured model. Volume is not supported by the
// API and is ignored.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (*tts.Result, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, tts.ErrEmptyText
	}
	if req.Voice == "" {
		return nil, errors.New("elevenlabs: voice must not be empty")
	}
	model := req.Model
	if model == "" {
		model = p.model
	}

	conn, _, err := websocket.Dial(ctx, p.streamURL(req.Voice, model), nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(4 << 20)

	boi := boiMessage{
		Text: " ", // ElevenLabs requires a non-empty first text value
		VoiceSettings: &voiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
			Speed:           req.Speed,
		},
		XiAPIKey: p.apiKey,
	}
	for _, msg := range []any{boi, textMessage{Text: req.Text + " "}, textMessage{Text: ""}} {
		if err := writeJSON(ctx, conn, msg); err != nil {
			return nil, fmt.Errorf("elevenlabs: send: %w", err)
		}
	}

	audio, err := readAudio(ctx, conn)
	if err != nil {
		return nil, err
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")

	if len(audio) == 0 {
		return nil, errors.New("elevenlabs: no audio received")
	}
	return &tts.Result{Audio: audio, ContentType: contentType(p.outputFormat)}, nil
}

// readAudio collects base64 audio frames until isFinal or a normal close.
func readAudio(ctx context.Context, conn *websocket.Conn) ([]byte, error) {
	var buf bytes.Buffer
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return buf.Bytes(), nil
			}
			return nil, fmt.Errorf("elevenlabs: read: %w", err)
		}
		var resp audioResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.Error != "" {
			return nil, fmt.Errorf("elevenlabs: server error: %s", resp.Error)
		}
		if resp.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err != nil {
				return nil, fmt.Errorf("elevenlabs: decode audio: %w", err)
			}
			buf.Write(chunk)
		}
		if resp.IsFinal {
			return buf.Bytes(), nil
		}
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

func (p *Provider) streamURL(voiceID, model string) string {
	q := url.Values{}
	q.Set("model_id", model)
	q.Set("output_format", p.outputFormat)
	return p.wsBase + "/v1/text-to-speech/" + url.PathEscape(voiceID) + "/stream-input?" + q.Encode()
}

func contentType(format string) string {
	switch {
	case strings.HasPrefix(format, "mp3"):
		return "audio/mpeg"
	case strings.HasPrefix(format, "pcm"):
		return "audio/pcm"
	case strings.HasPrefix(format, "ulaw"):
		return "audio/basic"
	default:
		return "application/octet-stream"
	}
}

// ---- catalogue ----

// voicesResponse is the top-level response from GET /v1/voices.
type voicesResponse struct {
	Voices []elevenLabsVoice `json:"voices"`
}

// elevenLabsVoice is a single voice entry from the ElevenLabs API.
type elevenLabsVoice struct {
	VoiceID string            `json:"voice_id"`
	Name    string            `json:"name"`
	Labels  map[string]string `json:"labels"`
}

// ListModels reports the configured model; ElevenLabs models are selected per
// account rather than discovered per voice.
func (p *Provider) ListModels(context.Context) ([]tts.Model, error) {
	return []tts.Model{{ID: p.model, Name: p.model}}, nil
}

// ListVoices returns all voices available for the configured API key. The
// model argument is ignored.
func (p *Provider) ListVoices(ctx context.Context, _ string) ([]tts.Voice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBase+"/v1/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: list voices: unexpected status %d", resp.StatusCode)
	}

	var vr voicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices decode: %w", err)
	}

	voices := make([]tts.Voice, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		voices = append(voices, tts.Voice{
			ID:       v.VoiceID,
			Name:     v.Name,
			Language: v.Labels["language"],
			Gender:   v.Labels["gender"],
		})
	}
	return voices, nil
}
