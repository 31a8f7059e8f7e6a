// Package coqui provides a local Coqui TTS-backed TTS provider that connects to
// either a Coqui XTTS v2 server or a standard Coqui TTS server via its REST API.
// It implements the tts.Provider interface.
//
// Two API modes are supported:
//
//   - APIModeStandard (default): targets the standard Coqui TTS server
//     (ghcr.io/coqui-ai/tts-cpu). Synthesis is performed via GET /api/tts with
//     URL query parameters; voice catalogue is retrieved from GET /details.
//
//   - APIModeXTTS: targets the Coqui XTTS v2 API server. Synthesis is performed
//     via POST /tts_to_audio/ with a JSON body; voice catalogue is retrieved from
//     GET /studio_speakers.
//
// Both servers answer one utterance per HTTP call with a complete WAV file,
// which is returned unchanged as the synthesis result.
//
// Typical usage:
//
//	p, err := coqui.New("http://localhost:8002",
//	    coqui.WithLanguage("zh-cn"),
//	    coqui.WithAPIMode(coqui.APIModeXTTS),
//	)
//	res, err := p.Synthesize(ctx, tts.Request{Text: "你好", Voice: "Claribel Dervla"})
package coqui

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/MrWong99/voxtalk/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// ---- constants ----

const (
	defaultLanguage        = "en"
	defaultTimeout         = 60 * time.Second
	ttsEndpoint            = "/tts_to_audio/"
	studioSpeakersEndpoint = "/studio_speakers"
	apiTTSEndpoint         = "/api/tts"
	detailsEndpoint        = "/details"
	xttsModelName          = "xtts_v2"

	maxWAVBytes = 64 << 20
)

// ---- APIMode ----

// APIMode selects which Coqui server API the provider will target.
type APIMode string

const (
	// APIModeXTTS targets the Coqui XTTS v2 API server (/tts_to_audio/).
	APIModeXTTS APIMode = "xtts"

	// APIModeStandard targets the standard Coqui TTS server (/api/tts).
	// This is the default mode.
	APIModeStandard APIMode = "standard"
)

// ---- options ----

// Option is a functional option for configuring a Coqui Provider.
type Option func(*Provider)

// WithLanguage sets the language code sent to the TTS server (e.g., "en",
// "zh-cn"). Defaults to "en" if not set.
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithTimeout sets the per-request HTTP timeout for calls to the TTS server.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithAPIMode sets the server API mode.
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) {
		p.apiMode = mode
	}
}

// ---- Provider ----

// Provider implements tts.Provider against a Coqui TTS server.
type Provider struct {
	serverURL  string
	language   string
	httpClient *http.Client
	apiMode    APIMode
}

// New creates a Provider for the server at serverURL.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		apiMode:    APIModeStandard,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- wire types ----

type ttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

type studioSpeakersResponse map[string]json.RawMessage

type detailsResponse struct {
	ModelName string   `json:"model_name"`
	Language  string   `json:"language"`
	Speakers  []string `json:"speakers"`
}

// ---- Synthesize ----

// Synthesize implements tts.Provider. req.Voice is the speaker name (XTTS
// studio speaker or standard speaker_id). Speed and volume are not supported
// by either server and are ignored.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (*tts.Result, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, tts.ErrEmptyText
	}
	if req.Voice == "" && p.apiMode == APIModeXTTS {
		return nil, errors.New("coqui: voice must not be empty (required for XTTS mode)")
	}

	var (
		httpReq  *http.Request
		endpoint string
		err      error
	)
	if p.apiMode == APIModeStandard {
		endpoint = apiTTSEndpoint
		httpReq, err = p.standardRequest(ctx, req)
	} else {
		endpoint = ttsEndpoint
		httpReq, err = p.xttsRequest(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "audio/wav")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("coqui: %s %s: %w", httpReq.Method, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: %s %s returned status %d", httpReq.Method, endpoint, resp.StatusCode)
	}

	wav, err := io.ReadAll(io.LimitReader(resp.Body, maxWAVBytes))
	if err != nil {
		return nil, fmt.Errorf("coqui: read WAV response: %w", err)
	}
	if _, err := parseWAV(wav); err != nil {
		return nil, err
	}
	return &tts.Result{Audio: wav, ContentType: "audio/wav"}, nil
}

func (p *Provider) xttsRequest(ctx context.Context, req tts.Request) (*http.Request, error) {
	data, err := json.Marshal(ttsRequest{
		Text:       req.Text,
		SpeakerWav: req.Voice,
		Language:   p.language,
	})
	if err != nil {
		return nil, fmt.Errorf("coqui: marshal tts request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+ttsEndpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return httpReq, nil
}

func (p *Provider) standardRequest(ctx context.Context, req tts.Request) (*http.Request, error) {
	params := url.Values{}
	params.Set("text", req.Text)
	if req.Voice != "" {
		params.Set("speaker_id", req.Voice)
	}
	if p.language != "" {
		params.Set("language_id", p.language)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+apiTTSEndpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	return httpReq, nil
}

// ---- catalogue ----

// ListModels implements tts.Provider. The standard server reports the single
// loaded model; the XTTS server always runs xtts_v2.
func (p *Provider) ListModels(ctx context.Context) ([]tts.Model, error) {
	if p.apiMode == APIModeXTTS {
		return []tts.Model{{ID: xttsModelName, Name: "XTTS v2"}}, nil
	}
	details, err := p.details(ctx)
	if err != nil {
		return nil, err
	}
	name := details.ModelName
	if name == "" {
		name = "default"
	}
	return []tts.Model{{ID: name, Name: name}}, nil
}

// ListVoices implements tts.Provider. The model argument is ignored because
// each server hosts a single model.
func (p *Provider) ListVoices(ctx context.Context, _ string) ([]tts.Voice, error) {
	if p.apiMode == APIModeStandard {
		return p.listVoicesStandard(ctx)
	}
	return p.listVoicesXTTS(ctx)
}

func (p *Provider) listVoicesXTTS(ctx context.Context) ([]tts.Voice, error) {
	var raw studioSpeakersResponse
	if err := p.getJSON(ctx, studioSpeakersEndpoint, &raw); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	voices := make([]tts.Voice, 0, len(names))
	for _, name := range names {
		voices = append(voices, tts.Voice{ID: name, Name: name, Language: p.language})
	}
	return voices, nil
}

func (p *Provider) listVoicesStandard(ctx context.Context) ([]tts.Voice, error) {
	details, err := p.details(ctx)
	if err != nil {
		return nil, err
	}

	if len(details.Speakers) == 0 {
		name := details.ModelName
		if name == "" {
			name = "default"
		}
		return []tts.Voice{{ID: "", Name: name, Language: details.Language}}, nil
	}

	speakers := make([]string, len(details.Speakers))
	copy(speakers, details.Speakers)
	sort.Strings(speakers)

	voices := make([]tts.Voice, 0, len(speakers))
	for _, spk := range speakers {
		voices = append(voices, tts.Voice{ID: spk, Name: spk, Language: details.Language})
	}
	return voices, nil
}

func (p *Provider) details(ctx context.Context) (*detailsResponse, error) {
	var d detailsResponse
	if err := p.getJSON(ctx, detailsEndpoint, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (p *Provider) getJSON(ctx context.Context, endpoint string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("coqui: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("coqui: GET %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("coqui: GET %s returned status %d", endpoint, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("coqui: decode %s: %w", endpoint, err)
	}
	return nil
}

// ---- WAV ----

// wavInfo holds the fields of a WAV header the provider checks.
type wavInfo struct {
	DataOffset int // byte offset of the first PCM sample
	SampleRate int
	Channels   int
}

// parseWAV walks the RIFF chunks of wav and locates the fmt and data chunks.
func parseWAV(wav []byte) (wavInfo, error) {
	if len(wav) < 12 {
		return wavInfo{}, errors.New("coqui: WAV response too short to be a valid RIFF file")
	}
	if string(wav[0:4]) != "RIFF" {
		return wavInfo{}, errors.New("coqui: WAV response missing RIFF header")
	}
	if string(wav[8:12]) != "WAVE" {
		return wavInfo{}, errors.New("coqui: WAV response missing WAVE identifier")
	}

	var info wavInfo
	foundFmt := false

	offset := 12
	for offset+8 <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch chunkID {
		case "fmt ":
			if chunkSize >= 16 && offset+8+16 <= len(wav) {
				fmtData := wav[offset+8:]
				info.Channels = int(binary.LittleEndian.Uint16(fmtData[2:4]))
				info.SampleRate = int(binary.LittleEndian.Uint32(fmtData[4:8]))
				foundFmt = true
			}
		case "data":
			info.DataOffset = offset + 8
			if !foundFmt {
				// Coqui's default output.
				info.SampleRate = 22050
				info.Channels = 1
			}
			return info, nil
		}

		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return wavInfo{}, errors.New("coqui: WAV response missing data chunk")
}
