// Package unifiedtts provides a tts.Provider backed by the UnifiedTTS REST API,
// a gateway that fronts several synthesis engines (edge-tts, azure, minimax,
// ...) behind one key.
//
// Endpoints used:
//
//	POST /api/v1/common/tts-sync        synthesise; JSON {data.audio_url} or raw audio
//	GET  /api/v1/tools/models           engine catalogue
//	GET  /api/v1/tools/voices/{model}   voices of one engine
//
// All requests carry the key in the X-API-Key header.
package unifiedtts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/voxtalk/pkg/provider/tts"
)

const (
	DefaultBaseURL = "https://unifiedtts.com"
	defaultModel   = "edge-tts"
	defaultTimeout = 30 * time.Second

	synthPath  = "/api/v1/common/tts-sync"
	modelsPath = "/api/v1/tools/models"
	voicesPath = "/api/v1/tools/voices/"

	maxAudioBytes = 64 << 20
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithBaseURL overrides [DefaultBaseURL].
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(u, "/")
	}
}

// WithModel sets the engine used when a request leaves Model empty.
// Defaults to "edge-tts".
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = hc
	}
}

// Provider implements tts.Provider for UnifiedTTS.
type Provider struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// New creates a Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("unifiedtts: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		baseURL:    DefaultBaseURL,
		model:      defaultModel,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// synthRequest is the JSON body of tts-sync. Speed and volume are omitted
// when zero so the engine applies its own defaults.
type synthRequest struct {
	Text   string  `json:"text"`
	Model  string  `json:"model"`
	Voice  string  `json:"voice"`
	Speed  float64 `json:"speed,omitempty"`
	Volume float64 `json:"volume,omitempty"`
}

// envelope is the common JSON response wrapper.
type envelope struct {
	Success *bool           `json:"success"`
	Code    json.RawMessage `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e envelope) failed() bool {
	return e.Success != nil && !*e.Success
}

type synthData struct {
	AudioURL string `json:"audio_url"`
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (*tts.Result, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, tts.ErrEmptyText
	}
	if req.Voice == "" {
		return nil, errors.New("unifiedtts: voice must not be empty")
	}
	model := req.Model
	if model == "" {
		model = p.model
	}

	body, err := json.Marshal(synthRequest{
		Text:   req.Text,
		Model:  model,
		Voice:  req.Voice,
		Speed:  req.Speed,
		Volume: req.Volume,
	})
	if err != nil {
		return nil, fmt.Errorf("unifiedtts: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+synthPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("unifiedtts: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("unifiedtts: synthesize: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes))
	if err != nil {
		return nil, fmt.Errorf("unifiedtts: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unifiedtts: synthesize: HTTP %d: %s", resp.StatusCode, snippet(raw))
	}

	ct := resp.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "audio/") || ct == "application/octet-stream" {
		if len(raw) == 0 {
			return nil, errors.New("unifiedtts: synthesize: empty audio body")
		}
		return &tts.Result{Audio: raw, ContentType: ct}, nil
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("unifiedtts: decode response: %w", err)
	}
	if env.failed() {
		return nil, fmt.Errorf("unifiedtts: synthesize: %s", env.Message)
	}
	var data synthData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("unifiedtts: decode data: %w", err)
		}
	}
	if data.AudioURL == "" {
		return nil, fmt.Errorf("unifiedtts: synthesize: response has no audio_url (message %q)", env.Message)
	}
	return &tts.Result{AudioURL: data.AudioURL}, nil
}

// catalogueEntry accepts the field spellings the catalogue endpoints use.
type catalogueEntry struct {
	ID          string `json:"id"`
	Model       string `json:"model"`
	Name        string `json:"name"`
	VoiceID     string `json:"voiceId"`
	Voice       string `json:"voice"`
	DisplayName string `json:"displayName"`
	Description string `json:"description"`
	Language    string `json:"language"`
	Gender      string `json:"gender"`
}

func (c catalogueEntry) id() string {
	for _, s := range []string{c.ID, c.VoiceID, c.Voice, c.Model, c.Name} {
		if s != "" {
			return s
		}
	}
	return ""
}

func (c catalogueEntry) name() string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	return c.Name
}

// ListModels implements tts.Provider.
func (p *Provider) ListModels(ctx context.Context) ([]tts.Model, error) {
	entries, err := p.catalogue(ctx, modelsPath)
	if err != nil {
		return nil, fmt.Errorf("unifiedtts: list models: %w", err)
	}
	models := make([]tts.Model, 0, len(entries))
	for _, e := range entries {
		models = append(models, tts.Model{ID: e.id(), Name: e.name(), Description: e.Description})
	}
	return models, nil
}

// ListVoices implements tts.Provider.
func (p *Provider) ListVoices(ctx context.Context, model string) ([]tts.Voice, error) {
	if model == "" {
		model = p.model
	}
	entries, err := p.catalogue(ctx, voicesPath+url.PathEscape(model))
	if err != nil {
		return nil, fmt.Errorf("unifiedtts: list voices for %q: %w", model, err)
	}
	voices := make([]tts.Voice, 0, len(entries))
	for _, e := range entries {
		voices = append(voices, tts.Voice{ID: e.id(), Name: e.name(), Language: e.Language, Gender: e.Gender})
	}
	return voices, nil
}

// catalogue GETs path and decodes data as a list of entries. data may be a
// bare array or an object with a list under "models", "voices" or "list".
func (p *Provider) catalogue(ctx context.Context, path string) ([]catalogueEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, snippet(raw))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if env.failed() {
		return nil, errors.New(env.Message)
	}
	return decodeEntries(env.Data)
}

func decodeEntries(data json.RawMessage) ([]catalogueEntry, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	if data[0] == '[' {
		return decodeList(data)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("decode data: %w", err)
	}
	for _, key := range []string{"models", "voices", "list", "items"} {
		if v, ok := obj[key]; ok {
			return decodeList(v)
		}
	}
	return nil, nil
}

// decodeList accepts an array of objects or an array of plain identifiers.
func decodeList(data json.RawMessage) ([]catalogueEntry, error) {
	var entries []catalogueEntry
	if err := json.Unmarshal(data, &entries); err == nil {
		return entries, nil
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("decode list: %w", err)
	}
	entries = make([]catalogueEntry, len(ids))
	for i, id := range ids {
		entries[i] = catalogueEntry{ID: id}
	}
	return entries, nil
}

func (p *Provider) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("X-API-Key", p.apiKey)
	req.Header.Set("Accept", "application/json, audio/*")
	return p.httpClient.Do(req)
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
