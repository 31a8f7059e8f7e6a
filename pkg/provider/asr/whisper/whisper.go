// Package whisper provides an asr.Provider backed by a whisper.cpp server.
//
// The whisper-server binary exposes POST /inference, which accepts one
// recording as multipart/form-data and answers with {"text": "..."}. Because
// the engine decodes the recording locally it is a useful fallback when a
// remote service rejects a container or sample rate.
//
// The provider uploads Request.Audio when present. Otherwise it downloads
// Request.FileURL first.
//
// Usage:
//
//	p, err := whisper.New("http://localhost:8080", whisper.WithLanguage("zh"))
//	res, err := p.Transcribe(ctx, asr.Request{Audio: wav, Format: "wav"})
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/voxtalk/pkg/provider/asr"
)

const (
	defaultLanguage = "auto"
	defaultTimeout  = 2 * time.Minute

	// maxDownloadBytes bounds a recording fetched from Request.FileURL.
	maxDownloadBytes = 512 << 20
)

// Compile-time assertion that Provider implements asr.Provider.
var _ asr.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the server. When empty the
// server uses whichever model it was started with.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the default language hint. Request.Language overrides it.
// Defaults to "auto".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithHTTPClient replaces the HTTP client used for inference and downloads.
func WithHTTPClient(hc *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = hc
	}
}

// Provider implements asr.Provider backed by a whisper.cpp HTTP server. It is
// stateless between calls and safe for concurrent use.
type Provider struct {
	serverURL  string
	model      string
	language   string
	httpClient *http.Client
}

// New creates a Provider for the whisper.cpp server at serverURL (e.g.
// "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe sends the recording to /inference and returns the server's text.
func (p *Provider) Transcribe(ctx context.Context, req asr.Request) (*asr.Result, error) {
	audio := req.Audio
	if len(audio) == 0 {
		if req.FileURL == "" {
			return nil, errors.New("whisper: transcribe: request has neither audio nor file url")
		}
		var err error
		if audio, err = p.download(ctx, req.FileURL); err != nil {
			return nil, err
		}
	}

	lang := req.Language
	if lang == "" {
		lang = p.language
	}
	format := req.Format
	if format == "" {
		format = "wav"
	}

	text, err := p.infer(ctx, audio, "audio."+format, lang)
	if err != nil {
		return nil, err
	}
	return &asr.Result{Text: strings.TrimSpace(text), Status: "SUCCESS"}, nil
}

// infer POSTs audio to the /inference endpoint as multipart/form-data.
func (p *Provider) infer(ctx context.Context, audio []byte, filename, lang string) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(audio); err != nil {
		return "", fmt.Errorf("whisper: write audio data: %w", err)
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return "", fmt.Errorf("whisper: write response_format field: %w", err)
	}
	if lang != "" {
		if err := mw.WriteField("language", lang); err != nil {
			return "", fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if p.model != "" {
		if err := mw.WriteField("model", p.model); err != nil {
			return "", fmt.Errorf("whisper: write model field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("whisper: read response body: %w", err)
	}

	if resp.StatusCode == http.StatusUnsupportedMediaType {
		return "", fmt.Errorf("whisper: server returned HTTP %d: %w", resp.StatusCode, asr.ErrFormatUnsupported)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &asr.TaskError{
			Phase:   asr.PhaseSubmit,
			Status:  http.StatusText(resp.StatusCode),
			Code:    fmt.Sprint(resp.StatusCode),
			Message: strings.TrimSpace(string(data)),
		}
	}

	var result struct {
		Text  string `json:"text"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	if result.Error != "" {
		return "", fmt.Errorf("whisper: %s: %w", result.Error, asr.ErrFormatUnsupported)
	}
	return result.Text, nil
}

func (p *Provider) download(ctx context.Context, fileURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("whisper: create download request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whisper: download %s: %w", fileURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("whisper: download %s: HTTP %d", fileURL, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes))
	if err != nil {
		return nil, fmt.Errorf("whisper: read download: %w", err)
	}
	return data, nil
}
