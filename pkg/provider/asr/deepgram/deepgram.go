// Package deepgram provides a Deepgram-backed asr.Provider using the Deepgram
// streaming WebSocket API.
//
// A whole recording is pushed through the socket in fixed-size binary frames
// followed by a CloseStream message. Deepgram sniffs the container itself, so
// no encoding or sample rate is declared. Final results are concatenated in
// arrival order until the server closes the stream.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/MrWong99/voxtalk/pkg/provider/asr"
	"github.com/coder/websocket"
)

const (
	deepgramEndpoint = "wss://api.deepgram.com/v1/listen"
	defaultModel     = "nova-3"
	defaultLanguage  = "en"

	// frameSize is the number of audio bytes per binary frame.
	frameSize = 32 << 10
)

// Compile-time assertion that Provider implements asr.Provider.
var _ asr.Provider = (*Provider)(nil)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "zh-CN").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithEndpoint overrides the WebSocket endpoint.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// WithHTTPClient sets the HTTP client used for the WebSocket handshake and for
// downloading Request.FileURL.
func WithHTTPClient(hc *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = hc
	}
}

// Provider implements asr.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey     string
	model      string
	language   string
	endpoint   string
	httpClient *http.Client
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		language:   defaultLanguage,
		endpoint:   deepgramEndpoint,
		httpClient: http.DefaultClient,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe streams the recording to Deepgram and returns the concatenated
// final transcripts.
func (p *Provider) Transcribe(ctx context.Context, req asr.Request) (*asr.Result, error) {
	audio := req.Audio
	if len(audio) == 0 {
		if req.FileURL == "" {
			return nil, errors.New("deepgram: transcribe: request has neither audio nor file url")
		}
		var err error
		if audio, err = p.download(ctx, req.FileURL); err != nil {
			return nil, err
		}
	}

	wsURL, err := p.buildURL(req.Language)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: p.httpClient,
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(1 << 20)

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- writeAudio(ctx, conn, audio)
	}()

	text, err := readFinals(ctx, conn)
	if err != nil {
		return nil, err
	}
	if err := <-writeErr; err != nil {
		return nil, fmt.Errorf("deepgram: send audio: %w", err)
	}
	conn.Close(websocket.StatusNormalClosure, "done")
	return &asr.Result{Text: text, Status: "SUCCESS"}, nil
}

// buildURL constructs the Deepgram endpoint URL for one recording.
func (p *Provider) buildURL(language string) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	if language == "" {
		language = p.language
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", language)
	q.Set("punctuate", "true")
	q.Set("interim_results", "false")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func writeAudio(ctx context.Context, conn *websocket.Conn, audio []byte) error {
	for len(audio) > 0 {
		n := min(frameSize, len(audio))
		if err := conn.Write(ctx, websocket.MessageBinary, audio[:n]); err != nil {
			return err
		}
		audio = audio[n:]
	}
	return conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
}

// readFinals collects final transcripts until the server closes the socket
// normally or sends its closing Metadata message.
func readFinals(ctx context.Context, conn *websocket.Conn) (string, error) {
	var parts []string
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure:
				return strings.Join(parts, " "), nil
			case websocket.StatusPolicyViolation, websocket.StatusUnsupportedData, websocket.StatusInvalidFramePayloadData:
				return "", fmt.Errorf("deepgram: %v: %w", err, asr.ErrFormatUnsupported)
			}
			return "", fmt.Errorf("deepgram: read: %w", err)
		}

		resp, ok := parseDeepgramResponse(msg)
		if !ok {
			continue
		}
		switch resp.Type {
		case "Metadata":
			return strings.Join(parts, " "), nil
		case "Error":
			return "", &asr.TaskError{Phase: asr.PhasePoll, Status: resp.ErrCode, Message: resp.Description}
		case "Results":
			if !resp.IsFinal || len(resp.Channel.Alternatives) == 0 {
				continue
			}
			if t := strings.TrimSpace(resp.Channel.Alternatives[0].Transcript); t != "" {
				parts = append(parts, t)
			}
		}
	}
}

func (p *Provider) download(ctx context.Context, fileURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("deepgram: create download request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("deepgram: download %s: %w", fileURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("deepgram: download %s: HTTP %d", fileURL, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 512<<20))
}

// deepgramResponse is the JSON structure of a server message.
type deepgramResponse struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	ErrCode     string `json:"err_code"`
	Description string `json:"description"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// parseDeepgramResponse decodes a raw message. It returns false for messages
// that are not JSON objects with a type.
func parseDeepgramResponse(data []byte) (deepgramResponse, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return deepgramResponse{}, false
	}
	if resp.Type == "" {
		return deepgramResponse{}, false
	}
	return resp, true
}
