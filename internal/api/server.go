// Package api exposes the voice-chat orchestrator, the character catalogue
// and the synthesis catalogue over HTTP.
//
// All /api routes answer with a JSON envelope: {"data": ...} on success and
// {"error": {"kind": ..., "message": ...}} on failure. The one exception is
// the chat route, which streams the reply as text/plain while it is
// generated. /healthz, /readyz and /metrics are never behind auth.
package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/voxtalk/internal/health"
	"github.com/MrWong99/voxtalk/internal/observe"
	"github.com/MrWong99/voxtalk/internal/persona"
	"github.com/MrWong99/voxtalk/internal/voicechat"
	"github.com/MrWong99/voxtalk/pkg/provider/tts"
	"github.com/MrWong99/voxtalk/pkg/storage"
)

// DefaultMaxUploadBytes bounds generic uploads via POST /api/uploads.
const DefaultMaxUploadBytes = 20 << 20

// multipartOverhead is added to the body limit to leave room for part
// headers and boundaries.
const multipartOverhead = 1 << 20

// Deps are the collaborators a [Server] routes to. All are required except
// Health, which defaults to a handler without checkers.
type Deps struct {
	Orchestrator *voicechat.Orchestrator
	Personas     persona.Store
	Synth        tts.Provider
	Uploader     storage.Uploader
	Health       *health.Handler
}

func (d Deps) validate() error {
	var errs []error
	if d.Orchestrator == nil {
		errs = append(errs, errors.New("api: orchestrator is required"))
	}
	if d.Personas == nil {
		errs = append(errs, errors.New("api: persona store is required"))
	}
	if d.Synth == nil {
		errs = append(errs, errors.New("api: synthesizer is required"))
	}
	if d.Uploader == nil {
		errs = append(errs, errors.New("api: uploader is required"))
	}
	return errors.Join(errs...)
}

// Option is a functional option for [New].
type Option func(*Server)

// WithAuth protects every /api route with HS256 bearer tokens signed with
// secret. A non-empty issuer must match the token's iss claim. An empty
// secret leaves the API open.
func WithAuth(secret, issuer string) Option {
	return func(s *Server) {
		if secret != "" {
			s.auth = newAuthenticator([]byte(secret), issuer)
		}
	}
}

// WithMetrics sets the instruments the request middleware records to.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMetricsEndpoint toggles the Prometheus scrape endpoint at /metrics.
func WithMetricsEndpoint(enabled bool) Option {
	return func(s *Server) { s.serveMetrics = enabled }
}

// WithFiles mounts h below prefix (e.g. "/files"), with the prefix stripped.
// It serves objects written by the local storage backend.
func WithFiles(prefix string, h http.Handler) Option {
	return func(s *Server) {
		s.filesPrefix = "/" + strings.Trim(prefix, "/")
		s.files = h
	}
}

// WithMaxUploadBytes overrides [DefaultMaxUploadBytes].
func WithMaxUploadBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxUpload = n
		}
	}
}

// WithMaxAudioBytes bounds the request body of a voice turn. It should match
// the orchestrator's audio policy; larger uploads are cut off while reading.
func WithMaxAudioBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxAudio = n
		}
	}
}

// Server routes HTTP requests to the orchestrator and the catalogues.
type Server struct {
	orch     *voicechat.Orchestrator
	personas persona.Store
	synth    tts.Provider
	uploader storage.Uploader
	health   *health.Handler

	auth         *authenticator
	metrics      *observe.Metrics
	serveMetrics bool
	filesPrefix  string
	files        http.Handler
	maxUpload    int64
	maxAudio     int64
}

// New validates deps and builds a Server.
func New(deps Deps, opts ...Option) (*Server, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	s := &Server{
		orch:      deps.Orchestrator,
		personas:  deps.Personas,
		synth:     deps.Synth,
		uploader:  deps.Uploader,
		health:    deps.Health,
		maxUpload: DefaultMaxUploadBytes,
		maxAudio:  voicechat.DefaultMaxAudioBytes,
	}
	for _, o := range opts {
		o(s)
	}
	if s.health == nil {
		s.health = health.New()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s, nil
}

// Handler returns the complete route table wrapped in the tracing and
// request-metrics middleware.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /api/sessions", s.handleCreateSession)
	api.HandleFunc("GET /api/sessions/{businessType}", s.handleListSessions)
	api.HandleFunc("GET /api/sessions/{businessType}/{sessionID}/history", s.handleHistory)
	api.HandleFunc("GET /api/sessions/{sessionID}/voice", s.handleVoiceHistory)
	api.HandleFunc("POST /api/sessions/{sessionID}/voice", s.handleVoiceTurn)
	api.HandleFunc("POST /api/sessions/{sessionID}/chat", s.handleChat)

	api.HandleFunc("GET /api/characters", s.handleListCharacters)
	api.HandleFunc("POST /api/characters", s.handleCreateCharacter)
	api.HandleFunc("GET /api/characters/{id}", s.handleGetCharacter)

	api.HandleFunc("GET /api/tts/models", s.handleListModels)
	api.HandleFunc("GET /api/tts/models/{model}/voices", s.handleListVoices)

	api.HandleFunc("POST /api/uploads", s.handleUpload)
	api.HandleFunc("DELETE /api/uploads", s.handleDeleteUpload)

	api.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, &apiError{status: http.StatusNotFound, kind: string(voicechat.KindNotFound), message: "no such route"})
	})

	mux := http.NewServeMux()
	s.health.Register(mux)
	if s.serveMetrics {
		mux.Handle("GET /metrics", promhttp.Handler())
	}
	if s.files != nil {
		mux.Handle("GET "+s.filesPrefix+"/", http.StripPrefix(s.filesPrefix, s.files))
	}
	var apiHandler http.Handler = api
	if s.auth != nil {
		apiHandler = s.auth.middleware(api)
	}
	mux.Handle("/api/", apiHandler)

	return observe.Middleware(s.metrics)(mux)
}
