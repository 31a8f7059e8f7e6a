package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/MrWong99/voxtalk/internal/observe"
	"github.com/MrWong99/voxtalk/internal/persona"
	"github.com/MrWong99/voxtalk/internal/voicechat"
	"github.com/MrWong99/voxtalk/pkg/storage"
)

// Error kinds produced by the HTTP layer itself.
const (
	kindUnauthorized = "Unauthorized"
	kindConflict     = "Conflict"
	kindInternal     = "Internal"
)

type envelope struct {
	Data  any        `json:"data,omitempty"`
	Error *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// apiError is a failure detected while decoding a request.
type apiError struct {
	status  int
	kind    string
	message string
}

func (e *apiError) Error() string { return e.message }

func badRequest(format string, args ...any) *apiError {
	return &apiError{status: http.StatusBadRequest, kind: string(voicechat.KindValidation), message: fmt.Sprintf(format, args...)}
}

// kindStatus maps orchestrator failures onto HTTP status codes.
var kindStatus = map[voicechat.Kind]int{
	voicechat.KindValidation:         http.StatusBadRequest,
	voicechat.KindNotFound:           http.StatusNotFound,
	voicechat.KindConfigInvalid:      http.StatusInternalServerError,
	voicechat.KindUploadFailure:      http.StatusBadGateway,
	voicechat.KindSubmissionFailure:  http.StatusBadGateway,
	voicechat.KindTerminalFailure:    http.StatusBadGateway,
	voicechat.KindSynthesisFailure:   http.StatusBadGateway,
	voicechat.KindStreamFailure:      http.StatusBadGateway,
	voicechat.KindPollTimeout:        http.StatusGatewayTimeout,
	voicechat.KindPersistenceFailure: http.StatusInternalServerError,
}

// classify resolves err to a status code and the error body sent to the
// client.
func classify(err error) (int, errorBody) {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae.status, errorBody{Kind: ae.kind, Message: ae.message}
	}
	var ve *voicechat.Error
	if errors.As(err, &ve) {
		status, ok := kindStatus[ve.Kind]
		if !ok {
			status = http.StatusInternalServerError
		}
		return status, errorBody{Kind: string(ve.Kind), Message: ve.Message}
	}
	switch {
	case errors.Is(err, persona.ErrCharacterNotFound), errors.Is(err, persona.ErrSessionNotFound):
		return http.StatusNotFound, errorBody{Kind: string(voicechat.KindNotFound), Message: err.Error()}
	case errors.Is(err, persona.ErrCharacterExists), errors.Is(err, persona.ErrSessionExists):
		return http.StatusConflict, errorBody{Kind: kindConflict, Message: err.Error()}
	case errors.Is(err, storage.ErrForeignURL), errors.Is(err, storage.ErrInvalidKey):
		return http.StatusBadRequest, errorBody{Kind: string(voicechat.KindValidation), Message: err.Error()}
	}
	return http.StatusInternalServerError, errorBody{Kind: kindInternal, Message: "internal error"}
}

func writeData(w http.ResponseWriter, status int, v any) {
	writeJSON(w, status, envelope{Data: v})
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)
	log := observe.Logger(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error("api: request failed", "method", r.Method, "path", r.URL.Path, "status", status, "err", err)
	} else {
		log.Debug("api: request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "err", err)
	}
	writeJSON(w, status, envelope{Error: &body})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a single JSON object from r into v, rejecting unknown
// fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid JSON body: %v", err)
	}
	return nil
}
