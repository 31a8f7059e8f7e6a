package api

import (
	"fmt"
	"mime"
	"net/http"
	"path"
	"strconv"

	"github.com/google/uuid"

	"github.com/MrWong99/voxtalk/internal/persona"
	"github.com/MrWong99/voxtalk/internal/voicechat"
	"github.com/MrWong99/voxtalk/pkg/provider/tts"
	"github.com/MrWong99/voxtalk/pkg/storage"
	"github.com/MrWong99/voxtalk/pkg/types"
)

func (s *Server) handleListCharacters(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page")
	if err != nil {
		writeError(w, r, err)
		return
	}
	size, err := queryInt(r, "page_size")
	if err != nil {
		writeError(w, r, err)
		return
	}
	p, err := s.personas.ListCharacters(r.Context(), page, size)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if p.Items == nil {
		p.Items = []types.Character{}
	}
	writeData(w, http.StatusOK, p)
}

func (s *Server) handleCreateCharacter(w http.ResponseWriter, r *http.Request) {
	var c types.Character
	if err := decodeJSON(w, r, &c); err != nil {
		writeError(w, r, err)
		return
	}
	if err := persona.ValidateCharacter(&c); err != nil {
		writeError(w, r, badRequest("%v", err))
		return
	}
	if err := s.personas.CreateCharacter(r.Context(), &c); err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, c)
}

func (s *Server) handleGetCharacter(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, badRequest("character id %q must be a positive integer", r.PathValue("id")))
		return
	}
	c, err := s.personas.GetCharacter(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, c)
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.synth.ListModels(r.Context())
	if err != nil {
		writeError(w, r, synthesisError(err, "listing synthesis models"))
		return
	}
	if models == nil {
		models = []tts.Model{}
	}
	writeData(w, http.StatusOK, models)
}

func (s *Server) handleListVoices(w http.ResponseWriter, r *http.Request) {
	voices, err := s.synth.ListVoices(r.Context(), r.PathValue("model"))
	if err != nil {
		writeError(w, r, synthesisError(err, "listing voices of model %q", r.PathValue("model")))
		return
	}
	if voices == nil {
		voices = []tts.Voice{}
	}
	writeData(w, http.StatusOK, voices)
}

type uploadResponse struct {
	URL string `json:"url"`
}

// handleUpload stores an arbitrary file part named "file" and returns its
// public URL.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	filename, data, err := s.readFile(w, r, "file", s.maxUpload)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if len(data) == 0 {
		writeError(w, r, badRequest("file is empty"))
		return
	}
	contentType := mime.TypeByExtension(path.Ext(filename))
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	key := "uploads/" + uuid.NewString() + "_" + storage.SafeName(filename)
	url, err := s.uploader.Upload(r.Context(), key, data, contentType)
	if err != nil {
		writeError(w, r, &voicechat.Error{Kind: voicechat.KindUploadFailure, Message: "storing upload", Err: err})
		return
	}
	writeData(w, http.StatusCreated, uploadResponse{URL: url})
}

// handleDeleteUpload removes an object previously issued by this server's
// uploader. The URL comes from the "url" query parameter.
func (s *Server) handleDeleteUpload(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeError(w, r, badRequest("missing url query parameter"))
		return
	}
	if err := s.uploader.Delete(r.Context(), url); err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, uploadResponse{URL: url})
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, badRequest("query parameter %s=%q is not an integer", name, raw)
	}
	return n, nil
}

func synthesisError(err error, format string, args ...any) error {
	return &voicechat.Error{Kind: voicechat.KindSynthesisFailure, Message: fmt.Sprintf(format, args...), Err: err}
}
