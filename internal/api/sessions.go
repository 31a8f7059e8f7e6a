package api

import (
	"errors"
	"io"
	"net/http"
	"slices"
	"strings"

	"github.com/MrWong99/voxtalk/internal/observe"
	"github.com/MrWong99/voxtalk/internal/voicechat"
	"github.com/MrWong99/voxtalk/pkg/types"
)

// audioField is the multipart field carrying a voice-turn recording.
const audioField = "audio"

type createSessionRequest struct {
	CharacterID int64 `json:"character_id"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	id, err := s.orch.GenerateSession(r.Context(), req.CharacterID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, createSessionResponse{SessionID: id})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	ids := s.orch.ListSessions(r.PathValue("businessType"))
	if ids == nil {
		ids = []string{}
	}
	writeData(w, http.StatusOK, ids)
}

// handleHistory returns the merged history of a session listed under the
// given business type. Sessions outside that bucket have no history there.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	history := []types.HistoryEntry{}
	if slices.Contains(s.orch.ListSessions(r.PathValue("businessType")), sessionID) {
		if h := s.orch.History(sessionID); h != nil {
			history = h
		}
	}
	writeData(w, http.StatusOK, history)
}

func (s *Server) handleVoiceHistory(w http.ResponseWriter, r *http.Request) {
	records := s.orch.VoiceHistory(r.PathValue("sessionID"))
	if records == nil {
		records = []types.VoiceRecord{}
	}
	writeData(w, http.StatusOK, records)
}

type voiceTurnResponse struct {
	AgentVoice string `json:"agent_voice"`
	UserVoice  string `json:"user_voice"`
	Timestamp  int64  `json:"timestamp"`
	Transcript string `json:"transcript"`
	Reply      string `json:"reply"`
}

func (s *Server) handleVoiceTurn(w http.ResponseWriter, r *http.Request) {
	filename, data, err := s.readFile(w, r, audioField, s.maxAudio)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.orch.VoiceTurn(r.Context(), voicechat.VoiceTurnRequest{
		SessionID: r.PathValue("sessionID"),
		Filename:  filename,
		Audio:     data,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, voiceTurnResponse{
		AgentVoice: res.AgentVoice,
		UserVoice:  res.UserVoice,
		Timestamp:  res.Timestamp,
		Transcript: res.Transcript,
		Reply:      res.Reply,
	})
}

type chatRequest struct {
	Text string `json:"text"`
}

// handleChat streams the reply as plain text. Errors detected before the
// first byte use the JSON envelope; a failure mid-stream can only end the
// response early.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	st, err := s.orch.TextTurn(r.Context(), r.PathValue("sessionID"), req.Text)
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	writeFailed := false
	for frag := range st.Fragments() {
		if writeFailed {
			continue
		}
		if _, err := io.WriteString(w, frag); err != nil {
			writeFailed = true
			continue
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	if err := st.Err(); err != nil {
		observe.Logger(r.Context()).Warn("api: chat stream ended early",
			"session_id", r.PathValue("sessionID"), "err", err)
	}
}

// readFile extracts one file part from a multipart body of at most limit
// bytes of payload.
func (s *Server) readFile(w http.ResponseWriter, r *http.Request, field string, limit int64) (string, []byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
	mr, err := r.MultipartReader()
	if err != nil {
		return "", nil, badRequest("expected a multipart/form-data body: %v", err)
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return "", nil, badRequest("missing %q file field", field)
		}
		if err != nil {
			return "", nil, readError(err)
		}
		if part.FormName() != field {
			_ = part.Close()
			continue
		}
		data, err := io.ReadAll(io.LimitReader(part, limit+1))
		_ = part.Close()
		if err != nil {
			return "", nil, readError(err)
		}
		if int64(len(data)) > limit {
			return "", nil, badRequest("file exceeds the %d byte limit", limit)
		}
		return strings.TrimSpace(part.FileName()), data, nil
	}
}

func readError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return badRequest("request body exceeds %d bytes", tooLarge.Limit)
	}
	return badRequest("reading multipart body: %v", err)
}
