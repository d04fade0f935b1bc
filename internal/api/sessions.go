package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/MrWong99/earpiece/internal/session"
	"github.com/MrWong99/earpiece/internal/transcript"
	"github.com/MrWong99/earpiece/pkg/types"
)

type createRequest struct {
	Platform        types.Platform        `json:"platform"`
	SessionType     string                `json:"session_type"`
	RetentionPolicy types.RetentionPolicy `json:"retention_policy"`
	PrivacyMode     bool                  `json:"privacy_mode"`
}

type sessionsResponse struct {
	Sessions []types.Session `json:"sessions"`
}

type segmentsResponse struct {
	Segments []types.Segment `json:"segments"`
}

type suggestionsResponse struct {
	Suggestions []types.Suggestion `json:"suggestions"`
}

type appendRequest struct {
	Speaker    types.Speaker `json:"speaker"`
	Text       string        `json:"text"`
	StartMs    int64         `json:"start_ms"`
	EndMs      int64         `json:"end_ms"`
	Confidence float64       `json:"confidence"`
}

type feedbackRequest struct {
	Accepted bool `json:"accepted"`
	Rating   int  `json:"rating"`
}

// handleCreate handles POST /v1/sessions.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, err := s.sessions.Create(r.Context(), session.CreateRequest{
		OwnerID:         ownerFrom(r.Context()),
		Platform:        req.Platform,
		SessionType:     req.SessionType,
		RetentionPolicy: req.RetentionPolicy,
		PrivacyMode:     req.PrivacyMode,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/sessions/"+sess.ID)
	writeJSON(w, http.StatusCreated, sess)
}

// handleList handles GET /v1/sessions.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	f := session.ListFilter{
		OwnerID: ownerFrom(r.Context()),
		Status:  types.Status(r.URL.Query().Get("status")),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, r, fmt.Errorf("%w: limit must be a non-negative integer", errBadRequest))
			return
		}
		f.Limit = n
	}
	out, err := s.sessions.List(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if out == nil {
		out = []types.Session{}
	}
	writeJSON(w, http.StatusOK, sessionsResponse{Sessions: out})
}

// handleGet handles GET /v1/sessions/{id}.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, err := s.owned(r, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleStart handles POST /v1/sessions/{id}/start.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.owned(r, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, err := s.sessions.Start(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleEnd handles POST /v1/sessions/{id}/end.
func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.owned(r, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, err := s.sessions.End(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleDelete handles DELETE /v1/sessions/{id}.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.owned(r, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.sessions.Delete(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTranscript handles GET /v1/sessions/{id}/transcript.
func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.owned(r, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	since, err := queryUint(r, "since")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var from uint64
	if since != nil {
		from = *since
	}
	segs, err := s.sessions.Transcript(id, from)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, segmentsResponse{Segments: segs})
}

// handleAppend handles POST /v1/sessions/{id}/segments.
func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.owned(r, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	var req appendRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Speaker == "" {
		req.Speaker = types.SpeakerUnknown
	}
	seg, err := s.sessions.Append(r.Context(), id, transcript.SegmentInput{
		Speaker:    req.Speaker,
		Text:       req.Text,
		StartMs:    req.StartMs,
		EndMs:      req.EndMs,
		Confidence: req.Confidence,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, seg)
}

// handleSuggestions handles GET /v1/sessions/{id}/suggestions.
func (s *Server) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.owned(r, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	sgs, err := s.sessions.Suggestions(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if sgs == nil {
		sgs = []types.Suggestion{}
	}
	writeJSON(w, http.StatusOK, suggestionsResponse{Suggestions: sgs})
}

// handleStats handles GET /v1/sessions/{id}/stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.owned(r, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	st, err := s.sessions.Stats(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleFeedback handles POST /v1/suggestions/{id}/feedback.
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sg, err := s.sessions.Suggestion(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.owned(r, sg.SessionID); err != nil {
		s.writeError(w, r, err)
		return
	}
	var req feedbackRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sg, err = s.sessions.Feedback(r.Context(), id, req.Accepted, req.Rating)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sg)
}
