package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/MrWong99/earpiece/internal/session"
	"github.com/MrWong99/earpiece/internal/store"
	"github.com/MrWong99/earpiece/internal/suggest"
	"github.com/MrWong99/earpiece/internal/transcript"
)

// errBadRequest marks malformed input detected by the API itself.
var errBadRequest = errors.New("api: bad request")

// errorBody is the JSON body of every error response.
type errorBody struct {
	Error string `json:"error"`
}

// statusOf maps an error to its HTTP status code.
func statusOf(err error) int {
	switch {
	case errors.Is(err, session.ErrConflict),
		errors.Is(err, session.ErrInvalidState),
		errors.Is(err, transcript.ErrSessionClosed),
		errors.Is(err, session.ErrBusy),
		errors.Is(err, suggest.ErrAlreadyResolved):
		return http.StatusConflict
	case errors.Is(err, session.ErrNotFound),
		errors.Is(err, suggest.ErrNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, suggest.ErrInvalidRating),
		errors.Is(err, session.ErrInvalidRequest),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes err with the status it maps to. Internal errors are
// logged and answered with a generic message.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		s.log.Error("api: request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
		if status == http.StatusInternalServerError {
			msg = "internal error"
		}
	}
	writeJSON(w, status, errorBody{Error: msg})
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("api: encode response", "error", err)
	}
}

// decode reads a JSON body into v, rejecting unknown fields and oversized
// bodies.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid body: %v", errBadRequest, err)
	}
	return nil
}

// queryUint parses an optional unsigned query parameter.
func queryUint(r *http.Request, name string) (*uint64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be a non-negative integer", errBadRequest, name)
	}
	return &n, nil
}

func errSessionEnded(id string) error {
	return fmt.Errorf("%w: session %q has ended", session.ErrInvalidState, id)
}
