// Package api serves the HTTP and WebSocket interface of earpiece.
//
// Routes (owner from the X-Owner-ID header):
//
//	POST   /v1/sessions                          create a session
//	GET    /v1/sessions                          list the owner's sessions (?status=, ?limit=)
//	GET    /v1/sessions/{id}                     get a session
//	POST   /v1/sessions/{id}/start               start recording
//	POST   /v1/sessions/{id}/end                 end the session
//	DELETE /v1/sessions/{id}                     delete the session and its data
//	GET    /v1/sessions/{id}/transcript          read segments (?since=N)
//	POST   /v1/sessions/{id}/segments            append a segment manually
//	GET    /v1/sessions/{id}/suggestions         list published suggestions
//	GET    /v1/sessions/{id}/stats               suggestion statistics
//	POST   /v1/suggestions/{id}/feedback         accept or dismiss a suggestion
//	GET    /v1/sessions/{id}/surfaces/{kind}     WebSocket: deltas out, commands and acks in (?since=N)
//	GET    /v1/sessions/{id}/audio               WebSocket: binary audio frames into ingestion
//	GET    /v1/owners/me/summary                 counts of everything kept for the owner
//	GET    /v1/owners/me/export                  download every session with transcript and suggestions
//	DELETE /v1/owners/me/data                    delete every ended session of the owner
//
// Browsers cannot set headers on a WebSocket handshake, so the WebSocket
// routes also accept the owner as the owner_id query parameter.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/MrWong99/earpiece/internal/fanout"
	"github.com/MrWong99/earpiece/internal/session"
	"github.com/MrWong99/earpiece/internal/suggest"
	"github.com/MrWong99/earpiece/internal/transcript"
	"github.com/MrWong99/earpiece/pkg/types"
)

// OwnerHeader carries the authenticated owner id of every request.
const OwnerHeader = "X-Owner-ID"

// Defaults for [Config].
const (
	DefaultMaxBodyBytes  = 1 << 20
	DefaultMaxAudioFrame = 1 << 20
	DefaultWriteTimeout  = 10 * time.Second
)

// Sessions is the part of the session manager the API drives.
type Sessions interface {
	Create(ctx context.Context, req session.CreateRequest) (types.Session, error)
	Start(ctx context.Context, id string) (types.Session, error)
	End(ctx context.Context, id string) (types.Session, error)
	Delete(ctx context.Context, id string) error
	Get(id string) (types.Session, error)
	List(ctx context.Context, f session.ListFilter) ([]types.Session, error)
	Append(ctx context.Context, id string, in transcript.SegmentInput) (types.Segment, error)
	Transcript(id string, since uint64) ([]types.Segment, error)
	Suggestions(id string) ([]types.Suggestion, error)
	Suggestion(id string) (types.Suggestion, error)
	Stats(id string) (suggest.Stats, error)
	Feedback(ctx context.Context, suggestionID string, accepted bool, rating int) (types.Suggestion, error)
	Attach(ctx context.Context, id string, kind types.SurfaceKind, since *uint64) (*fanout.Conn, error)
	OwnerSummary(ctx context.Context, owner string) (session.OwnerSummary, error)
	ExportOwner(ctx context.Context, owner string) (session.OwnerExport, error)
	DeleteOwner(ctx context.Context, owner string) (session.OwnerDeletion, error)
}

// Commands dispatches surface commands. [fanout.Hub] implements it.
type Commands interface {
	Command(ctx context.Context, connID string, cmd fanout.Command) error
}

// Audio receives audio frames. [ingest.Pipeline] implements it.
type Audio interface {
	Feed(sessionID string, chunk []byte) error
}

// Config configures a [Server].
type Config struct {
	// Sessions is the session manager. Required.
	Sessions Sessions

	// Commands dispatches surface commands. Required.
	Commands Commands

	// Audio receives audio frames. When nil the audio route is not served
	// and clients append segments over REST.
	Audio Audio

	// OriginPatterns are the host patterns allowed to open WebSockets from a
	// browser. Same-origin requests are always allowed.
	OriginPatterns []string

	// MaxBodyBytes caps JSON request bodies. Default: 1 MiB.
	MaxBodyBytes int64

	// MaxAudioFrame caps one audio message. Default: 1 MiB.
	MaxAudioFrame int64

	// WriteTimeout bounds a single WebSocket write. Default: 10s.
	WriteTimeout time.Duration

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// Server holds the HTTP handlers. It is safe for concurrent use.
type Server struct {
	sessions      Sessions
	commands      Commands
	audio         Audio
	origins       []string
	maxBody       int64
	maxAudioFrame int64
	writeTimeout  time.Duration
	log           *slog.Logger
}

// New creates a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("api: sessions is required")
	}
	if cfg.Commands == nil {
		return nil, errors.New("api: commands is required")
	}
	s := &Server{
		sessions:      cfg.Sessions,
		commands:      cfg.Commands,
		audio:         cfg.Audio,
		origins:       cfg.OriginPatterns,
		maxBody:       cfg.MaxBodyBytes,
		maxAudioFrame: cfg.MaxAudioFrame,
		writeTimeout:  cfg.WriteTimeout,
		log:           cfg.Logger,
	}
	if s.maxBody <= 0 {
		s.maxBody = DefaultMaxBodyBytes
	}
	if s.maxAudioFrame <= 0 {
		s.maxAudioFrame = DefaultMaxAudioFrame
	}
	if s.writeTimeout <= 0 {
		s.writeTimeout = DefaultWriteTimeout
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s, nil
}

// Register adds every route to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/sessions", s.owner(s.handleCreate))
	mux.HandleFunc("GET /v1/sessions", s.owner(s.handleList))
	mux.HandleFunc("GET /v1/sessions/{id}", s.owner(s.handleGet))
	mux.HandleFunc("POST /v1/sessions/{id}/start", s.owner(s.handleStart))
	mux.HandleFunc("POST /v1/sessions/{id}/end", s.owner(s.handleEnd))
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.owner(s.handleDelete))
	mux.HandleFunc("GET /v1/sessions/{id}/transcript", s.owner(s.handleTranscript))
	mux.HandleFunc("POST /v1/sessions/{id}/segments", s.owner(s.handleAppend))
	mux.HandleFunc("GET /v1/sessions/{id}/suggestions", s.owner(s.handleSuggestions))
	mux.HandleFunc("GET /v1/sessions/{id}/stats", s.owner(s.handleStats))
	mux.HandleFunc("POST /v1/suggestions/{id}/feedback", s.owner(s.handleFeedback))
	mux.HandleFunc("GET /v1/sessions/{id}/surfaces/{kind}", s.owner(s.handleSurface))
	mux.HandleFunc("GET /v1/owners/me/summary", s.owner(s.handleOwnerSummary))
	mux.HandleFunc("GET /v1/owners/me/export", s.owner(s.handleOwnerExport))
	mux.HandleFunc("DELETE /v1/owners/me/data", s.owner(s.handleOwnerDelete))
	if s.audio != nil {
		mux.HandleFunc("GET /v1/sessions/{id}/audio", s.owner(s.handleAudio))
	}
}

// Handler returns a mux serving every route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

type ownerKey struct{}

// owner rejects requests without an owner id and stores it on the context.
func (s *Server) owner(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(OwnerHeader)
		if id == "" && isWebSocket(r) {
			id = r.URL.Query().Get("owner_id")
		}
		if id == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing " + OwnerHeader + " header"})
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ownerKey{}, id)))
	}
}

func ownerFrom(ctx context.Context) string {
	id, _ := ctx.Value(ownerKey{}).(string)
	return id
}

// owned returns the session id if it belongs to the request's owner. Sessions
// of other owners are reported as not found.
func (s *Server) owned(r *http.Request, id string) (types.Session, error) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return types.Session{}, err
	}
	if sess.OwnerID != ownerFrom(r.Context()) {
		return types.Session{}, fmt.Errorf("%w: %q", session.ErrNotFound, id)
	}
	return sess, nil
}

func isWebSocket(r *http.Request) bool {
	return r.Header.Get("Upgrade") != "" || r.Header.Get("Sec-WebSocket-Key") != ""
}
