package api

import (
	"errors"
	"net/http"

	"github.com/coder/websocket"

	"github.com/MrWong99/earpiece/internal/ingest"
	"github.com/MrWong99/earpiece/pkg/types"
)

// handleAudio handles GET /v1/sessions/{id}/audio. Every binary message is
// one chunk of PCM audio in the format the ASR stream was opened with. Text
// messages are rejected. The socket is closed when the session ends.
func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.owned(r, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if sess.Status == types.StatusEnded {
		s.writeError(w, r, errSessionEnded(id))
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		s.log.Warn("api: audio upgrade failed", "session_id", id, "error", err)
		return
	}
	defer ws.CloseNow()
	ws.SetReadLimit(s.maxAudioFrame)

	log := s.log.With("session_id", id)
	log.Info("api: audio stream connected")
	var chunks, dropped int
	defer func() { log.Info("api: audio stream disconnected", "chunks", chunks, "dropped", dropped) }()

	ctx := r.Context()
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageBinary {
			_ = ws.Close(websocket.StatusUnsupportedData, "audio frames must be binary")
			return
		}
		err = s.audio.Feed(id, data)
		switch {
		case err == nil:
			chunks++
		case errors.Is(err, ingest.ErrNotOpen):
			// The stream opens when the session starts and closes when it
			// ends.
			if cur, gerr := s.sessions.Get(id); gerr != nil || cur.Status == types.StatusEnded {
				_ = ws.Close(websocket.StatusNormalClosure, "session ended")
				return
			}
			dropped++
		default:
			dropped++
			log.Warn("api: dropping audio chunk", "error", err)
		}
	}
}
