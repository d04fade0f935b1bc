package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/earpiece/internal/fanout"
	"github.com/MrWong99/earpiece/pkg/types"
)

// Client message types.
const (
	msgCommand = "command"
	msgAck     = "ack"
)

// commandError is sent to a surface whose command failed. Commands that
// succeed are answered by the state deltas they cause.
type commandError struct {
	Type    string `json:"type"`
	Command string `json:"command,omitempty"`
	Error   string `json:"error"`
	Status  int    `json:"status"`
}

// handleSurface handles GET /v1/sessions/{id}/surfaces/{kind}.
//
// The surface is attached before the upgrade so that attach errors are
// reported as plain HTTP responses.
func (s *Server) handleSurface(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	kind := types.SurfaceKind(r.PathValue("kind"))
	if _, err := s.owned(r, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	since, err := queryUint(r, "since")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := s.sessions.Attach(r.Context(), id, kind, since)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer conn.Close()

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		s.log.Warn("api: surface upgrade failed", "session_id", id, "surface", kind, "error", err)
		return
	}
	defer ws.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go s.readSurface(ctx, cancel, ws, conn)

	log := s.log.With("session_id", id, "surface", kind, "connection_id", conn.ID())
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-conn.Deltas():
			if !ok {
				code, reason := closeReason(conn.Err())
				log.Info("api: surface closed by hub", "reason", reason)
				_ = ws.Close(code, reason)
				return
			}
			if err := s.write(ctx, ws, d); err != nil {
				log.Debug("api: surface write failed", "error", err)
				return
			}
		}
	}
}

// readSurface consumes client messages until the socket closes.
func (s *Server) readSurface(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, conn *fanout.Conn) {
	defer cancel()
	for {
		var msg fanout.ClientMessage
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			if st := websocket.CloseStatus(err); st != websocket.StatusNormalClosure && st != websocket.StatusGoingAway && ctx.Err() == nil {
				s.log.Debug("api: surface read ended", "connection_id", conn.ID(), "error", err)
			}
			return
		}
		switch msg.Type {
		case msgAck:
			if err := conn.Ack(msg.SequenceNo); err != nil {
				return
			}
		case msgCommand:
			err := s.commands.Command(ctx, conn.ID(), fanout.Command{Name: msg.Name, Args: msg.Args})
			if err != nil {
				s.log.Info("api: surface command rejected", "connection_id", conn.ID(), "command", msg.Name, "error", err)
				_ = s.write(ctx, ws, commandError{Type: "error", Command: msg.Name, Error: err.Error(), Status: statusOf(err)})
			}
		default:
			_ = s.write(ctx, ws, commandError{Type: "error", Error: "unknown message type " + msg.Type, Status: http.StatusBadRequest})
		}
	}
}

func (s *Server) write(ctx context.Context, ws *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, ws, v)
}

// closeReason maps the reason a hub connection was removed to a WebSocket
// close frame.
func closeReason(err error) (websocket.StatusCode, string) {
	switch {
	case err == nil:
		return websocket.StatusNormalClosure, "detached"
	case errors.Is(err, fanout.ErrOverflow):
		return websocket.StatusTryAgainLater, "surface fell behind; reconnect with since"
	case errors.Is(err, fanout.ErrSessionClosed):
		return websocket.StatusNormalClosure, "session closed"
	default:
		return websocket.StatusInternalError, "internal error"
	}
}
