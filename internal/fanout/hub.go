// Package fanout broadcasts session deltas to every attached surface.
//
// Each surface connection owns a bounded outbound queue. [Hub.Broadcast]
// never blocks: a connection whose queue is full is dropped with
// [ErrOverflow] and has to reattach, which resynchronises it from its last
// acknowledged sequence number. Replay deltas handed to [Hub.Attach] are queued
// before any live delta, so a surface sees history and live traffic as one
// ordered stream.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/MrWong99/earpiece/internal/observe"
	"github.com/MrWong99/earpiece/pkg/types"
)

// DefaultQueueDepth is the live outbound queue depth per connection.
const DefaultQueueDepth = 256

var (
	// ErrOverflow closes a connection whose outbound queue filled up.
	ErrOverflow = errors.New("fanout: outbound queue overflow")

	// ErrSessionClosed closes the connections of a session that was removed.
	ErrSessionClosed = errors.New("fanout: session closed")

	// ErrUnknownSession is returned by [Hub.Attach] for a session that was
	// never opened or has been closed.
	ErrUnknownSession = errors.New("fanout: unknown session")

	// ErrUnknownConnection is returned for a connection id that is not attached.
	ErrUnknownConnection = errors.New("fanout: unknown connection")

	// ErrNoHandler is returned by [Hub.Command] when no handler is registered.
	ErrNoHandler = errors.New("fanout: no command handler")
)

// CommandHandler applies control commands sent by surfaces.
type CommandHandler interface {
	HandleCommand(ctx context.Context, connID string, cmd Command) error
}

// Config configures a [Hub].
type Config struct {
	// QueueDepth is the live queue depth per connection. Default: 256.
	QueueDepth int

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger defaults to [slog.Default].
	Logger *slog.Logger

	// NewID defaults to [uuid.NewString].
	NewID func() string
}

type ackKey struct {
	sessionID string
	kind      types.SurfaceKind
}

// Hub is the fan-out hub. All methods are safe for concurrent use.
type Hub struct {
	depth   int
	metrics *observe.Metrics
	log     *slog.Logger
	newID   func() string

	mu       sync.Mutex
	sessions map[string]map[string]*Conn
	conns    map[string]*Conn
	acks     map[ackKey]uint64
	handler  CommandHandler
}

// New creates a [Hub].
func New(cfg Config) *Hub {
	h := &Hub{
		depth:    cfg.QueueDepth,
		metrics:  cfg.Metrics,
		log:      cfg.Logger,
		newID:    cfg.NewID,
		sessions: make(map[string]map[string]*Conn),
		conns:    make(map[string]*Conn),
		acks:     make(map[ackKey]uint64),
	}
	if h.depth <= 0 {
		h.depth = DefaultQueueDepth
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	if h.log == nil {
		h.log = slog.Default()
	}
	if h.newID == nil {
		h.newID = uuid.NewString
	}
	return h
}

// SetHandler registers the command handler.
func (h *Hub) SetHandler(handler CommandHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = handler
}

// Open registers sessionID so that surfaces can attach. It is idempotent.
func (h *Hub) Open(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[sessionID]; !ok {
		h.sessions[sessionID] = make(map[string]*Conn)
	}
}

// Attach connects a surface to sessionID. The replay deltas are queued first,
// in the order given; live deltas follow. The queue holds the full replay
// plus the live depth.
func (h *Hub) Attach(sessionID string, kind types.SurfaceKind, replay []Delta) (*Conn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSession, sessionID)
	}
	c := &Conn{
		id:        h.newID(),
		sessionID: sessionID,
		kind:      kind,
		hub:       h,
		out:       make(chan Delta, len(replay)+h.depth),
	}
	for _, d := range replay {
		c.out <- d
	}
	conns[c.id] = c
	h.conns[c.id] = c

	h.metrics.RecordSurface(context.Background(), string(kind), 1)
	h.log.Debug("fanout: surface attached",
		"session_id", sessionID, "connection_id", c.id, "surface", kind, "replay", len(replay))
	return c, nil
}

// Detach removes a connection. Nothing is delivered to it afterwards. Its
// last acknowledged sequence number is kept for the (session, kind) pair.
func (h *Hub) Detach(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.conns[connID]; ok {
		h.removeLocked(c, nil)
	}
}

// Broadcast pushes d to every connection of d.SessionID without blocking.
// A connection whose queue is full is dropped with [ErrOverflow]; partial
// deltas are skipped for it instead.
func (h *Hub) Broadcast(d Delta) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.sessions[d.SessionID] {
		select {
		case c.out <- d:
		default:
			if d.Type == DeltaPartial {
				continue
			}
			h.metrics.SurfaceDrops.Add(context.Background(), 1)
			h.log.Warn("fanout: dropping slow surface",
				"session_id", d.SessionID, "connection_id", c.id, "surface", c.kind)
			h.removeLocked(c, ErrOverflow)
		}
	}
}

// Ack records that connID has consumed everything up to seq. Acks never move
// backwards.
func (h *Hub) Ack(connID string, seq uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownConnection, connID)
	}
	key := ackKey{c.sessionID, c.kind}
	if seq > h.acks[key] {
		h.acks[key] = seq
	}
	return nil
}

// LastAck returns the highest sequence number acknowledged by any connection
// of kind on sessionID, surviving disconnects. It is shared by every
// connection of that kind, so it is reported but never used as a resume
// point; each surface resumes from its own since.
func (h *Hub) LastAck(sessionID string, kind types.SurfaceKind) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.acks[ackKey{sessionID, kind}]
}

// Lookup returns the attached connection with connID.
func (h *Hub) Lookup(connID string) (*Conn, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	return c, ok
}

// Connections returns the number of connections attached to sessionID.
func (h *Hub) Connections(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions[sessionID])
}

// Command routes a control command from connID to the registered handler.
// The handler runs without the hub lock held.
func (h *Hub) Command(ctx context.Context, connID string, cmd Command) error {
	h.mu.Lock()
	handler := h.handler
	_, ok := h.conns[connID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownConnection, connID)
	}
	if handler == nil {
		return ErrNoHandler
	}
	return handler.HandleCommand(ctx, connID, cmd)
}

// CloseSession pushes final (if non-nil) to every connection of sessionID on a
// best-effort basis, closes them with [ErrSessionClosed] and forgets the
// session along with its acknowledgements.
func (h *Hub) CloseSession(sessionID string, final *Delta) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.sessions[sessionID] {
		if final != nil {
			select {
			case c.out <- *final:
			default:
			}
		}
		h.removeLocked(c, ErrSessionClosed)
	}
	delete(h.sessions, sessionID)
	for key := range h.acks {
		if key.sessionID == sessionID {
			delete(h.acks, key)
		}
	}
}

// removeLocked detaches and closes c. Must be called with h.mu held.
func (h *Hub) removeLocked(c *Conn, err error) {
	if conns, ok := h.sessions[c.sessionID]; ok {
		delete(conns, c.id)
	}
	delete(h.conns, c.id)
	c.closeLocked(err)
	h.metrics.RecordSurface(context.Background(), string(c.kind), -1)
}

// Conn is one attached surface.
type Conn struct {
	id        string
	sessionID string
	kind      types.SurfaceKind
	hub       *Hub

	// out is closed by the hub, under its lock, when the connection is removed.
	out    chan Delta
	closed bool
	err    error
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// SessionID returns the session the connection is attached to.
func (c *Conn) SessionID() string { return c.sessionID }

// Kind returns the surface kind.
func (c *Conn) Kind() types.SurfaceKind { return c.kind }

// Deltas returns the outbound queue. It is closed when the connection is
// removed; [Conn.Err] then reports why.
func (c *Conn) Deltas() <-chan Delta { return c.out }

// Err returns the reason the connection was closed: nil for a normal detach,
// [ErrOverflow] or [ErrSessionClosed] otherwise.
func (c *Conn) Err() error {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	return c.err
}

// Ack records consumption up to seq.
func (c *Conn) Ack(seq uint64) error { return c.hub.Ack(c.id, seq) }

// Close detaches the connection.
func (c *Conn) Close() { c.hub.Detach(c.id) }

// closeLocked must be called with the hub lock held.
func (c *Conn) closeLocked(err error) {
	if c.closed {
		return
	}
	c.closed = true
	c.err = err
	close(c.out)
}
