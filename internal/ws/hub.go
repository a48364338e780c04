// Package ws implements the WebSocket transport for interactive sessions.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/joescharf/cmdassist/internal/session"
	"github.com/joescharf/cmdassist/internal/store"
	"github.com/joescharf/cmdassist/internal/workflow"
)

const (
	welcomeText  = "Connected to cmdassist"
	writeTimeout = 10 * time.Second
	// releaseTimeout bounds session cleanup after a connection closes.
	releaseTimeout = 10 * time.Second
	// inboxSize is how many frames a connection may queue behind a running step.
	inboxSize = 32
)

// conn wraps a single WebSocket connection.
type conn struct {
	id     string
	ws     *websocket.Conn
	cancel context.CancelFunc

	writeMu sync.Mutex
	inbox   chan Message

	mu       sync.Mutex
	last     string // most recent session id
	queued   int    // frames in inbox
	stepping string // session the worker is applying a decision to
}

func (c *conn) send(ctx context.Context, msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.ws, msg)
}

func (c *conn) setLast(id string) {
	c.mu.Lock()
	c.last = id
	c.mu.Unlock()
}

func (c *conn) lastSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// enqueue hands msg to the connection's worker without blocking.
func (c *conn) enqueue(msg Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case c.inbox <- msg:
		c.queued++
		return true
	default:
		return false
	}
}

func (c *conn) dequeued() {
	c.mu.Lock()
	c.queued--
	c.mu.Unlock()
}

func (c *conn) setStepping(id string) {
	c.mu.Lock()
	c.stepping = id
	c.mu.Unlock()
}

// collides reports whether a decision frame names a session that already has
// a step running on this connection with nothing queued ahead of the frame.
// Frames without a session id always queue, since the session they resolve
// to depends on the frames before them.
func (c *conn) collides(msg Message) bool {
	if _, ok := msg.decisionKey(); !ok || msg.SessionID == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queued == 0 && c.stepping == msg.SessionID
}

// Hub accepts WebSocket connections and routes their messages to the
// session service. Each connection owns the sessions it starts.
type Hub struct {
	svc    *session.Service
	logger *slog.Logger

	mu     sync.RWMutex
	conns  map[*conn]struct{}
	closed bool
	wg     sync.WaitGroup // one per served connection
}

// NewHub creates a hub over svc.
func NewHub(svc *session.Service, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		svc:    svc,
		logger: logger,
		conns:  make(map[*conn]struct{}),
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		h.logger.Error("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{id: uuid.NewString(), ws: ws, cancel: cancel, inbox: make(chan Message, inboxSize)}
	if !h.add(c) {
		cancel()
		_ = ws.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer h.wg.Done()
	h.logger.Info("websocket connected", "conn", c.id, "remote", r.RemoteAddr)

	// Frames are applied in arrival order by one worker so the read loop
	// stays free to notice a close while a step runs.
	worker := make(chan struct{})
	go func() {
		defer close(worker)
		for msg := range c.inbox {
			c.dequeued()
			if ctx.Err() != nil {
				continue
			}
			h.reply(ctx, c, h.handle(ctx, c, msg))
		}
	}()

	defer func() {
		cancel()
		close(c.inbox)
		<-worker
		h.remove(c)
		_ = ws.Close(websocket.StatusNormalClosure, "")

		rctx, rcancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer rcancel()
		if err := h.svc.ReleaseOwner(rctx, c.id); err != nil {
			h.logger.Warn("release sessions failed", "conn", c.id, "error", err)
		}
		h.logger.Info("websocket disconnected", "conn", c.id)
	}()

	if err := c.send(ctx, Message{Type: TypeWelcome, Content: welcomeText}); err != nil {
		return
	}

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			h.reply(ctx, c, errorMessage(session.CodeBadRequest, "", "Invalid JSON message"))
			continue
		}
		if c.collides(msg) {
			err := fmt.Errorf("session %s: %w", msg.SessionID, workflow.ErrNotWaiting)
			h.reply(ctx, c, h.failure(c, msg.SessionID, err))
			continue
		}
		if !c.enqueue(msg) {
			h.reply(ctx, c, errorMessage(session.CodeBadRequest, msg.SessionID, "Too many pending messages"))
		}
	}
}

// handle processes one inbound message and returns the reply.
func (h *Hub) handle(ctx context.Context, c *conn, msg Message) Message {
	if msg.Type == TypeMessage {
		out, err := h.svc.Start(ctx, c.id, msg.Content)
		if err != nil {
			return h.failure(c, "", err)
		}
		reply := outboundMessage(out)
		c.setLast(reply.SessionID)
		return reply
	}

	decision, ok := msg.decisionKey()
	if !ok {
		if msg.Type == TypeDecision {
			return errorMessage(session.CodeBadRequest, msg.SessionID, "decision is required")
		}
		return errorMessage(session.CodeBadRequest, "", fmt.Sprintf("Unknown message type: %s", msg.Type))
	}

	id := msg.SessionID
	if id == "" {
		id = c.lastSession()
	}
	if id == "" {
		return errorMessage(session.CodeNotFound, "", "No active session found")
	}
	if !h.addressable(c, id) {
		return h.failure(c, id, fmt.Errorf("session %s: %w", id, store.ErrNotFound))
	}

	c.setStepping(id)
	out, err := h.svc.Submit(ctx, id, decision)
	c.setStepping("")
	if err != nil {
		return h.failure(c, id, err)
	}
	return outboundMessage(out)
}

// addressable reports whether c may send decisions to session id.
func (h *Hub) addressable(c *conn, id string) bool {
	owner, ok := h.svc.Owner(id)
	if ok {
		return owner == c.id
	}
	return !h.svc.DiscardOnDisconnect()
}

func (h *Hub) failure(c *conn, id string, err error) Message {
	code := session.ErrorCode(err)
	if code == session.CodeInternal && !errors.Is(err, context.Canceled) {
		h.logger.Error("session step failed", "conn", c.id, "session", id, "error", err)
	}
	return errorMessage(code, id, err.Error())
}

func (h *Hub) reply(ctx context.Context, c *conn, msg Message) {
	if err := c.send(ctx, msg); err != nil && ctx.Err() == nil {
		h.logger.Debug("websocket write failed", "conn", c.id, "error", err)
	}
}

func errorMessage(code, sessionID, text string) Message {
	return Message{Type: TypeError, Code: code, SessionID: sessionID, Content: text}
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) add(c *conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c]; ok {
		c.cancel()
		delete(h.conns, c)
	}
}

// Close terminates every open connection and waits until each has released
// its sessions. Connections accepted afterwards are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for c := range h.conns {
		c.cancel()
	}
	h.mu.Unlock()
	h.wg.Wait()
}
