// Package gateway accepts WebSocket connections, authenticates the join
// handshake and routes frames between a connection and its sketch room.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"sketchsync/api/internal/auth"
	"sketchsync/api/internal/metrics"
	"sketchsync/api/internal/protocol"
	"sketchsync/api/internal/rbac"
	"sketchsync/api/internal/room"
	"sketchsync/api/internal/store"
)

var (
	errQueueFull = errors.New("send queue full")
	errClosed    = errors.New("connection closed")
)

type Verifier interface {
	Verify(token string) (auth.Claims, error)
}

// Sketches resolves sketch metadata at join time. It may be nil, in which
// case any sketch id is accepted and the token role applies as is.
type Sketches interface {
	GetSketch(ctx context.Context, sketchID string) (store.Sketch, error)
}

type Options struct {
	MaxMessageSize int64
	JoinTimeout    time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	WriteWait      time.Duration
	SendQueue      int
	CheckOrigin    func(r *http.Request) bool
}

func DefaultOptions() Options {
	return Options{
		MaxMessageSize: 1 << 20,
		JoinTimeout:    10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
		WriteWait:      10 * time.Second,
		SendQueue:      256,
	}
}

type Handler struct {
	rooms    *room.Manager
	verifier Verifier
	sketches Sketches
	opts     Options
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

func NewHandler(rooms *room.Manager, verifier Verifier, sketches Sketches, opts Options, logger zerolog.Logger) *Handler {
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{
		rooms:    rooms,
		verifier: verifier,
		sketches: sketches,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		logger: logger.With().Str("component", "gateway").Logger(),
	}
}

// conn is one joined WebSocket. It implements room.Client.
type conn struct {
	id   string
	ws   *websocket.Conn
	user protocol.User
	role rbac.Role

	send   chan []byte
	done   chan struct{}
	evict  sync.Once
	logger zerolog.Logger
}

func (c *conn) ID() string          { return c.id }
func (c *conn) User() protocol.User { return c.user }

// Send queues msg without blocking. A full queue means the client has missed
// a frame, so its socket is closed and it rejoins from the room's log.
func (c *conn) Send(msg protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		c.evict.Do(func() {
			metrics.EvictedClients.Inc()
			c.logger.Warn().Int("queue", cap(c.send)).Msg("send queue full, closing slow client")
			_ = c.ws.Close()
		})
		return errQueueFull
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Info().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	defer ws.Close()

	c := &conn{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan []byte, h.opts.SendQueue),
		done: make(chan struct{}),
	}
	logger := h.logger.With().Str("conn", c.id).Logger()
	c.logger = logger
	ws.SetReadLimit(h.opts.MaxMessageSize)

	join, ok := h.awaitJoin(c, logger)
	if !ok {
		return
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.writePump(c, logger)
	}()
	defer wg.Wait()
	defer close(c.done)

	ctx := r.Context()
	rm, err := h.rooms.Join(ctx, join.DocumentID, c)
	if err != nil {
		logger.Error().Err(err).Str("sketch", join.DocumentID).Msg("join room failed")
		_ = c.Send(protocol.Error("sketch unavailable"))
		return
	}
	defer h.rooms.Leave(rm, c)

	logger = logger.With().Str("sketch", rm.ID()).Str("uid", c.user.UID).Logger()
	h.readPump(ctx, c, rm, logger)
}

// awaitJoin reads frames until a join arrives and authenticates it. Nothing
// else writes to the socket at this point, so rejections are written inline.
func (h *Handler) awaitJoin(c *conn, logger zerolog.Logger) (protocol.Message, bool) {
	_ = c.ws.SetReadDeadline(time.Now().Add(h.opts.JoinTimeout))
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			logger.Info().Err(err).Msg("connection closed before join")
			return protocol.Message{}, false
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			logger.Warn().Err(err).Msg("malformed message")
			continue
		}
		if msg.Type != protocol.TypeJoin {
			logger.Warn().Str("type", string(msg.Type)).Msg("message before join ignored")
			continue
		}

		claims, err := h.verifier.Verify(msg.Credential)
		if err != nil {
			metrics.RejectedJoins.Inc()
			logger.Info().Err(err).Str("sketch", msg.DocumentID).Msg("join rejected")
			h.reject(c, "authentication failed")
			return protocol.Message{}, false
		}

		role, reason := h.resolveRole(msg.DocumentID, claims)
		if reason != "" {
			logger.Info().Str("sketch", msg.DocumentID).Str("uid", claims.Sub).Str("reason", reason).Msg("join rejected")
			h.reject(c, reason)
			return protocol.Message{}, false
		}

		c.role = role
		c.user = protocol.User{UID: claims.Sub, Name: claims.Name, Color: claims.Color}
		if msg.User != nil {
			if msg.User.Name != "" {
				c.user.Name = msg.User.Name
			}
			if msg.User.Color != "" {
				c.user.Color = msg.User.Color
			}
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(h.opts.PongWait))
		c.ws.SetPongHandler(func(string) error {
			return c.ws.SetReadDeadline(time.Now().Add(h.opts.PongWait))
		})
		return msg, true
	}
}

func (h *Handler) resolveRole(sketchID string, claims auth.Claims) (rbac.Role, string) {
	role := rbac.Normalize(claims.Role)
	if h.sketches != nil {
		ctx, cancel := context.WithTimeout(context.Background(), h.opts.WriteWait)
		defer cancel()
		sketch, err := h.sketches.GetSketch(ctx, sketchID)
		if errors.Is(err, store.ErrNotFound) {
			return "", "sketch not found"
		}
		if err != nil {
			h.logger.Error().Err(err).Str("sketch", sketchID).Msg("lookup sketch failed")
			return "", "sketch unavailable"
		}
		role = rbac.ForSketch(claims.Role, claims.Sub, sketch.OwnerID)
	}
	if !rbac.Can(role, rbac.ActionView) {
		return "", "forbidden"
	}
	return role, ""
}

func (h *Handler) reject(c *conn, reason string) {
	deadline := time.Now().Add(h.opts.WriteWait)
	if data, err := protocol.Error(reason).Encode(); err == nil {
		_ = c.ws.SetWriteDeadline(deadline)
		_ = c.ws.WriteMessage(websocket.TextMessage, data)
	}
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), deadline)
}

func (h *Handler) readPump(ctx context.Context, c *conn, rm *room.Room, logger zerolog.Logger) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Info().Err(err).Msg("connection lost")
			} else {
				logger.Debug().Err(err).Msg("connection closed")
			}
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			logger.Warn().Err(err).Msg("malformed message")
			continue
		}

		switch msg.Type {
		case protocol.TypeCommand:
			if !rbac.Can(c.role, rbac.ActionEdit) {
				metrics.Commands.WithLabelValues(metrics.OutcomeForbidden).Inc()
				logger.Debug().Str("command", msg.Command.ID).Msg("command from read-only client dropped")
				continue
			}
			rm.HandleCommand(*msg.Command, c)
		case protocol.TypeCursor:
			rm.HandleCursor(c, *msg.X, *msg.Y)
		case protocol.TypeMeta:
			if !rbac.Can(c.role, rbac.ActionEdit) {
				continue
			}
			_ = rm.HandleMeta(ctx, *msg.Data)
		case protocol.TypeJoin:
			logger.Warn().Msg("duplicate join ignored")
		default:
			logger.Warn().Str("type", string(msg.Type)).Msg("unexpected message type")
		}
	}
}

func (h *Handler) writePump(c *conn, logger zerolog.Logger) {
	ticker := time.NewTicker(h.opts.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(h.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Debug().Err(err).Msg("write failed")
				_ = c.ws.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(h.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.ws.Close()
				return
			}
		case <-c.done:
			h.drain(c)
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(h.opts.WriteWait))
			return
		}
	}
}

// drain writes whatever is still queued, such as an error frame sent just
// before the handler returned.
func (h *Handler) drain(c *conn) {
	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(h.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}
