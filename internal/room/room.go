// Package room is the authority for live sketches. A Room owns one sketch's
// command log and the clients connected to it; the Manager creates rooms on
// first join and tears them down once they have been empty for a grace
// period.
package room

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"sketchsync/api/internal/command"
	"sketchsync/api/internal/metrics"
	"sketchsync/api/internal/persist"
	"sketchsync/api/internal/protocol"
	"sketchsync/api/internal/util"
)

var ErrRoomClosed = errors.New("room closed")

// Client is one connection joined to a room. Send must not block: rooms call
// it while holding their lock and ignore its error.
type Client interface {
	ID() string
	User() protocol.User
	Send(msg protocol.Message) error
}

// MetaStore persists sketch view state outside the command log.
type MetaStore interface {
	UpdateSketchView(ctx context.Context, sketchID string, meta protocol.Meta) error
}

type Room struct {
	id     string
	writer *persist.Writer
	meta   MetaStore
	grace  time.Duration
	onIdle func(*Room)
	logger zerolog.Logger

	mu      sync.Mutex
	log     *command.Log
	clients map[string]Client
	order   []string
	destroy util.Task
	closed  bool
	reopen  chan struct{}
	gone    chan struct{}
}

func newRoom(id string, log *command.Log, writer *persist.Writer, meta MetaStore, grace time.Duration, onIdle func(*Room), logger zerolog.Logger) *Room {
	return &Room{
		id:      id,
		writer:  writer,
		meta:    meta,
		grace:   grace,
		onIdle:  onIdle,
		logger:  logger.With().Str("sketch", id).Logger(),
		log:     log,
		clients: make(map[string]Client),
		gone:    make(chan struct{}),
	}
}

func (r *Room) ID() string { return r.id }

// AddClient cancels any pending teardown, sends c the full log and roster,
// and announces c to everyone else.
func (r *Room) AddClient(c Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRoomClosed
	}
	r.destroy.Cancel()

	if _, ok := r.clients[c.ID()]; !ok {
		r.order = append(r.order, c.ID())
		metrics.ClientsConnected.Inc()
	}
	r.clients[c.ID()] = c

	_ = c.Send(protocol.Joined(r.log.Commands(), r.rosterLocked()))
	r.broadcastLocked(protocol.UserJoined(c.User()), c.ID())
	r.logger.Info().Str("conn", c.ID()).Str("uid", c.User().UID).Int("clients", len(r.clients)).Msg("client joined")
	return nil
}

// RemoveClient drops c from the roster and tells the others. When the room
// becomes empty the grace timer starts.
func (r *Room) RemoveClient(c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[c.ID()]; !ok {
		return
	}
	delete(r.clients, c.ID())
	for i, id := range r.order {
		if id == c.ID() {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	metrics.ClientsConnected.Dec()

	r.broadcastLocked(protocol.UserLeft(c.User().UID), "")
	r.logger.Info().Str("conn", c.ID()).Str("uid", c.User().UID).Int("clients", len(r.clients)).Msg("client left")

	if len(r.clients) == 0 && !r.closed {
		r.destroy.Schedule(r.grace, func() { r.onIdle(r) })
	}
}

// HandleCommand appends cmd and relays it to everyone but sender. A command
// whose id is already in the log is dropped and false is returned.
func (r *Room) HandleCommand(cmd command.Command, sender Client) bool {
	if err := cmd.Validate(); err != nil {
		metrics.Commands.WithLabelValues(metrics.OutcomeInvalid).Inc()
		r.logger.Warn().Err(err).Str("command", cmd.ID).Msg("dropping invalid command")
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	if err := r.log.Append(cmd); err != nil {
		metrics.Commands.WithLabelValues(metrics.OutcomeDuplicate).Inc()
		r.logger.Debug().Str("command", cmd.ID).Msg("duplicate command dropped")
		return false
	}
	metrics.Commands.WithLabelValues(metrics.OutcomeAccepted).Inc()

	exclude := ""
	if sender != nil {
		exclude = sender.ID()
	}
	r.broadcastLocked(protocol.CommandMessage(cmd), exclude)
	r.writer.Schedule(r.id, r.Commands)
	return true
}

// HandleCursor relays a cursor position. Cursors are never logged.
func (r *Room) HandleCursor(sender Client, x, y float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastLocked(protocol.Cursor(sender.User().UID, x, y), sender.ID())
}

// HandleMeta stores view state for the sketch. The write happens outside the
// room lock.
func (r *Room) HandleMeta(ctx context.Context, meta protocol.Meta) error {
	if meta.Empty() || r.meta == nil {
		return nil
	}
	if err := r.meta.UpdateSketchView(ctx, r.id, meta); err != nil {
		r.logger.Error().Err(err).Msg("update sketch view failed")
		return err
	}
	return nil
}

// Commands returns a copy of the current log.
func (r *Room) Commands() []command.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.log.Commands()
}

func (r *Room) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.log.Len()
}

func (r *Room) Clients() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Gone is closed once the room has been torn down.
func (r *Room) Gone() <-chan struct{} {
	return r.gone
}

func (r *Room) rosterLocked() []protocol.User {
	users := make([]protocol.User, 0, len(r.order))
	for _, id := range r.order {
		users = append(users, r.clients[id].User())
	}
	return users
}

func (r *Room) broadcastLocked(msg protocol.Message, exclude string) {
	for _, id := range r.order {
		if id == exclude {
			continue
		}
		if err := r.clients[id].Send(msg); err != nil {
			r.logger.Debug().Err(err).Str("conn", id).Str("type", string(msg.Type)).Msg("send dropped")
		}
	}
}

// close marks the room closed if it is still empty, or unconditionally when
// force is set. It reports whether this call closed it.
func (r *Room) close(force bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || (!force && len(r.clients) > 0) {
		return false
	}
	r.closed = true
	r.reopen = make(chan struct{})
	r.destroy.Cancel()
	return true
}

// reopened returns a channel that is closed once a closed room accepts
// clients again. It is already closed for an open room.
func (r *Room) reopened() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return r.reopen
}

// revive undoes close after a failed final flush. The grace timer is armed
// again so the flush is retried while the room stays empty.
func (r *Room) revive() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		return
	}
	r.closed = false
	close(r.reopen)
	if len(r.clients) == 0 {
		r.destroy.Schedule(r.grace, func() { r.onIdle(r) })
	}
}
