// Package client is the editing side of a sketch: a reconnecting connection
// to the authority, and a Session that owns one open sketch's log, scene,
// history and presence.
package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"

	"sketchsync/api/internal/command"
	"sketchsync/api/internal/protocol"
	"sketchsync/api/internal/util"
)

type Status string

const (
	StatusOffline      Status = "offline"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
)

var ErrDisconnected = errors.New("sync engine disconnected")

// Handler receives decoded frames and status changes. Calls come from the
// engine's goroutines without any engine lock held.
type Handler interface {
	HandleMessage(msg protocol.Message)
	HandleStatus(status Status)
}

type BackoffOptions struct {
	// InitialInterval is the first delay; each later one doubles.
	InitialInterval time.Duration
	MaxRetries      uint64
}

func DefaultBackoff() BackoffOptions {
	return BackoffOptions{InitialInterval: time.Second, MaxRetries: 5}
}

func (o BackoffOptions) build() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = o.InitialInterval
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = o.InitialInterval << o.MaxRetries
	exp.MaxElapsedTime = 0
	exp.Clock = backoff.SystemClock
	b := backoff.WithMaxRetries(exp, o.MaxRetries)
	b.Reset()
	return b
}

// SyncEngine keeps one transport to the authority open, re-joining after
// drops with exponential backoff: 1s, 2s, 4s and so on, up to MaxRetries
// attempts before going offline.
type SyncEngine struct {
	dialer  Dialer
	handler Handler
	join    func() protocol.Message
	logger  zerolog.Logger

	mu       sync.Mutex
	conn     Conn
	gen      uint64
	status   Status
	stopped  bool
	backoff  backoff.BackOff
	retry    util.Task
	attempts int
}

// NewSyncEngine builds an engine; join is called for every (re)connect to
// produce the join frame.
func NewSyncEngine(dialer Dialer, handler Handler, join func() protocol.Message, opts BackoffOptions, logger zerolog.Logger) *SyncEngine {
	return &SyncEngine{
		dialer:  dialer,
		handler: handler,
		join:    join,
		logger:  logger.With().Str("component", "sync").Logger(),
		status:  StatusOffline,
		backoff: opts.build(),
	}
}

// Connect opens the transport and sends the join frame. On failure a
// reconnect is scheduled and the dial error is returned. An explicit Connect
// replaces any pending retry and starts the backoff schedule over.
func (e *SyncEngine) Connect(ctx context.Context) error {
	e.mu.Lock()
	e.stopped = false
	e.retry.Cancel()
	e.backoff.Reset()
	e.attempts = 0
	e.mu.Unlock()
	return e.dial(ctx)
}

func (e *SyncEngine) dial(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrDisconnected
	}
	if e.conn != nil {
		e.mu.Unlock()
		return nil
	}
	notify := e.setStatusLocked(StatusConnecting)
	e.mu.Unlock()
	notify()

	conn, err := e.dialer.Dial(ctx)
	if err == nil {
		var data []byte
		if data, err = e.join().Encode(); err == nil {
			err = conn.WriteMessage(data)
		}
		if err != nil {
			_ = conn.Close()
		}
	}
	if err != nil {
		e.logger.Info().Err(err).Msg("connect failed")
		e.mu.Lock()
		notify := e.scheduleReconnectLocked()
		e.mu.Unlock()
		notify()
		return err
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		_ = conn.Close()
		return ErrDisconnected
	}
	if e.conn != nil {
		// a concurrent dial won
		e.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	e.gen++
	gen := e.gen
	e.conn = conn
	e.attempts = 0
	e.backoff.Reset()
	e.retry.Cancel()
	notify = e.setStatusLocked(StatusConnected)
	e.mu.Unlock()
	notify()

	go e.readLoop(conn, gen)
	return nil
}

func (e *SyncEngine) readLoop(conn Conn, gen uint64) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			e.lost(gen, err)
			return
		}
		if !e.current(gen) {
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			e.logger.Warn().Err(err).Msg("malformed message")
			continue
		}
		e.handler.HandleMessage(msg)
	}
}

// current reports whether gen is still the live connection.
func (e *SyncEngine) current(gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return gen == e.gen && e.conn != nil
}

// lost handles the end of connection gen. Stale generations are ignored.
func (e *SyncEngine) lost(gen uint64, err error) {
	e.mu.Lock()
	if gen != e.gen || e.conn == nil {
		e.mu.Unlock()
		return
	}
	conn := e.conn
	e.conn = nil
	e.logger.Info().Err(err).Msg("connection lost")
	notify := e.scheduleReconnectLocked()
	e.mu.Unlock()

	_ = conn.Close()
	notify()
}

// scheduleReconnectLocked arms the next attempt unless one is already
// pending, the engine was stopped, or the attempts are used up.
func (e *SyncEngine) scheduleReconnectLocked() func() {
	if e.stopped {
		return e.setStatusLocked(StatusOffline)
	}
	if e.retry.Pending() {
		return func() {}
	}
	delay := e.backoff.NextBackOff()
	if delay == backoff.Stop {
		e.logger.Warn().Int("attempts", e.attempts).Msg("giving up reconnecting")
		return e.setStatusLocked(StatusOffline)
	}
	e.attempts++
	e.logger.Info().Int("attempt", e.attempts).Dur("in", delay).Msg("reconnect scheduled")
	e.retry.Schedule(delay, func() { _ = e.dial(context.Background()) })
	return e.setStatusLocked(StatusReconnecting)
}

// Disconnect cancels any pending reconnect and closes the transport. It is
// safe to call repeatedly.
func (e *SyncEngine) Disconnect() {
	e.mu.Lock()
	e.stopped = true
	e.retry.Cancel()
	conn := e.conn
	e.conn = nil
	e.gen++
	notify := e.setStatusLocked(StatusOffline)
	e.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	notify()
}

func (e *SyncEngine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Reconnecting reports whether a retry is pending, as distinct from being
// offline for good.
func (e *SyncEngine) Reconnecting() bool {
	return e.Status() == StatusReconnecting
}

func (e *SyncEngine) setStatusLocked(status Status) func() {
	if e.status == status {
		return func() {}
	}
	e.status = status
	return func() { e.handler.HandleStatus(status) }
}

// Send writes msg if the transport is open. Otherwise it does nothing and
// reports false.
func (e *SyncEngine) Send(msg protocol.Message) bool {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return false
	}
	data, err := msg.Encode()
	if err != nil {
		e.logger.Error().Err(err).Msg("encode outbound message")
		return false
	}
	if err := conn.WriteMessage(data); err != nil {
		e.logger.Debug().Err(err).Str("type", string(msg.Type)).Msg("send failed")
		return false
	}
	return true
}

func (e *SyncEngine) SendCommand(cmd command.Command) bool {
	return e.Send(protocol.CommandMessage(cmd))
}

func (e *SyncEngine) SendCursor(x, y float64) bool {
	return e.Send(protocol.Cursor("", x, y))
}

func (e *SyncEngine) SendMeta(meta protocol.Meta) bool {
	return e.Send(protocol.MetaMessage(meta))
}
