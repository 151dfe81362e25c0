package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"sketchsync/api/internal/command"
	"sketchsync/api/internal/metrics"
	"sketchsync/api/internal/persist"
)

var ErrShuttingDown = errors.New("room manager shutting down")

const flushTimeout = 10 * time.Second

type slot struct {
	ready chan struct{}
	room  *Room
	err   error
}

// Manager keeps one Room per live sketch. The manager lock and a room lock
// are never held together.
type Manager struct {
	writer *persist.Writer
	meta   MetaStore
	grace  time.Duration
	logger zerolog.Logger

	mu     sync.Mutex
	rooms  map[string]*slot
	closed bool
}

func NewManager(writer *persist.Writer, meta MetaStore, grace time.Duration, logger zerolog.Logger) *Manager {
	return &Manager{
		writer: writer,
		meta:   meta,
		grace:  grace,
		logger: logger.With().Str("component", "rooms").Logger(),
		rooms:  make(map[string]*slot),
	}
}

// Join adds c to the room for sketchID, loading the persisted log if the room
// is not live yet. A join that races a teardown waits for it to finish and
// then either starts a fresh room or rejoins the revived one.
func (m *Manager) Join(ctx context.Context, sketchID string, c Client) (*Room, error) {
	for {
		r, err := m.acquire(ctx, sketchID)
		if err != nil {
			return nil, err
		}
		err = r.AddClient(c)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, ErrRoomClosed) {
			return nil, err
		}
		select {
		case <-r.Gone():
		case <-r.reopened():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *Manager) acquire(ctx context.Context, sketchID string) (*Room, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	s, ok := m.rooms[sketchID]
	if !ok {
		s = &slot{ready: make(chan struct{})}
		m.rooms[sketchID] = s
	}
	m.mu.Unlock()

	if ok {
		select {
		case <-s.ready:
			return s.room, s.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.room, s.err = m.load(ctx, sketchID)
	if s.err != nil {
		m.mu.Lock()
		delete(m.rooms, sketchID)
		m.mu.Unlock()
	}
	close(s.ready)
	return s.room, s.err
}

func (m *Manager) load(ctx context.Context, sketchID string) (*Room, error) {
	cmds, err := m.writer.Load(ctx, sketchID)
	if err != nil {
		return nil, err
	}
	log, err := command.LogOf(cmds)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", sketchID, err)
	}
	metrics.RoomsActive.Inc()
	m.logger.Info().Str("sketch", sketchID).Int("commands", log.Len()).Msg("room opened")
	return newRoom(sketchID, log, m.writer, m.meta, m.grace, m.teardown, m.logger), nil
}

// Leave removes c from r.
func (m *Manager) Leave(r *Room, c Client) {
	r.RemoveClient(c)
}

// teardown runs when a room's grace timer fires. The log is flushed before the
// room is forgotten so the next join loads everything. A room whose flush fails
// stays live and tries again after another grace period.
func (m *Manager) teardown(r *Room) {
	if !r.close(false) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := m.writer.Flush(ctx, r.id, r.Commands()); err != nil {
		m.mu.Lock()
		stopping := m.closed
		m.mu.Unlock()
		if !stopping {
			m.logger.Error().Err(err).Str("sketch", r.id).Msg("final flush failed, keeping room")
			r.revive()
			return
		}
		m.logger.Error().Err(err).Str("sketch", r.id).Msg("final flush failed during shutdown")
	}
	m.forget(r)
	m.logger.Info().Str("sketch", r.id).Msg("room closed")
}

func (m *Manager) forget(r *Room) {
	m.mu.Lock()
	if s, ok := m.rooms[r.id]; ok && s.room == r {
		delete(m.rooms, r.id)
	}
	m.mu.Unlock()
	metrics.RoomsActive.Dec()
	close(r.gone)
}

// Live returns the room for sketchID if one is loaded.
func (m *Manager) Live(sketchID string) (*Room, bool) {
	m.mu.Lock()
	s, ok := m.rooms[sketchID]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-s.ready:
		return s.room, s.room != nil
	default:
		return nil, false
	}
}

// Snapshot returns the authoritative log of sketchID: the live room's if one
// is loaded, otherwise the persisted one.
func (m *Manager) Snapshot(ctx context.Context, sketchID string) ([]command.Command, error) {
	if r, ok := m.Live(sketchID); ok {
		return r.Commands(), nil
	}
	return m.writer.Load(ctx, sketchID)
}

func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

// Shutdown closes every room, flushing each log, and refuses further joins.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	slots := make([]*slot, 0, len(m.rooms))
	for _, s := range m.rooms {
		slots = append(slots, s)
	}
	m.mu.Unlock()

	var errs []error
	for _, s := range slots {
		select {
		case <-s.ready:
		case <-ctx.Done():
			return ctx.Err()
		}
		r := s.room
		if r == nil || !r.close(true) {
			continue
		}
		if err := m.writer.Flush(ctx, r.id, r.Commands()); err != nil {
			errs = append(errs, err)
		}
		m.forget(r)
	}
	m.logger.Info().Int("rooms", len(slots)).Msg("rooms flushed")
	return errors.Join(errs...)
}
