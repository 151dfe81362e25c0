package client

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"sketchsync/api/internal/command"
	"sketchsync/api/internal/document"
	"sketchsync/api/internal/history"
	"sketchsync/api/internal/persist"
	"sketchsync/api/internal/protocol"
)

var ErrNoBrancher = errors.New("branching is not configured")

type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Options struct {
	DocumentID string
	User       protocol.User
	Credential string

	// Mirror, when set, keeps a local copy of the log so a sketch can be
	// shown before the authority answers.
	Mirror      persist.Store
	MirrorDelay time.Duration

	Brancher Brancher
	Backoff  BackoffOptions
	Logger   zerolog.Logger
}

// Session is everything a client holds for one open sketch. A single mutex
// guards the log, the scene, the history engine and presence; callbacks run
// after it is released.
type Session struct {
	documentID string
	user       protocol.User
	credential string
	brancher   Brancher
	logger     zerolog.Logger
	engine     *SyncEngine
	mirror     *persist.Writer

	mu        sync.Mutex
	log       *command.Log
	scene     *document.Scene
	history   *history.Engine
	presence  map[string]protocol.User
	cursors   map[string]Cursor
	lastError string
	onStatus  func(Status)
	onMessage func(protocol.Message)
}

func NewSession(dialer Dialer, opts Options) *Session {
	logger := opts.Logger.With().Str("sketch", opts.DocumentID).Str("uid", opts.User.UID).Logger()
	s := &Session{
		documentID: opts.DocumentID,
		user:       opts.User,
		credential: opts.Credential,
		brancher:   opts.Brancher,
		logger:     logger,
		log:        command.NewLog(),
		scene:      document.NewScene(),
		presence:   make(map[string]protocol.User),
		cursors:    make(map[string]Cursor),
	}
	if opts.Mirror != nil {
		delay := opts.MirrorDelay
		if delay <= 0 {
			delay = time.Second
		}
		s.mirror = persist.NewWriter(opts.Mirror, delay, "local", logger)
	}
	s.history = history.New(s.log, s.scene, opts.User.UID, s.publish, logger)
	backoffOpts := opts.Backoff
	if backoffOpts.InitialInterval <= 0 {
		backoffOpts = DefaultBackoff()
	}
	s.engine = NewSyncEngine(dialer, s, s.joinMessage, backoffOpts, logger)
	return s
}

func (s *Session) joinMessage() protocol.Message {
	return protocol.Join(s.documentID, s.user, s.credential)
}

// LoadMirror replays the locally mirrored log, if any. The authority's log
// replaces it once the session joins.
func (s *Session) LoadMirror(ctx context.Context) error {
	if s.mirror == nil {
		return nil
	}
	cmds, err := s.mirror.Load(ctx, s.documentID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaceLocked(cmds)
	return nil
}

func (s *Session) Connect(ctx context.Context) error {
	return s.engine.Connect(ctx)
}

// Close disconnects and flushes the local mirror.
func (s *Session) Close(ctx context.Context) error {
	s.engine.Disconnect()
	if s.mirror == nil {
		return nil
	}
	s.mu.Lock()
	cmds := s.log.Commands()
	s.mu.Unlock()
	return s.mirror.Flush(ctx, s.documentID, cmds)
}

// OnStatus registers fn for connection status changes.
func (s *Session) OnStatus(fn func(Status)) {
	s.mu.Lock()
	s.onStatus = fn
	s.mu.Unlock()
}

// OnMessage registers fn to observe every frame after it was applied.
func (s *Session) OnMessage(fn func(protocol.Message)) {
	s.mu.Lock()
	s.onMessage = fn
	s.mu.Unlock()
}

func (s *Session) Status() Status {
	return s.engine.Status()
}

// publish runs under s.mu from the history engine.
func (s *Session) publish(cmd command.Command) {
	s.engine.SendCommand(cmd)
	s.scheduleMirrorLocked()
}

func (s *Session) scheduleMirrorLocked() {
	if s.mirror == nil {
		return
	}
	s.mirror.Schedule(s.documentID, func() []command.Command {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.log.Commands()
	})
}

func (s *Session) HandleStatus(status Status) {
	s.mu.Lock()
	fn := s.onStatus
	s.mu.Unlock()
	if fn != nil {
		fn(status)
	}
}

func (s *Session) HandleMessage(msg protocol.Message) {
	s.mu.Lock()
	rejected := false
	switch msg.Type {
	case protocol.TypeJoined:
		s.replaceLocked(msg.CommandLog)
		s.presence = make(map[string]protocol.User, len(msg.Users))
		for _, u := range msg.Users {
			if u.UID != s.user.UID {
				s.presence[u.UID] = u
			}
		}
		s.cursors = make(map[string]Cursor)
		s.lastError = ""
		s.scheduleMirrorLocked()
	case protocol.TypeCommand:
		s.applyRemoteLocked(*msg.Command)
	case protocol.TypeUserJoined:
		if msg.User != nil && msg.User.UID != s.user.UID {
			s.presence[msg.User.UID] = *msg.User
		}
	case protocol.TypeUserLeft:
		delete(s.presence, msg.UID)
		delete(s.cursors, msg.UID)
	case protocol.TypeCursor:
		if msg.UID != "" && msg.UID != s.user.UID {
			s.cursors[msg.UID] = Cursor{X: *msg.X, Y: *msg.Y}
		}
	case protocol.TypeError:
		s.lastError = msg.Message
		rejected = true
	default:
		s.logger.Debug().Str("type", string(msg.Type)).Msg("ignoring message")
	}
	fn := s.onMessage
	s.mu.Unlock()

	if rejected {
		// The authority refused the join; retrying with the same
		// credential cannot succeed.
		s.logger.Warn().Str("reason", msg.Message).Msg("join rejected")
		s.engine.Disconnect()
	}
	if fn != nil {
		fn(msg)
	}
}

// replaceLocked swaps the local log for cmds and rebuilds the scene. Local
// edits the authority never acknowledged are lost, and the session's undo
// history no longer applies. A session that is time traveling stays on the
// timeline, with its position clamped to the new log.
func (s *Session) replaceLocked(cmds []command.Command) {
	s.log.Reset()
	for _, cmd := range cmds {
		if err := s.log.Append(cmd); err != nil {
			s.logger.Warn().Err(err).Msg("skipping duplicate in authority log")
		}
	}
	s.history.ResetSession()
	if s.history.Traveling() {
		if err := s.history.ScrubTo(s.history.Position()); err != nil {
			s.logger.Warn().Err(err).Msg("rescrub after reconcile")
		}
		return
	}
	if failed := document.Replay(s.scene, s.log.Commands(), s.logger); failed > 0 {
		s.logger.Warn().Int("failed", failed).Msg("replay skipped commands")
	}
}

func (s *Session) applyRemoteLocked(cmd command.Command) {
	if s.log.Contains(cmd.ID) {
		return
	}
	if err := s.log.Append(cmd); err != nil {
		s.logger.Warn().Err(err).Msg("append remote command")
		return
	}
	s.scheduleMirrorLocked()
	if s.history.Traveling() {
		return
	}
	if err := document.ExecuteForward(s.scene, cmd); err != nil {
		s.logger.Warn().Err(err).Str("command", cmd.ID).Msg("remote command failed to apply")
	}
}

// Create adds a shape with a fresh subject id.
func (s *Session) Create(shape document.Shape) (command.Command, error) {
	payload, err := shape.Payload()
	if err != nil {
		return command.Command{}, err
	}
	sid := shape.ID
	if sid == "" {
		sid = command.NewID()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Create(sid, payload)
}

func (s *Session) Update(sid string, values ...command.FieldValue) (command.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Update(sid, values...)
}

func (s *Session) Remove(sid string) (command.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Remove(sid)
}

func (s *Session) Undo() (command.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Undo()
}

func (s *Session) Redo() (command.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Redo()
}

func (s *Session) EnterTimeTravel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Enter()
}

func (s *Session) ScrubTo(p int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.ScrubTo(p)
}

func (s *Session) TimeTraveling() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Traveling()
}

func (s *Session) ExitTimeTravel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Exit()
}

// Position is the timeline position and the log length.
func (s *Session) Position() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Position(), s.log.Len()
}

// Branch creates a new sketch from the log up to the current timeline
// position and returns its id. The current sketch is not touched.
func (s *Session) Branch(ctx context.Context, name string) (string, error) {
	if s.brancher == nil {
		return "", ErrNoBrancher
	}
	s.mu.Lock()
	cmds := s.history.BranchLog()
	s.mu.Unlock()
	return s.brancher.Branch(ctx, s.documentID, name, cmds)
}

// MoveCursor shares the pointer position; it is dropped while offline.
func (s *Session) MoveCursor(x, y float64) bool {
	return s.engine.SendCursor(x, y)
}

func (s *Session) UpdateView(meta protocol.Meta) bool {
	if meta.Empty() {
		return false
	}
	return s.engine.SendMeta(meta)
}

func (s *Session) Shapes() []document.Shape {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scene.Snapshot()
}

func (s *Session) Shape(sid string) (document.Shape, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scene.Shape(sid)
}

func (s *Session) Commands() []command.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.Commands()
}

// Peers lists the other users in the sketch ordered by uid.
func (s *Session) Peers() []protocol.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.User, 0, len(s.presence))
	for _, u := range s.presence {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}

func (s *Session) Cursors() map[string]Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Cursor, len(s.cursors))
	for uid, c := range s.cursors {
		out[uid] = c
	}
	return out
}

// LastError is the reason given by the authority for the last rejected join.
func (s *Session) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// SceneJSON renders the visible shapes, mostly for tooling.
func (s *Session) SceneJSON() (json.RawMessage, error) {
	return json.Marshal(s.Shapes())
}
