// Package history implements local undo and redo on top of a sketch's
// command log, plus read-only time travel over that log.
//
// Undo never removes anything: it appends an inverse command, so peers see an
// undo as an ordinary edit. Only commands recorded in the current session can
// be undone.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"sketchsync/api/internal/command"
	"sketchsync/api/internal/document"
)

var (
	ErrNothingToUndo    = errors.New("nothing to undo")
	ErrNothingToRedo    = errors.New("nothing to redo")
	ErrTimeTravelActive = errors.New("editing is frozen during time travel")
	ErrNotTimeTraveling = errors.New("not time traveling")
)

// Publisher is told about every command the engine appends, so the caller can
// send it to the authority and mirror the log.
type Publisher func(cmd command.Command)

type redoEntry struct {
	cmd    command.Command
	before command.Patch
}

// Engine is not safe for concurrent use; the owning client session
// serializes access.
type Engine struct {
	log     *command.Log
	doc     document.Adapter
	uid     string
	publish Publisher
	now     func() time.Time
	logger  zerolog.Logger

	undo []string
	redo []redoEntry
	// before holds, per update command id, the field values it overwrote.
	before map[string]command.Patch

	traveling bool
	position  int
}

func New(log *command.Log, doc document.Adapter, uid string, publish Publisher, logger zerolog.Logger) *Engine {
	if publish == nil {
		publish = func(command.Command) {}
	}
	return &Engine{
		log:     log,
		doc:     doc,
		uid:     uid,
		publish: publish,
		now:     time.Now,
		logger:  logger.With().Str("component", "history").Logger(),
		before:  make(map[string]command.Patch),
	}
}

// Create records and applies the creation of sid.
func (e *Engine) Create(sid string, payload json.RawMessage) (command.Command, error) {
	cmd := command.New(e.uid, command.TypeCreate, sid, payload, e.now())
	return cmd, e.Do(cmd)
}

// Update records and applies a field patch to sid.
func (e *Engine) Update(sid string, values ...command.FieldValue) (command.Command, error) {
	patch, err := command.NewPatch(values...)
	if err != nil {
		return command.Command{}, err
	}
	cmd, err := command.NewUpdate(e.uid, sid, patch, e.now())
	if err != nil {
		return command.Command{}, err
	}
	return cmd, e.Do(cmd)
}

// Remove records and applies the removal of sid. The command carries the
// subject's current serialized state so the removal can be undone.
func (e *Engine) Remove(sid string) (command.Command, error) {
	if e.traveling {
		return command.Command{}, ErrTimeTravelActive
	}
	snapshot, err := e.doc.Serialize(sid)
	if err != nil {
		return command.Command{}, err
	}
	cmd := command.New(e.uid, command.TypeRemove, sid, snapshot, e.now())
	return cmd, e.Do(cmd)
}

// Do applies cmd to the document and records it. For updates, the values it
// overwrites are captured first. Nothing is recorded if cmd cannot be
// applied.
func (e *Engine) Do(cmd command.Command) error {
	if e.traveling {
		return ErrTimeTravelActive
	}
	if err := cmd.Validate(); err != nil {
		return err
	}
	if e.log.Contains(cmd.ID) {
		return command.ErrDuplicateID
	}
	var before command.Patch
	if cmd.Type == command.TypeUpdate {
		patch, err := cmd.Patch()
		if err != nil {
			return err
		}
		if before, err = e.capture(cmd.SID, patch.Fields()); err != nil {
			return err
		}
	}
	if err := document.ExecuteForward(e.doc, cmd); err != nil {
		return fmt.Errorf("apply %s %s: %w", cmd.Type, cmd.SID, err)
	}
	return e.Push(cmd, before)
}

// Push records a command whose effect is already visible, such as the end of
// a drag that moved the shape live. before holds the overwritten values of an
// update and may be nil, in which case undo falls back to live values.
func (e *Engine) Push(cmd command.Command, before command.Patch) error {
	if e.traveling {
		return ErrTimeTravelActive
	}
	if err := e.log.Append(cmd); err != nil {
		return err
	}
	e.undo = append(e.undo, cmd.ID)
	e.redo = nil
	if cmd.Type == command.TypeUpdate && before != nil {
		e.before[cmd.ID] = before.Clone()
	}
	e.publish(cmd)
	return nil
}

// Undo appends and applies the inverse of the most recent session command.
// The entry is popped first: when its inverse cannot be built or applied,
// for instance because a peer removed the subject, the undo is a no-op that
// leaves the log and the document unchanged, and the next Undo moves on to
// the older entries.
func (e *Engine) Undo() (command.Command, error) {
	if e.traveling {
		return command.Command{}, ErrTimeTravelActive
	}
	if len(e.undo) == 0 {
		return command.Command{}, ErrNothingToUndo
	}
	id := e.undo[len(e.undo)-1]
	e.undo = e.undo[:len(e.undo)-1]
	original, ok := e.log.Get(id)
	if !ok {
		// The log was replaced underneath us; the entry is unusable.
		return command.Command{}, fmt.Errorf("%w: command %s is no longer in the log", ErrNothingToUndo, id)
	}

	inverse, overwritten, err := e.applyInverse(original)
	if err != nil {
		delete(e.before, original.ID)
		e.logger.Warn().
			Err(err).
			Str("command", original.ID).
			Str("subject", original.SID).
			Msg("undo skipped")
		return command.Command{}, err
	}

	e.redo = append(e.redo, redoEntry{cmd: original, before: e.before[original.ID]})
	delete(e.before, original.ID)
	if overwritten != nil {
		e.before[inverse.ID] = overwritten
	}
	e.publish(inverse)
	return inverse, nil
}

// applyInverse executes and appends the inverse of original. It returns the
// values the inverse overwrote. Nothing is changed when it fails.
func (e *Engine) applyInverse(original command.Command) (command.Command, command.Patch, error) {
	inverse, err := e.inverse(original)
	if err != nil {
		return command.Command{}, nil, fmt.Errorf("invert %s: %w", original.ID, err)
	}
	// What the inverse overwrites is recorded under its own id.
	var overwritten command.Patch
	if inverse.Type == command.TypeUpdate {
		if overwritten, err = e.capture(inverse.SID, mustFields(inverse)); err != nil {
			return command.Command{}, nil, err
		}
	}
	if err := document.ExecuteForward(e.doc, inverse); err != nil {
		return command.Command{}, nil, fmt.Errorf("apply inverse of %s: %w", original.ID, err)
	}
	if err := e.log.Append(inverse); err != nil {
		return command.Command{}, nil, err
	}
	return inverse, overwritten, nil
}

// Redo re-issues the most recently undone command under a new id. Its
// pre-update values travel with it so undoing the redo restores them.
func (e *Engine) Redo() (command.Command, error) {
	if e.traveling {
		return command.Command{}, ErrTimeTravelActive
	}
	if len(e.redo) == 0 {
		return command.Command{}, ErrNothingToRedo
	}
	entry := e.redo[len(e.redo)-1]
	next := entry.cmd.Reissue(e.now())

	before := entry.before
	if next.Type == command.TypeUpdate && before == nil {
		var err error
		if before, err = e.capture(next.SID, mustFields(next)); err != nil {
			return command.Command{}, err
		}
	}
	if err := document.ExecuteForward(e.doc, next); err != nil {
		return command.Command{}, fmt.Errorf("redo %s: %w", entry.cmd.ID, err)
	}
	if err := e.log.Append(next); err != nil {
		return command.Command{}, err
	}

	e.redo = e.redo[:len(e.redo)-1]
	e.undo = append(e.undo, next.ID)
	if before != nil {
		e.before[next.ID] = before
	}
	e.publish(next)
	return next, nil
}

// inverse builds the command that undoes original against the current
// document.
func (e *Engine) inverse(original command.Command) (command.Command, error) {
	now := e.now()
	switch original.Type {
	case command.TypeCreate:
		// Removal carries the live state, including edits made since creation.
		snapshot, err := e.doc.Serialize(original.SID)
		if err != nil {
			return command.Command{}, err
		}
		return command.New(e.uid, command.TypeRemove, original.SID, snapshot, now), nil
	case command.TypeRemove:
		return command.New(e.uid, command.TypeCreate, original.SID, original.Data, now), nil
	case command.TypeUpdate:
		patch, err := original.Patch()
		if err != nil {
			return command.Command{}, err
		}
		old := e.before[original.ID]
		restore := make(command.Patch, len(patch))
		for _, field := range patch.Fields() {
			if value, ok := old[field]; ok {
				restore[field] = value
				continue
			}
			// No recorded value: use the live one. If a peer changed the field
			// since, this restores their value rather than ours.
			value, err := e.doc.Field(original.SID, field)
			if err != nil {
				return command.Command{}, err
			}
			e.logger.Debug().Str("command", original.ID).Str("field", string(field)).Msg("undo falls back to live value")
			restore[field] = value
		}
		return command.NewUpdate(e.uid, original.SID, restore, now)
	default:
		return command.Command{}, fmt.Errorf("%w: unknown type %q", command.ErrInvalidCommand, original.Type)
	}
}

func (e *Engine) capture(sid string, fields []command.Field) (command.Patch, error) {
	values := make(command.Patch, len(fields))
	for _, field := range fields {
		value, err := e.doc.Field(sid, field)
		if err != nil {
			return nil, err
		}
		values[field] = value
	}
	return values, nil
}

// mustFields lists the fields of an update the engine built itself.
func mustFields(cmd command.Command) []command.Field {
	patch, err := cmd.Patch()
	if err != nil {
		return nil
	}
	return patch.Fields()
}

// ResetSession forgets both stacks and every recorded pre-update value. It is
// called when the log is replaced by the authority's.
func (e *Engine) ResetSession() {
	e.undo = nil
	e.redo = nil
	e.before = make(map[string]command.Patch)
}

func (e *Engine) CanUndo() bool { return !e.traveling && len(e.undo) > 0 }
func (e *Engine) CanRedo() bool { return !e.traveling && len(e.redo) > 0 }

// Before returns the recorded pre-update values for an update command id.
func (e *Engine) Before(id string) (command.Patch, bool) {
	p, ok := e.before[id]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}
