// Package command defines the immutable edit records that make up a sketch's
// log, the typed field patches carried by update commands, and the ordered
// append-only log itself.
package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/ksuid"
)

type Type string

const (
	TypeCreate Type = "create"
	TypeUpdate Type = "update"
	TypeRemove Type = "remove"
)

func (t Type) Valid() bool {
	switch t {
	case TypeCreate, TypeUpdate, TypeRemove:
		return true
	default:
		return false
	}
}

var ErrInvalidCommand = errors.New("invalid command")

// Command is a single edit. Once built it is never modified; Data must be
// treated as read-only by every holder.
//
// For create and remove, Data is the full serialized subject. For update, Data
// is a JSON object of field -> new value (see Patch).
type Command struct {
	ID   string          `json:"id"`
	TS   int64           `json:"ts"`
	UID  string          `json:"uid"`
	Type Type            `json:"type"`
	SID  string          `json:"sid"`
	Data json.RawMessage `json:"data"`
}

// NewID returns a globally unique id whose lexical order follows creation time.
func NewID() string {
	return ksuid.New().String()
}

func New(uid string, typ Type, sid string, data json.RawMessage, now time.Time) Command {
	return Command{
		ID:   NewID(),
		TS:   now.UnixMilli(),
		UID:  uid,
		Type: typ,
		SID:  sid,
		Data: data,
	}
}

func NewUpdate(uid, sid string, patch Patch, now time.Time) (Command, error) {
	data, err := json.Marshal(patch)
	if err != nil {
		return Command{}, fmt.Errorf("marshal patch: %w", err)
	}
	return New(uid, TypeUpdate, sid, data, now), nil
}

// Reissue returns a copy of c with a fresh id and timestamp.
func (c Command) Reissue(now time.Time) Command {
	out := c
	out.ID = NewID()
	out.TS = now.UnixMilli()
	return out
}

// Patch decodes the field patch of an update command.
func (c Command) Patch() (Patch, error) {
	if c.Type != TypeUpdate {
		return nil, fmt.Errorf("%w: %s command has no patch", ErrInvalidCommand, c.Type)
	}
	var patch Patch
	if err := json.Unmarshal(c.Data, &patch); err != nil {
		return nil, fmt.Errorf("%w: decode patch: %v", ErrInvalidCommand, err)
	}
	for field := range patch {
		if !field.Valid() {
			return nil, fmt.Errorf("%w: unknown field %q", ErrInvalidCommand, field)
		}
	}
	return patch, nil
}

func (c Command) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidCommand)
	}
	if c.SID == "" {
		return fmt.Errorf("%w: missing subject", ErrInvalidCommand)
	}
	if !c.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidCommand, c.Type)
	}
	if len(c.Data) == 0 {
		return fmt.Errorf("%w: missing data", ErrInvalidCommand)
	}
	if c.Type == TypeUpdate {
		if _, err := c.Patch(); err != nil {
			return err
		}
	}
	return nil
}
