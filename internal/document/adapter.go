// Package document holds the contract between the command log and the live
// visual state of a sketch, an in-memory implementation of it, and the forward
// executor used for both live application and full replay.
package document

import (
	"encoding/json"
	"errors"

	"sketchsync/api/internal/command"
)

var (
	ErrSubjectNotFound = errors.New("subject not found")
	ErrSubjectExists   = errors.New("subject already exists")
	ErrUnknownField    = errors.New("unknown field")
	ErrInvalidPayload  = errors.New("invalid subject payload")
)

// Adapter applies command effects to live state. Nothing may call it without
// the change first being recorded in, or received through, the command log.
type Adapter interface {
	Create(id string, payload json.RawMessage) error
	Remove(id string) error
	SetField(id string, field command.Field, value json.RawMessage) error
	// Field reads the current wire value of one field.
	Field(id string, field command.Field) (json.RawMessage, error)
	// Serialize returns the full current payload of a subject, suitable for a
	// create command.
	Serialize(id string) (json.RawMessage, error)
	// Clear drops every live subject.
	Clear()
}
