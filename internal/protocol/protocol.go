// Package protocol defines the JSON messages exchanged between clients and
// the authority over a sketch connection.
package protocol

import (
	"encoding/json"
	"fmt"

	"sketchsync/api/internal/command"
)

type MessageType string

const (
	// Client to authority.
	TypeJoin   MessageType = "join"
	TypeCursor MessageType = "cursor"
	TypeMeta   MessageType = "meta"

	// Both directions.
	TypeCommand MessageType = "command"

	// Authority to client.
	TypeJoined     MessageType = "joined"
	TypeUserJoined MessageType = "user-joined"
	TypeUserLeft   MessageType = "user-left"
	TypeError      MessageType = "error"
)

type User struct {
	UID   string `json:"uid"`
	Name  string `json:"name,omitempty"`
	Color string `json:"color,omitempty"`
}

// Meta is a partial update of a sketch's view state. Nil fields are left
// untouched.
type Meta struct {
	Color     *string  `json:"color,omitempty"`
	PositionX *float64 `json:"positionX,omitempty"`
	PositionY *float64 `json:"positionY,omitempty"`
	Zoom      *float64 `json:"zoom,omitempty"`
}

func (m Meta) Empty() bool {
	return m.Color == nil && m.PositionX == nil && m.PositionY == nil && m.Zoom == nil
}

// Message is the envelope for every frame. Only the fields relevant to Type
// are set.
type Message struct {
	Type MessageType `json:"type"`

	DocumentID string            `json:"documentId,omitempty"`
	User       *User             `json:"user,omitempty"`
	Credential string            `json:"credential,omitempty"`
	Command    *command.Command  `json:"command,omitempty"`
	UID        string            `json:"uid,omitempty"`
	X          *float64          `json:"x,omitempty"`
	Y          *float64          `json:"y,omitempty"`
	Data       *Meta             `json:"data,omitempty"`
	CommandLog []command.Command `json:"commandLog,omitempty"`
	Users      []User            `json:"users,omitempty"`
	Message    string            `json:"message,omitempty"`
}

func Join(documentID string, user User, credential string) Message {
	return Message{Type: TypeJoin, DocumentID: documentID, User: &user, Credential: credential}
}

func CommandMessage(cmd command.Command) Message {
	return Message{Type: TypeCommand, Command: &cmd}
}

func Cursor(uid string, x, y float64) Message {
	return Message{Type: TypeCursor, UID: uid, X: &x, Y: &y}
}

func MetaMessage(meta Meta) Message {
	return Message{Type: TypeMeta, Data: &meta}
}

func Joined(cmds []command.Command, users []User) Message {
	return Message{Type: TypeJoined, CommandLog: cmds, Users: users}
}

func UserJoined(user User) Message {
	return Message{Type: TypeUserJoined, User: &user}
}

func UserLeft(uid string) Message {
	return Message{Type: TypeUserLeft, UID: uid}
}

func Error(message string) Message {
	return Message{Type: TypeError, Message: message}
}

// MarshalJSON keeps commandLog and users present on joined frames even when
// empty.
func (m Message) MarshalJSON() ([]byte, error) {
	type plain Message
	if m.Type != TypeJoined {
		return json.Marshal(plain(m))
	}
	return json.Marshal(struct {
		plain
		CommandLog []command.Command `json:"commandLog"`
		Users      []User            `json:"users"`
	}{plain: plain(m), CommandLog: nonNilCommands(m.CommandLog), Users: nonNilUsers(m.Users)})
}

func nonNilCommands(cmds []command.Command) []command.Command {
	if cmds == nil {
		return []command.Command{}
	}
	return cmds
}

func nonNilUsers(users []User) []User {
	if users == nil {
		return []User{}
	}
	return users
}

// Decode parses a frame and checks that the fields its type requires are
// present.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (m Message) Validate() error {
	switch m.Type {
	case TypeJoin:
		if m.DocumentID == "" {
			return fmt.Errorf("join: documentId is required")
		}
	case TypeCommand:
		if m.Command == nil {
			return fmt.Errorf("command: command is required")
		}
	case TypeCursor:
		if m.X == nil || m.Y == nil {
			return fmt.Errorf("cursor: x and y are required")
		}
	case TypeMeta:
		if m.Data == nil {
			return fmt.Errorf("meta: data is required")
		}
	case TypeJoined, TypeUserJoined, TypeUserLeft, TypeError:
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}

func (m Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", m.Type, err)
	}
	return data, nil
}
