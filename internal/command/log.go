package command

import (
	"errors"
	"fmt"
)

var ErrDuplicateID = errors.New("duplicate command id")

// Log is the ordered, append-only command sequence of one sketch. No two
// entries share an id. A Log is not safe for concurrent use; its owner
// serializes access.
type Log struct {
	entries []Command
	index   map[string]int
}

func NewLog() *Log {
	return &Log{index: make(map[string]int)}
}

// LogOf builds a log from cmds in order, rejecting duplicate ids.
func LogOf(cmds []Command) (*Log, error) {
	log := &Log{
		entries: make([]Command, 0, len(cmds)),
		index:   make(map[string]int, len(cmds)),
	}
	for _, cmd := range cmds {
		if err := log.Append(cmd); err != nil {
			return nil, err
		}
	}
	return log, nil
}

func (l *Log) Append(cmd Command) error {
	if _, ok := l.index[cmd.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, cmd.ID)
	}
	l.index[cmd.ID] = len(l.entries)
	l.entries = append(l.entries, cmd)
	return nil
}

func (l *Log) Contains(id string) bool {
	_, ok := l.index[id]
	return ok
}

func (l *Log) Get(id string) (Command, bool) {
	i, ok := l.index[id]
	if !ok {
		return Command{}, false
	}
	return l.entries[i], true
}

func (l *Log) Len() int {
	return len(l.entries)
}

func (l *Log) At(i int) Command {
	return l.entries[i]
}

// Commands returns a copy of the whole log.
func (l *Log) Commands() []Command {
	return l.Prefix(len(l.entries))
}

// Prefix returns a copy of the first n commands; n is clamped to [0, Len()].
func (l *Log) Prefix(n int) []Command {
	if n < 0 {
		n = 0
	}
	if n > len(l.entries) {
		n = len(l.entries)
	}
	out := make([]Command, n)
	copy(out, l.entries[:n])
	return out
}

func (l *Log) Reset() {
	l.entries = nil
	l.index = make(map[string]int)
}
