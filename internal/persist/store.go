// Package persist stores whole command logs and debounces writes to them.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"sketchsync/api/internal/command"
)

var ErrNotConfigured = errors.New("persistence backend not configured")

// Store is a durable home for command logs. Write replaces the whole log of a
// document. Read returns an empty log, not an error, for unknown documents.
type Store interface {
	Write(ctx context.Context, documentID string, cmds []command.Command) error
	Read(ctx context.Context, documentID string) ([]command.Command, error)
}

func encodeLog(cmds []command.Command) ([]byte, error) {
	if cmds == nil {
		cmds = []command.Command{}
	}
	data, err := json.Marshal(cmds)
	if err != nil {
		return nil, fmt.Errorf("marshal command log: %w", err)
	}
	return data, nil
}

func decodeLog(data []byte) ([]command.Command, error) {
	if len(data) == 0 {
		return []command.Command{}, nil
	}
	var cmds []command.Command
	if err := json.Unmarshal(data, &cmds); err != nil {
		return nil, fmt.Errorf("unmarshal command log: %w", err)
	}
	if cmds == nil {
		cmds = []command.Command{}
	}
	return cmds, nil
}
