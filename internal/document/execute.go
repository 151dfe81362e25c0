package document

import (
	"fmt"

	"github.com/rs/zerolog"

	"sketchsync/api/internal/command"
)

// ExecuteForward applies one command to a. It does not detect duplicates;
// callers dedup by id before getting here.
func ExecuteForward(a Adapter, cmd command.Command) error {
	switch cmd.Type {
	case command.TypeCreate:
		return a.Create(cmd.SID, cmd.Data)
	case command.TypeRemove:
		return a.Remove(cmd.SID)
	case command.TypeUpdate:
		patch, err := cmd.Patch()
		if err != nil {
			return err
		}
		// Decode everything up front so a bad value cannot leave the subject
		// half patched.
		for field, raw := range patch {
			if _, err := command.DecodeField(field, raw); err != nil {
				return err
			}
		}
		for _, field := range patch.Fields() {
			if err := a.SetField(cmd.SID, field, patch[field]); err != nil {
				return fmt.Errorf("set %s on %s: %w", field, cmd.SID, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown type %q", command.ErrInvalidCommand, cmd.Type)
	}
}

// Replay clears a and executes cmds in order. A command that fails is logged
// and skipped so one bad entry cannot stop the rest; the number of skipped
// commands is returned.
func Replay(a Adapter, cmds []command.Command, logger zerolog.Logger) int {
	a.Clear()
	skipped := 0
	for i, cmd := range cmds {
		if err := ExecuteForward(a, cmd); err != nil {
			skipped++
			logger.Warn().
				Err(err).
				Int("index", i).
				Str("command", cmd.ID).
				Str("type", string(cmd.Type)).
				Str("subject", cmd.SID).
				Msg("replay: skipping command")
		}
	}
	return skipped
}
