package history

import (
	"sketchsync/api/internal/command"
	"sketchsync/api/internal/document"
)

// Enter freezes editing and parks the timeline at the end of the log.
func (e *Engine) Enter() error {
	if e.traveling {
		return ErrTimeTravelActive
	}
	e.traveling = true
	e.position = e.log.Len()
	return nil
}

// ScrubTo shows the document as it was after the first p commands. p is
// clamped to the log. Each call replays from scratch.
// TODO: keep periodic scene checkpoints so long logs need not replay from 0.
func (e *Engine) ScrubTo(p int) error {
	if !e.traveling {
		return ErrNotTimeTraveling
	}
	p = max(0, min(p, e.log.Len()))
	document.Replay(e.doc, e.log.Prefix(p), e.logger)
	e.position = p
	return nil
}

// Exit replays the whole log, including anything that arrived while
// traveling, and resumes editing.
func (e *Engine) Exit() error {
	if !e.traveling {
		return ErrNotTimeTraveling
	}
	document.Replay(e.doc, e.log.Commands(), e.logger)
	e.traveling = false
	e.position = e.log.Len()
	return nil
}

func (e *Engine) Traveling() bool { return e.traveling }

// Position is the timeline position while traveling and the log length
// otherwise.
func (e *Engine) Position() int {
	if e.traveling {
		return e.position
	}
	return e.log.Len()
}

// BranchLog returns the commands a branch taken now would start from: the
// log up to the timeline position. The slice is a copy.
func (e *Engine) BranchLog() []command.Command {
	return e.log.Prefix(e.Position())
}
