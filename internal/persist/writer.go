package persist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"sketchsync/api/internal/command"
	"sketchsync/api/internal/metrics"
	"sketchsync/api/internal/util"
)

const writeTimeout = 10 * time.Second

type pendingWrite struct {
	task   util.Task
	source func() []command.Command
}

// Writer debounces command-log writes per document. Each Schedule restarts the
// document's timer; when it fires, the log returned by the latest source is
// written in full. A failed write is logged and not retried; the next
// Schedule for that document will write again.
type Writer struct {
	store   Store
	delay   time.Duration
	backend string
	logger  zerolog.Logger

	mu      sync.Mutex
	pending map[string]*pendingWrite
}

func NewWriter(store Store, delay time.Duration, backend string, logger zerolog.Logger) *Writer {
	return &Writer{
		store:   store,
		delay:   delay,
		backend: backend,
		logger:  logger.With().Str("component", "persist").Str("backend", backend).Logger(),
		pending: make(map[string]*pendingWrite),
	}
}

// Schedule (re)starts the debounce timer for documentID. source is called
// when the timer fires and must return the complete current log.
func (w *Writer) Schedule(documentID string, source func() []command.Command) {
	w.mu.Lock()
	defer w.mu.Unlock()
	entry, ok := w.pending[documentID]
	if !ok {
		entry = &pendingWrite{}
		w.pending[documentID] = entry
	}
	entry.source = source
	entry.task.Schedule(w.delay, func() { w.fire(documentID, entry) })
}

func (w *Writer) fire(documentID string, entry *pendingWrite) {
	w.mu.Lock()
	if w.pending[documentID] == entry {
		delete(w.pending, documentID)
	}
	source := entry.source
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	_ = w.write(ctx, documentID, source())
}

// Flush cancels any pending write for documentID and writes cmds now.
func (w *Writer) Flush(ctx context.Context, documentID string, cmds []command.Command) error {
	w.mu.Lock()
	if entry, ok := w.pending[documentID]; ok {
		entry.task.Cancel()
		delete(w.pending, documentID)
	}
	w.mu.Unlock()
	return w.write(ctx, documentID, cmds)
}

func (w *Writer) Pending(documentID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	entry, ok := w.pending[documentID]
	return ok && entry.task.Pending()
}

// Load reads the persisted log of documentID; unknown documents yield an
// empty log.
func (w *Writer) Load(ctx context.Context, documentID string) ([]command.Command, error) {
	cmds, err := w.store.Read(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", documentID, err)
	}
	return cmds, nil
}

// Close writes every pending log immediately.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[string]*pendingWrite)
	w.mu.Unlock()

	var errs []error
	for documentID, entry := range pending {
		if !entry.task.Cancel() {
			continue
		}
		if err := w.write(ctx, documentID, entry.source()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (w *Writer) write(ctx context.Context, documentID string, cmds []command.Command) error {
	started := time.Now()
	if err := w.store.Write(ctx, documentID, cmds); err != nil {
		metrics.PersistWrites.WithLabelValues(w.backend, "error").Inc()
		w.logger.Error().Err(err).Str("sketch", documentID).Int("commands", len(cmds)).Msg("write command log failed")
		return fmt.Errorf("write %s: %w", documentID, err)
	}
	metrics.PersistWrites.WithLabelValues(w.backend, "ok").Inc()
	w.logger.Debug().
		Str("sketch", documentID).
		Int("commands", len(cmds)).
		Dur("took", time.Since(started)).
		Msg("command log written")
	return nil
}
