package search

import (
	"context"
	"fmt"
	"strings"

	"sketchsync/api/internal/store"
)

// SketchFinder is the slice of the metadata store the fallback needs.
type SketchFinder interface {
	SearchSketches(ctx context.Context, query string, limit int) ([]store.Sketch, error)
	ListSketches(ctx context.Context, limit int) ([]store.Sketch, error)
}

// Postgres implements Searcher with a name match in PostgreSQL. It backs up
// Meilisearch and needs no index of its own.
type Postgres struct {
	finder SketchFinder
}

func NewPostgres(finder SketchFinder) *Postgres {
	return &Postgres{finder: finder}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *Postgres) Healthy() bool {
	return true
}

func (p *Postgres) Search(ctx context.Context, q Query) ([]Result, int, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, 0, nil
	}
	offset := max(q.Offset, 0)
	sketches, err := p.finder.SearchSketches(ctx, text, offset+q.limit())
	if err != nil {
		return nil, 0, fmt.Errorf("postgres search: %w", err)
	}

	results := make([]Result, 0, len(sketches))
	for _, sketch := range sketches {
		if q.OwnerID != "" && sketch.OwnerID != q.OwnerID {
			continue
		}
		results = append(results, Result{ID: sketch.ID, Name: sketch.Name, Snippet: sketch.Name, OwnerID: sketch.OwnerID})
	}
	total := len(results)
	if offset >= len(results) {
		return nil, total, nil
	}
	return results[offset:], total, nil
}

// LoadAllRecords returns every sketch for full reindexing.
func (p *Postgres) LoadAllRecords(ctx context.Context) ([]SketchRecord, error) {
	sketches, err := p.finder.ListSketches(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("load sketches: %w", err)
	}
	records := make([]SketchRecord, 0, len(sketches))
	for _, sketch := range sketches {
		records = append(records, RecordOf(sketch))
	}
	return records, nil
}
