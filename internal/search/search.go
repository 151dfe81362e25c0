package search

import (
	"context"

	"sketchsync/api/internal/store"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Snippet string `json:"snippet"`
	OwnerID string `json:"ownerId"`
}

// Query describes a search request.
type Query struct {
	Text    string
	OwnerID string // empty = every owner
	Limit   int
	Offset  int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a sketch-name search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// SketchRecord is the data we index for a sketch.
type SketchRecord struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	OwnerID   string `json:"ownerId"`
	UpdatedAt int64  `json:"updatedAt"`
}

func RecordOf(s store.Sketch) SketchRecord {
	return SketchRecord{ID: s.ID, Name: s.Name, OwnerID: s.OwnerID, UpdatedAt: s.UpdatedAt.Unix()}
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return 20
	}
	return min(q.Limit, 100)
}
