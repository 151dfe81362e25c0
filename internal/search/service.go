package search

import (
	"context"

	"github.com/rs/zerolog"

	"sketchsync/api/internal/store"
)

// Service is the facade that tries Meilisearch first and falls back to
// Postgres.
type Service struct {
	meili    *Meili
	fallback Searcher
	logger   zerolog.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, fallback Searcher, logger zerolog.Logger) *Service {
	return &Service{meili: meili, fallback: fallback, logger: logger.With().Str("component", "search").Logger()}
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn().Err(err).Msg("meilisearch error, falling back to postgres")
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error().Err(err).Msg("postgres search failed")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexSketch indexes a sketch (fire-and-forget to Meilisearch).
func (s *Service) IndexSketch(sketch store.Sketch) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	record := RecordOf(sketch)
	go func() {
		if err := s.meili.IndexSketches([]SketchRecord{record}); err != nil {
			s.logger.Warn().Err(err).Str("sketch", record.ID).Msg("index sketch")
		}
	}()
}

// DeleteSketch removes a sketch from the index (fire-and-forget).
func (s *Service) DeleteSketch(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteSketch(id); err != nil {
			s.logger.Warn().Err(err).Str("sketch", id).Msg("delete sketch from index")
		}
	}()
}

// ReindexAll pushes every sketch known to Postgres into Meilisearch. It is
// called at startup.
func (s *Service) ReindexAll(ctx context.Context, source *Postgres) {
	if s.meili == nil || !s.meili.Healthy() || source == nil {
		return
	}
	records, err := source.LoadAllRecords(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("reindex load failed")
		return
	}
	if err := s.meili.IndexSketches(records); err != nil {
		s.logger.Error().Err(err).Msg("reindex sketches")
		return
	}
	s.logger.Info().Int("sketches", len(records)).Msg("search index rebuilt")
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
