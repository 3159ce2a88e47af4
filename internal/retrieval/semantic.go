package retrieval

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/jcmvstard-prog/customs-kb/internal/domain"
	"github.com/jcmvstard-prog/customs-kb/internal/metrics"
	"github.com/jcmvstard-prog/customs-kb/internal/store"
	"github.com/jcmvstard-prog/customs-kb/internal/vectorindex"
)

// DocumentLoader hydrates vector hits from the relational store.
type DocumentLoader interface {
	GetMany(ctx context.Context, ids []string) (map[string]*store.Document, error)
}

// SemanticOptions tunes the semantic engine.
type SemanticOptions struct {
	OverfetchFactor   int     // k = limit * OverfetchFactor
	FilterRetryRounds int     // extra rounds with doubled k when a page comes up short
	ScoreThreshold    float64 // default minimum score, 0 disables
}

// DefaultSemanticOptions returns the default semantic search options
func DefaultSemanticOptions() SemanticOptions {
	return SemanticOptions{
		OverfetchFactor:   4,
		FilterRetryRounds: 3,
	}
}

// SemanticEngine answers free-text queries by vector similarity, one result
// per document.
type SemanticEngine struct {
	embedder Embedder
	index    vectorindex.Index
	docs     DocumentLoader
	opts     SemanticOptions
	log      zerolog.Logger
	metrics  *metrics.Metrics
}

// NewSemanticEngine creates a semantic engine. m may be nil.
func NewSemanticEngine(embedder Embedder, index vectorindex.Index, docs DocumentLoader, opts SemanticOptions, log zerolog.Logger, m *metrics.Metrics) *SemanticEngine {
	defaults := DefaultSemanticOptions()
	if opts.OverfetchFactor <= 0 {
		opts.OverfetchFactor = defaults.OverfetchFactor
	}
	if opts.FilterRetryRounds < 0 {
		opts.FilterRetryRounds = 0
	}
	return &SemanticEngine{
		embedder: embedder,
		index:    index,
		docs:     docs,
		opts:     opts,
		log:      log.With().Str("component", "semantic").Logger(),
		metrics:  m,
	}
}

// Search embeds q.Text, queries the index with over-fetch and returns at
// most q.Limit documents ordered by non-increasing score. When the index
// cannot filter natively, hits are filtered here. Whenever a full page
// yields too few documents (post-filtering, several chunks of one document,
// missing or stale hits) the index is re-queried with a doubled k.
func (s *SemanticEngine) Search(ctx context.Context, q SemanticQuery) ([]SearchResult, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}

	vector, err := s.embedder.Embed(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	native := q.Filter.IsEmpty() || s.index.NativeFilter()
	var indexFilter *vectorindex.Filter
	if native {
		indexFilter = q.Filter
	}
	threshold := q.ScoreThreshold
	if threshold <= 0 {
		threshold = s.opts.ScoreThreshold
	}

	k := q.Limit * s.opts.OverfetchFactor
	for round := 0; ; round++ {
		hits, err := s.index.Query(ctx, vector, k, indexFilter)
		if err != nil {
			return nil, fmt.Errorf("vector search failed: %w", err)
		}

		results, err := s.collect(ctx, hits, q, native, threshold)
		if err != nil {
			return nil, err
		}
		if len(results) >= q.Limit || len(hits) < k || round >= s.opts.FilterRetryRounds {
			return results, nil
		}
		// Hits arrive best first; a deeper page cannot pass the threshold.
		if threshold > 0 && hits[len(hits)-1].Score < threshold {
			return results, nil
		}

		k *= 2
		s.metrics.IncFilterRetry()
		s.log.Debug().Int("round", round+1).Int("k", k).Int("found", len(results)).Msg("page short after filtering, re-querying")
	}
}

type candidate struct {
	hit     vectorindex.Hit
	payload vectorindex.ChunkPayload
	doc     *store.Document
}

// collect hydrates, filters and deduplicates one page of hits. The order
// hydrate, dedupe, sort is fixed.
func (s *SemanticEngine) collect(ctx context.Context, hits []vectorindex.Hit, q SemanticQuery, native bool, threshold float64) ([]SearchResult, error) {
	kept := make([]candidate, 0, len(hits))
	idSet := make(map[string]struct{}, len(hits))
	var ids []string
	for _, hit := range hits {
		if !native && !q.Filter.Match(hit.Payload) {
			continue
		}
		if threshold > 0 && hit.Score < threshold {
			continue
		}
		p := vectorindex.ParsePayload(hit.Payload)
		kept = append(kept, candidate{hit: hit, payload: p})
		if _, ok := idSet[p.DocumentID]; !ok {
			idSet[p.DocumentID] = struct{}{}
			ids = append(ids, p.DocumentID)
		}
	}
	if len(kept) == 0 {
		return []SearchResult{}, nil
	}

	docs, err := s.docs.GetMany(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to hydrate documents: %w", err)
	}

	best := make(map[string]candidate, len(ids))
	for _, c := range kept {
		doc := docs[c.payload.DocumentID]
		if doc == nil {
			warning := &domain.InconsistencyWarning{DocumentID: c.payload.DocumentID, PointID: c.hit.ID}
			s.log.Warn().Err(warning).Msg("dropping vector hit without document")
			s.metrics.IncInconsistent()
			continue
		}
		if doc.ChunkGeneration != c.payload.Generation {
			s.metrics.IncStale()
			continue
		}
		c.doc = doc
		existing, ok := best[doc.ID]
		if !ok || c.hit.Score > existing.hit.Score ||
			(c.hit.Score == existing.hit.Score && c.payload.ChunkIndex < existing.payload.ChunkIndex) {
			best[doc.ID] = c
		}
	}

	results := make([]SearchResult, 0, len(best))
	for _, c := range best {
		results = append(results, SearchResult{
			DocumentID:      c.doc.ID,
			Title:           c.doc.Title,
			DocumentType:    c.doc.DocumentType,
			Source:          c.doc.Source,
			PublicationDate: c.doc.PublicationDate,
			SourceURL:       c.doc.SourceURL,
			ChunkIndex:      c.payload.ChunkIndex,
			ChunkText:       c.payload.Text,
			Score:           c.hit.Score,
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].DocumentID < results[j].DocumentID
	})
	if len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, nil
}
