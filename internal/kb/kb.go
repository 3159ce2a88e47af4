// Package kb wires the stores, indexes, engines and the ingestion
// coordinator of one knowledge base from a configuration.
package kb

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jcmvstard-prog/customs-kb/internal/chunker"
	"github.com/jcmvstard-prog/customs-kb/internal/config"
	"github.com/jcmvstard-prog/customs-kb/internal/domain"
	"github.com/jcmvstard-prog/customs-kb/internal/embedding"
	"github.com/jcmvstard-prog/customs-kb/internal/ingest"
	"github.com/jcmvstard-prog/customs-kb/internal/metrics"
	"github.com/jcmvstard-prog/customs-kb/internal/retrieval"
	"github.com/jcmvstard-prog/customs-kb/internal/store"
	"github.com/jcmvstard-prog/customs-kb/internal/textindex"
	"github.com/jcmvstard-prog/customs-kb/internal/vectorindex"
)

// Options are the process-level collaborators of a KB.
type Options struct {
	Log      zerolog.Logger
	Metrics  *metrics.Metrics
	Progress ingest.ProgressReporter
	// Embedder replaces the configured embedding client.
	Embedder embedding.Client
	// MemoryText keeps the keyword index in memory instead of on disk.
	MemoryText bool
}

// KB is an opened knowledge base.
type KB struct {
	cfg *config.Config
	log zerolog.Logger

	db    *store.DB
	Docs  *store.DocumentStore
	Codes *store.CodeStore
	Runs  *store.RunStore

	Index    vectorindex.Index
	Text     *textindex.Index
	Embedder *embedding.Service
	Metrics  *metrics.Metrics

	Semantic    *retrieval.SemanticEngine
	Structured  *retrieval.StructuredEngine
	Hybrid      *retrieval.HybridEngine
	Engine      *retrieval.Router
	Coordinator *ingest.Coordinator
}

// Open opens the database, the vector and keyword indexes and builds the
// engines. Close releases them.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*KB, error) {
	log := opts.Log.With().Str("component", "kb").Logger()

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	var embedService *embedding.Service
	if opts.Embedder != nil {
		embedService = embedding.NewServiceWithClient(&cfg.Embedding, opts.Embedder)
	} else {
		embedService, err = embedding.NewService(&cfg.Embedding)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create embedding service: %w", err)
		}
	}

	index, err := openVectorIndex(ctx, cfg, db)
	if err != nil {
		db.Close()
		return nil, err
	}

	synonyms, err := textindex.LoadExpander(cfg.Search.SynonymsFile)
	if err != nil {
		log.Warn().Err(err).Msg("failed to load synonyms file, using built-in list")
		synonyms = textindex.DefaultExpander()
	}
	var text *textindex.Index
	if opts.MemoryText {
		text, err = textindex.NewMemory(synonyms)
	} else {
		text, err = textindex.Open(cfg.Database.TextIndexPath, synonyms)
	}
	if err != nil {
		// keyword search is optional; everything else keeps working
		log.Warn().Err(err).Str("path", cfg.Database.TextIndexPath).Msg("keyword index unavailable")
		text = nil
	}

	ch, err := chunker.New(chunker.WithMaxTokens(cfg.Chunking.MaxTokens), chunker.WithOverlap(cfg.Chunking.Overlap))
	if err != nil {
		index.Close()
		db.Close()
		return nil, err
	}

	k := &KB{
		cfg:      cfg,
		log:      log,
		db:       db,
		Docs:     store.NewDocumentStore(db),
		Codes:    store.NewCodeStore(db),
		Runs:     store.NewRunStore(db),
		Index:    index,
		Text:     text,
		Embedder: embedService,
		Metrics:  opts.Metrics,
	}

	k.Semantic = retrieval.NewSemanticEngine(embedService, index, k.Docs, retrieval.SemanticOptions{
		OverfetchFactor:   cfg.Search.OverfetchFactor,
		FilterRetryRounds: cfg.Search.FilterRetryRounds,
		ScoreThreshold:    cfg.Search.ScoreThreshold,
	}, opts.Log, opts.Metrics)
	k.Structured = retrieval.NewStructuredEngine(k.Docs, k.Codes, cfg.Search.DefaultLimit)
	k.Hybrid = retrieval.NewHybridEngine(k.Semantic, k.Docs)
	k.Engine = retrieval.NewRouter(k.Semantic, k.Structured, k.Hybrid, opts.Metrics)

	deps := ingest.Deps{
		Docs:     k.Docs,
		Codes:    k.Codes,
		Runs:     k.Runs,
		Index:    index,
		Embedder: embedService,
		Chunker:  ch,
		Metrics:  opts.Metrics,
		Log:      opts.Log,
	}
	if text != nil {
		deps.Text = text
	}
	k.Coordinator = ingest.NewCoordinator(deps, ingest.Options{
		MaxRetries:    cfg.Ingest.MaxRetries,
		RetryDelay:    cfg.Ingest.RetryDelay,
		MaxRetryDelay: cfg.Ingest.MaxRetryDelay,
		Progress:      opts.Progress,
	})

	log.Debug().
		Str("database", cfg.Database.Path).
		Str("vector_backend", cfg.Vector.Backend).
		Str("embedding_provider", cfg.Embedding.Provider).
		Bool("keyword_index", text != nil).
		Msg("knowledge base opened")
	return k, nil
}

func openVectorIndex(ctx context.Context, cfg *config.Config, db *store.DB) (vectorindex.Index, error) {
	switch cfg.Vector.Backend {
	case "local":
		return vectorindex.NewLocalIndex(db.SQLDB()), nil
	case "memory":
		return vectorindex.NewMemoryIndex(), nil
	case "qdrant":
		index, err := vectorindex.NewQdrantIndex(ctx, vectorindex.QdrantOptions{
			URL:        cfg.Vector.QdrantURL,
			APIKey:     cfg.Vector.QdrantAPIKey,
			Collection: cfg.Vector.Collection,
			Dimensions: cfg.Embedding.Dimensions,
			Timeout:    time.Duration(cfg.Vector.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open qdrant collection %s: %w", cfg.Vector.Collection, err)
		}
		return index, nil
	default:
		return nil, fmt.Errorf("unsupported vector backend: %s", cfg.Vector.Backend)
	}
}

// Config returns the configuration the KB was opened with.
func (k *KB) Config() *config.Config {
	return k.cfg
}

// Close releases the indexes and the database.
func (k *KB) Close() error {
	var errs []string
	if k.Text != nil {
		if err := k.Text.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if err := k.Index.Close(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := k.db.Close(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return fmt.Errorf("close knowledge base: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Keyword runs a keyword query against the bleve index. limit 0 uses the
// configured default.
func (k *KB) Keyword(ctx context.Context, text string, limit int) ([]textindex.Hit, error) {
	if k.Text == nil {
		return nil, fmt.Errorf("keyword index is not available at %s", k.cfg.Database.TextIndexPath)
	}
	if limit == 0 {
		limit = k.cfg.Search.DefaultLimit
	}
	start := time.Now()
	hits, err := k.Text.Search(ctx, text, limit)
	k.Metrics.RecordQuery("keyword", err, time.Since(start))
	return hits, err
}

// Reindex rebuilds the keyword index from the relational store.
func (k *KB) Reindex(ctx context.Context) (int, error) {
	if k.Text == nil {
		return 0, fmt.Errorf("keyword index is not available at %s", k.cfg.Database.TextIndexPath)
	}
	return k.Text.Rebuild(ctx, k.Docs)
}

// Status summarises the contents of the knowledge base.
type Status struct {
	Documents         int64                 `json:"documents_count"`
	HTSCodes          int64                 `json:"hts_codes_count"`
	Agencies          int64                 `json:"agencies_count"`
	CodeLinks         int64                 `json:"document_hts_links"`
	VectorPoints      int64                 `json:"vector_points"`
	KeywordDocuments  uint64                `json:"keyword_documents"`
	VectorBackend     string                `json:"vector_backend"`
	EmbeddingProvider string                `json:"embedding_provider"`
	DatabasePath      string                `json:"database_path"`
	DatabaseBytes     int64                 `json:"database_bytes"`
	RecentIngestions  []*store.IngestionRun `json:"recent_ingestions"`
}

// Status gathers counts from both stores and the most recent runs.
func (k *KB) Status(ctx context.Context) (*Status, error) {
	stats, err := k.db.Stats(ctx)
	if err != nil {
		return nil, err
	}
	points, err := k.Index.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count vector points: %w", err)
	}
	runs, err := k.Runs.List(ctx, 5)
	if err != nil {
		return nil, err
	}
	if runs == nil {
		runs = []*store.IngestionRun{}
	}

	st := &Status{
		Documents:         stats.DocumentCount,
		HTSCodes:          stats.HTSCodeCount,
		Agencies:          stats.AgencyCount,
		CodeLinks:         stats.CodeLinkCount,
		VectorPoints:      points,
		VectorBackend:     k.cfg.Vector.Backend,
		EmbeddingProvider: k.cfg.Embedding.Provider,
		DatabasePath:      k.db.Path(),
		DatabaseBytes:     stats.SizeBytes,
		RecentIngestions:  runs,
	}
	if k.Text != nil {
		if n, err := k.Text.Count(); err == nil {
			st.KeywordDocuments = n
		}
	}
	return st, nil
}

// Healthy checks that the database and the vector index answer.
func (k *KB) Healthy(ctx context.Context) error {
	if err := k.db.SQLDB().PingContext(ctx); err != nil {
		return domain.Transient("ping database", err)
	}
	if _, err := k.Index.Count(ctx); err != nil {
		return domain.Transient("count vector points", err)
	}
	return nil
}
