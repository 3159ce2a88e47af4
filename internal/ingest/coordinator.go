// Package ingest loads fetched records into the relational store and the
// vector index, keeping the two consistent from the query side.
package ingest

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jcmvstard-prog/customs-kb/internal/chunker"
	"github.com/jcmvstard-prog/customs-kb/internal/domain"
	"github.com/jcmvstard-prog/customs-kb/internal/metrics"
	"github.com/jcmvstard-prog/customs-kb/internal/store"
	"github.com/jcmvstard-prog/customs-kb/internal/vectorindex"
)

// BatchEmbedder embeds chunk texts, one vector per text in order.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// TextIndexer mirrors documents into the keyword index.
type TextIndexer interface {
	IndexDocument(doc *store.Document, agencies, codes []string) error
}

// Options configures retries and progress reporting.
type Options struct {
	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	// ProgressEvery controls how often run counters are persisted.
	ProgressEvery int
	Progress      ProgressReporter
}

// DefaultOptions returns the default retry policy
func DefaultOptions() Options {
	return Options{
		MaxRetries:    3,
		RetryDelay:    time.Second,
		MaxRetryDelay: 30 * time.Second,
		ProgressEvery: 25,
	}
}

// Deps are the collaborators of a Coordinator. Text and Metrics may be nil.
type Deps struct {
	Docs     *store.DocumentStore
	Codes    *store.CodeStore
	Runs     *store.RunStore
	Index    vectorindex.Index
	Embedder BatchEmbedder
	Chunker  *chunker.Chunker
	Text     TextIndexer
	Metrics  *metrics.Metrics
	Log      zerolog.Logger
}

// Coordinator runs ingestion batches. It assumes a single writer.
type Coordinator struct {
	Deps
	opts Options
	log  zerolog.Logger
}

// NewCoordinator creates a coordinator
func NewCoordinator(deps Deps, opts Options) *Coordinator {
	defaults := DefaultOptions()
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaults.RetryDelay
	}
	if opts.MaxRetryDelay < opts.RetryDelay {
		opts.MaxRetryDelay = defaults.MaxRetryDelay
	}
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = defaults.ProgressEvery
	}
	return &Coordinator{
		Deps: deps,
		opts: opts,
		log:  deps.Log.With().Str("component", "ingest").Logger(),
	}
}

// Generation fingerprints the chunked form of text. It changes whenever the
// text or the chunking parameters change.
func Generation(text string, maxTokens, overlap int) string {
	h := sha1.New()
	fmt.Fprintf(h, "%d:%d:", maxTokens, overlap)
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Run ingests every record of records as one run. Per-record failures are
// counted and the run still completes; the run fails only when the source
// errors or ctx is cancelled. The returned run reflects the final state.
func (c *Coordinator) Run(ctx context.Context, source string, records RecordSource) (*store.IngestionRun, error) {
	run, err := c.Runs.Create(ctx, uuid.NewString(), source)
	if err != nil {
		return nil, err
	}
	log := c.log.With().Str("run_id", run.ID).Str("source", source).Logger()
	log.Info().Msg("ingestion run started")

	total := -1
	if s, ok := records.(Sized); ok {
		total = s.Len()
	}
	c.startProgress(total)
	defer c.finishProgress()

	processed, failed := 0, 0
	for {
		if err := ctx.Err(); err != nil {
			return c.fail(run, processed, failed, err, log)
		}
		rec, err := records.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return c.fail(run, processed, failed, fmt.Errorf("record source: %w", err), log)
		}

		err = c.withRetry(ctx, rec.ID, func() error { return c.ingestRecord(ctx, rec) })
		if err != nil {
			if ctx.Err() != nil {
				return c.fail(run, processed, failed, ctx.Err(), log)
			}
			failed++
			c.Metrics.RecordRecord(source, false)
			log.Error().Err(err).Str("document_id", rec.ID).Msg("record failed")
		} else {
			processed++
			c.Metrics.RecordRecord(source, true)
			log.Debug().Str("document_id", rec.ID).Msg("record ingested")
		}
		c.increment()

		if (processed+failed)%c.opts.ProgressEvery == 0 {
			if err := c.Runs.UpdateProgress(ctx, run.ID, processed, failed); err != nil {
				log.Warn().Err(err).Msg("failed to persist run progress")
			}
		}
	}

	return c.complete(run, processed, failed, log)
}

// IngestCodes loads tariff codes in order as one run. Codes are written in
// batches; a batch that violates the tree invariant is retried code by code
// so that only the offending codes are counted failed.
func (c *Coordinator) IngestCodes(ctx context.Context, source string, codes []*store.HTSCode) (*store.IngestionRun, error) {
	run, err := c.Runs.Create(ctx, uuid.NewString(), source)
	if err != nil {
		return nil, err
	}
	log := c.log.With().Str("run_id", run.ID).Str("source", source).Logger()
	log.Info().Int("codes", len(codes)).Msg("code ingestion started")

	c.startProgress(len(codes))
	defer c.finishProgress()

	const batchSize = 500
	processed, failed := 0, 0
	for start := 0; start < len(codes); start += batchSize {
		if err := ctx.Err(); err != nil {
			return c.fail(run, processed, failed, err, log)
		}
		end := min(start+batchSize, len(codes))
		batch := codes[start:end]

		err := c.withRetry(ctx, "codes", func() error { return c.Codes.UpsertBatch(ctx, batch) })
		if err == nil {
			processed += len(batch)
			for range batch {
				c.Metrics.RecordRecord(source, true)
				c.increment()
			}
			continue
		}
		if ctx.Err() != nil {
			return c.fail(run, processed, failed, ctx.Err(), log)
		}

		for _, code := range batch {
			if err := c.withRetry(ctx, code.Number, func() error { return c.Codes.Upsert(ctx, code) }); err != nil {
				if ctx.Err() != nil {
					return c.fail(run, processed, failed, ctx.Err(), log)
				}
				failed++
				c.Metrics.RecordRecord(source, false)
				log.Error().Err(err).Str("hts_number", code.Number).Msg("code failed")
			} else {
				processed++
				c.Metrics.RecordRecord(source, true)
			}
			c.increment()
		}
	}

	return c.complete(run, processed, failed, log)
}

// ingestRecord writes one record. Vectors of the new generation become
// visible before the document row switches to them; the previous
// generation is deleted only afterwards.
func (c *Coordinator) ingestRecord(ctx context.Context, rec *Record) error {
	id := strings.TrimSpace(rec.ID)
	if id == "" {
		return domain.Invalid("document_number", "must not be empty")
	}

	old, err := c.Docs.Get(ctx, id)
	if err != nil {
		return domain.Transient("load document", err)
	}

	body := rec.Body()
	chunks, err := c.Chunker.Split(body)
	if err != nil {
		return err
	}
	generation := ""
	if len(chunks) > 0 {
		generation = Generation(body, c.Chunker.MaxTokens(), c.Chunker.Overlap())
	}

	codes := rec.Codes()
	if bad := rec.InvalidCodes(); len(bad) > 0 {
		c.log.Warn().Str("document_id", id).Strs("codes", bad).Msg("ignoring malformed referenced codes")
	}
	agencies := make([]store.Agency, 0, len(rec.Agencies))
	slugs := make([]string, 0, len(rec.Agencies))
	for _, name := range rec.Agencies {
		if name = strings.TrimSpace(name); name == "" {
			continue
		}
		agencies = append(agencies, store.Agency{Name: name})
		slugs = append(slugs, store.Slugify(name))
	}

	doc := &store.Document{
		ID:              id,
		Source:          rec.source(),
		DocumentType:    rec.Type,
		Title:           rec.Title,
		Abstract:        rec.Abstract,
		FullText:        rec.Text,
		PublicationDate: rec.PublishedAt,
		SourceURL:       rec.SourceURL,
		ChunkGeneration: generation,
		ChunkCount:      len(chunks),
	}

	var newIDs []string
	if len(chunks) > 0 {
		vectors, err := c.Embedder.EmbedBatch(ctx, chunker.Texts(chunks))
		if err != nil {
			return err
		}
		c.Metrics.IncEmbeddingBatch()

		points := make([]vectorindex.Point, 0, len(chunks))
		for i, ch := range chunks {
			pid := vectorindex.PointID(id, generation, ch.Ordinal)
			newIDs = append(newIDs, pid)
			points = append(points, vectorindex.Point{
				ID:     pid,
				Vector: vectors[i],
				Payload: vectorindex.ChunkPayload{
					DocumentID:      id,
					ChunkIndex:      ch.Ordinal,
					Generation:      generation,
					Text:            ch.Text,
					Title:           rec.Title,
					Source:          doc.Source,
					PublicationDate: rec.PublishedAt,
					HTSCodes:        codes,
					Agencies:        slugs,
				}.Map(),
			})
		}
		if err := c.Index.Upsert(ctx, points); err != nil {
			return fmt.Errorf("failed to upsert vectors: %w", err)
		}
	}

	sameGeneration := old != nil && old.ChunkGeneration == generation
	if err := c.Docs.Upsert(ctx, doc, store.DocumentLinks{Agencies: agencies, HTSCodes: codes}); err != nil {
		if len(newIDs) > 0 && !sameGeneration {
			if derr := c.Index.Delete(ctx, newIDs); derr != nil {
				c.log.Warn().Err(derr).Str("document_id", id).Msg("failed to remove orphaned vectors")
			}
		}
		if domain.IsValidation(err) {
			return err
		}
		return domain.Transient("upsert document", err)
	}

	if old != nil && old.ChunkGeneration != "" && !sameGeneration {
		stale := vectorindex.PointIDs(id, old.ChunkGeneration, old.ChunkCount)
		if err := c.Index.Delete(ctx, stale); err != nil {
			// Stale points stay hidden by the generation check at query time.
			c.log.Warn().Err(err).Str("document_id", id).Msg("failed to delete previous chunks")
		}
	}

	if c.Text != nil {
		if err := c.Text.IndexDocument(doc, slugs, codes); err != nil {
			c.log.Warn().Err(err).Str("document_id", id).Msg("failed to update keyword index")
		}
	}
	return nil
}

// withRetry runs fn, retrying transient failures with exponential backoff.
func (c *Coordinator) withRetry(ctx context.Context, what string, fn func() error) error {
	delay := c.opts.RetryDelay
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !domain.IsTransient(err) || attempt >= c.opts.MaxRetries {
			return err
		}
		c.Metrics.IncIngestRetry()
		c.log.Warn().Err(err).Str("item", what).Int("attempt", attempt+1).Dur("backoff", delay).Msg("transient failure, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay = min(delay*2, c.opts.MaxRetryDelay)
	}
}

func (c *Coordinator) complete(run *store.IngestionRun, processed, failed int, log zerolog.Logger) (*store.IngestionRun, error) {
	ctx := context.Background()
	if err := c.Runs.Complete(ctx, run.ID, processed, failed); err != nil {
		return nil, err
	}
	c.Metrics.RecordRun(run.Source, store.RunCompleted)
	log.Info().Int("processed", processed).Int("failed", failed).Msg("ingestion run completed")
	return c.Runs.Get(ctx, run.ID)
}

// fail records a failed run. The original cause is returned.
func (c *Coordinator) fail(run *store.IngestionRun, processed, failed int, cause error, log zerolog.Logger) (*store.IngestionRun, error) {
	ctx := context.Background()
	if err := c.Runs.Fail(ctx, run.ID, processed, failed, cause.Error()); err != nil {
		log.Error().Err(err).Msg("failed to mark run failed")
	}
	c.Metrics.RecordRun(run.Source, store.RunFailed)
	log.Error().Err(cause).Int("processed", processed).Int("failed", failed).Msg("ingestion run failed")
	finished, err := c.Runs.Get(ctx, run.ID)
	if err != nil {
		return nil, errors.Join(cause, err)
	}
	return finished, cause
}

func (c *Coordinator) startProgress(total int) {
	if c.opts.Progress != nil {
		c.opts.Progress.Start(total)
	}
}

func (c *Coordinator) increment() {
	if c.opts.Progress != nil {
		c.opts.Progress.Increment()
	}
}

func (c *Coordinator) finishProgress() {
	if c.opts.Progress != nil {
		c.opts.Progress.Finish()
	}
}
