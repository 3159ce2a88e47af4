package ingest

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmvstard-prog/customs-kb/internal/chunker"
	"github.com/jcmvstard-prog/customs-kb/internal/config"
	"github.com/jcmvstard-prog/customs-kb/internal/domain"
	"github.com/jcmvstard-prog/customs-kb/internal/embedding"
	"github.com/jcmvstard-prog/customs-kb/internal/metrics"
	"github.com/jcmvstard-prog/customs-kb/internal/store"
	"github.com/jcmvstard-prog/customs-kb/internal/vectorindex"
)

// flakyEmbedder fails its first failures calls with err.
type flakyEmbedder struct {
	next     BatchEmbedder
	failures int32
	err      error
	calls    atomic.Int32
}

func (f *flakyEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if f.calls.Add(1) <= f.failures {
		return nil, f.err
	}
	return f.next.EmbedBatch(ctx, texts)
}

type countingProgress struct {
	total      int
	increments int
	finished   bool
}

func (p *countingProgress) Start(total int) { p.total = total }
func (p *countingProgress) Increment()      { p.increments++ }
func (p *countingProgress) Finish()         { p.finished = true }

type fixture struct {
	docs    *store.DocumentStore
	codes   *store.CodeStore
	runs    *store.RunStore
	index   vectorindex.Index
	svc     *embedding.Service
	chunker *chunker.Chunker
	metrics *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "kb.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ch, err := chunker.New(chunker.WithMaxTokens(8), chunker.WithOverlap(2))
	require.NoError(t, err)

	return &fixture{
		docs:    store.NewDocumentStore(db),
		codes:   store.NewCodeStore(db),
		runs:    store.NewRunStore(db),
		index:   vectorindex.NewLocalIndex(db.SQLDB()),
		svc:     embedding.NewServiceWithClient(&config.EmbeddingConfig{BatchSize: 16}, embedding.NewHashClient(64)),
		chunker: ch,
		metrics: metrics.New(),
	}
}

func (f *fixture) coordinator(embedder BatchEmbedder, opts Options) *Coordinator {
	if embedder == nil {
		embedder = f.svc
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = time.Millisecond
		opts.MaxRetryDelay = 4 * time.Millisecond
	}
	return NewCoordinator(Deps{
		Docs:     f.docs,
		Codes:    f.codes,
		Runs:     f.runs,
		Index:    f.index,
		Embedder: embedder,
		Chunker:  f.chunker,
		Metrics:  f.metrics,
		Log:      zerolog.Nop(),
	}, opts)
}

func (f *fixture) pointCount(t *testing.T) int64 {
	t.Helper()
	n, err := f.index.Count(context.Background())
	require.NoError(t, err)
	return n
}

func text(s string) *string { return &s }

const steelNotice = "Antidumping duties apply to flat-rolled steel in coils classified under " +
	"7208.10.00 when imported from the listed countries during the review period."

func steelRecord() Record {
	return Record{
		ID:          "2024-04713",
		Title:       "Certain Hot-Rolled Steel Flat Products",
		Text:        text(steelNotice),
		PublishedAt: "2024-03-05",
		Type:        "Notice",
		Agencies:    []string{"U.S. Customs and Border Protection"},
	}
}

func TestGeneration(t *testing.T) {
	g := Generation("abc", 8, 2)
	assert.Len(t, g, 16)
	assert.Equal(t, g, Generation("abc", 8, 2))
	assert.NotEqual(t, g, Generation("abd", 8, 2))
	assert.NotEqual(t, g, Generation("abc", 9, 2))
	assert.NotEqual(t, g, Generation("abc", 8, 3))
}

func TestRunIngestsRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	progress := &countingProgress{}
	c := f.coordinator(nil, Options{Progress: progress})

	other := Record{ID: "2024-00001", Title: "Cheese quotas", Text: text("Quota for processed cheese"), PublishedAt: "2024-01-02"}
	run, err := c.Run(ctx, store.SourceFederalRegister, NewSliceSource([]Record{steelRecord(), other}))
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, run.Status)
	assert.Equal(t, 2, run.RecordsProcessed)
	assert.Equal(t, 0, run.RecordsFailed)
	assert.NotNil(t, run.CompletedAt)

	doc, err := f.docs.Get(ctx, "2024-04713")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, store.SourceFederalRegister, doc.Source)
	assert.Equal(t, Generation(steelNotice, 8, 2), doc.ChunkGeneration)

	chunks, err := f.chunker.Split(steelNotice)
	require.NoError(t, err)
	assert.Equal(t, len(chunks), doc.ChunkCount)
	assert.Equal(t, int64(len(chunks)+1), f.pointCount(t))

	codes, err := f.docs.CodesFor(ctx, []string{doc.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{"7208.10.00"}, codes[doc.ID])

	agencies, err := f.docs.AgenciesFor(ctx, []string{doc.ID})
	require.NoError(t, err)
	require.Len(t, agencies[doc.ID], 1)
	assert.Equal(t, "u-s-customs-and-border-protection", agencies[doc.ID][0].Slug)

	assert.Equal(t, 2, progress.total)
	assert.Equal(t, 2, progress.increments)
	assert.True(t, progress.finished)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.RecordsTotal.WithLabelValues(store.SourceFederalRegister, "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RunsTotal.WithLabelValues(store.SourceFederalRegister, store.RunCompleted)))
}

func TestReingestIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.coordinator(nil, Options{})

	_, err := c.Run(ctx, store.SourceFederalRegister, NewSliceSource([]Record{steelRecord()}))
	require.NoError(t, err)
	first := f.pointCount(t)
	before, err := f.docs.Get(ctx, "2024-04713")
	require.NoError(t, err)

	_, err = c.Run(ctx, store.SourceFederalRegister, NewSliceSource([]Record{steelRecord()}))
	require.NoError(t, err)
	after, err := f.docs.Get(ctx, "2024-04713")
	require.NoError(t, err)

	assert.Equal(t, first, f.pointCount(t))
	assert.Equal(t, before.ChunkGeneration, after.ChunkGeneration)
	count, err := f.docs.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestReingestReplacesChunks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.coordinator(nil, Options{})

	long := steelRecord()
	long.Text = text(strings.Repeat("steel coils tariff ", 20))
	_, err := c.Run(ctx, store.SourceFederalRegister, NewSliceSource([]Record{long}))
	require.NoError(t, err)
	old, err := f.docs.Get(ctx, long.ID)
	require.NoError(t, err)
	require.Greater(t, old.ChunkCount, 1)

	_, err = c.Run(ctx, store.SourceFederalRegister, NewSliceSource([]Record{steelRecord()}))
	require.NoError(t, err)
	current, err := f.docs.Get(ctx, long.ID)
	require.NoError(t, err)
	assert.NotEqual(t, old.ChunkGeneration, current.ChunkGeneration)
	assert.Equal(t, int64(current.ChunkCount), f.pointCount(t))

	vec, err := f.svc.Embed(ctx, "steel")
	require.NoError(t, err)
	hits, err := f.index.Query(ctx, vec, 100, nil)
	require.NoError(t, err)
	for _, h := range hits {
		p := vectorindex.ParsePayload(h.Payload)
		assert.Equal(t, current.ChunkGeneration, p.Generation)
	}
}

func TestRecordWithoutTextIsRelationalOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.coordinator(nil, Options{})

	_, err := c.Run(ctx, store.SourceFederalRegister, NewSliceSource([]Record{steelRecord()}))
	require.NoError(t, err)
	require.Positive(t, f.pointCount(t))

	bare := steelRecord()
	bare.Text = nil
	run, err := c.Run(ctx, store.SourceFederalRegister, NewSliceSource([]Record{bare}))
	require.NoError(t, err)
	assert.Equal(t, 1, run.RecordsProcessed)

	doc, err := f.docs.Get(ctx, bare.ID)
	require.NoError(t, err)
	assert.Nil(t, doc.FullText)
	assert.Empty(t, doc.ChunkGeneration)
	assert.Zero(t, doc.ChunkCount)
	assert.Zero(t, f.pointCount(t))
}

func TestMalformedReferencedCodesAreNotLinked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.coordinator(nil, Options{})

	rec := steelRecord()
	rec.ReferencedCodes = []string{"7208.10.00.15", "see annex", "72O8"}
	run, err := c.Run(ctx, store.SourceFederalRegister, NewSliceSource([]Record{rec}))
	require.NoError(t, err)
	assert.Equal(t, 1, run.RecordsProcessed)
	assert.Zero(t, run.RecordsFailed)

	links, err := f.docs.CodesFor(ctx, []string{rec.ID})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"7208.10.00", "7208.10.00.15"}, links[rec.ID])
}

func TestRecordFailuresAreCounted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.coordinator(nil, Options{})

	bad := steelRecord()
	bad.ID = "2024-99999"
	bad.PublishedAt = "not a date"
	empty := Record{Title: "no number"}

	run, err := c.Run(ctx, store.SourceFederalRegister, NewSliceSource([]Record{bad, steelRecord(), empty}))
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, run.Status)
	assert.Equal(t, 1, run.RecordsProcessed)
	assert.Equal(t, 2, run.RecordsFailed)

	doc, err := f.docs.Get(ctx, bad.ID)
	require.NoError(t, err)
	assert.Nil(t, doc)

	// vectors written for the rejected record are removed again
	good, err := f.docs.Get(ctx, "2024-04713")
	require.NoError(t, err)
	assert.Equal(t, int64(good.ChunkCount), f.pointCount(t))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.RecordsTotal.WithLabelValues(store.SourceFederalRegister, "failed")))
}

func TestTransientErrorsAreRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	flaky := &flakyEmbedder{next: f.svc, failures: 2, err: domain.Transient("embed", errors.New("503"))}
	c := f.coordinator(flaky, Options{MaxRetries: 3})

	run, err := c.Run(ctx, store.SourceFederalRegister, NewSliceSource([]Record{steelRecord()}))
	require.NoError(t, err)
	assert.Equal(t, 1, run.RecordsProcessed)
	assert.Equal(t, int32(3), flaky.calls.Load())
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.IngestRetries))
}

func TestRetriesAreBounded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	flaky := &flakyEmbedder{next: f.svc, failures: 100, err: domain.Transient("embed", errors.New("timeout"))}
	c := f.coordinator(flaky, Options{MaxRetries: 2})

	run, err := c.Run(ctx, store.SourceFederalRegister, NewSliceSource([]Record{steelRecord()}))
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, run.Status)
	assert.Equal(t, 1, run.RecordsFailed)
	assert.Equal(t, int32(3), flaky.calls.Load())
}

func TestPermanentErrorsAreNotRetried(t *testing.T) {
	f := newFixture(t)
	flaky := &flakyEmbedder{next: f.svc, failures: 100, err: errors.New("bad request")}
	c := f.coordinator(flaky, Options{MaxRetries: 3})

	run, err := c.Run(context.Background(), store.SourceFederalRegister, NewSliceSource([]Record{steelRecord()}))
	require.NoError(t, err)
	assert.Equal(t, 1, run.RecordsFailed)
	assert.Equal(t, int32(1), flaky.calls.Load())
}

type failingSource struct {
	records []Record
	err     error
}

func (s *failingSource) Next(ctx context.Context) (*Record, error) {
	if len(s.records) == 0 {
		return nil, s.err
	}
	rec := s.records[0]
	s.records = s.records[1:]
	return &rec, nil
}

func TestSourceErrorFailsRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.coordinator(nil, Options{})

	boom := errors.New("connection reset")
	run, err := c.Run(ctx, store.SourceFederalRegister, &failingSource{records: []Record{steelRecord()}, err: boom})
	require.ErrorIs(t, err, boom)
	require.NotNil(t, run)
	assert.Equal(t, store.RunFailed, run.Status)
	assert.Equal(t, 1, run.RecordsProcessed)
	assert.Contains(t, run.ErrorMessage, "connection reset")

	latest, err := f.runs.Latest(ctx, store.SourceFederalRegister)
	require.NoError(t, err)
	assert.Equal(t, run.ID, latest.ID)
}

type cancellingSource struct {
	cancel context.CancelFunc
	served bool
}

func (s *cancellingSource) Next(ctx context.Context) (*Record, error) {
	if s.served {
		s.cancel()
		return nil, ctx.Err()
	}
	s.served = true
	rec := steelRecord()
	return &rec, nil
}

func TestCancellationFailsRun(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := f.coordinator(nil, Options{})

	run, err := c.Run(ctx, store.SourceFederalRegister, &cancellingSource{cancel: cancel})
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, run)
	assert.Equal(t, store.RunFailed, run.Status)
	assert.Equal(t, 1, run.RecordsProcessed)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RunsTotal.WithLabelValues(store.SourceFederalRegister, store.RunFailed)))
}

func TestEmptySourceCompletes(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(nil, Options{})

	run, err := c.Run(context.Background(), store.SourceFiles, NewSliceSource(nil))
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, run.Status)
	assert.Zero(t, run.RecordsProcessed)
}

func TestIngestCodes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.coordinator(nil, Options{})

	run, err := c.IngestCodes(ctx, store.SourceHTSUS, []*store.HTSCode{
		{Number: "7208", Description: "Flat-rolled products"},
		{Number: "7208.10", Description: "In coils", ParentNumber: "7208"},
		{Number: "0406.30.00", Description: "Processed cheese", ParentNumber: "0406"},
		{Number: "7208.10.00", Description: "Flat-rolled steel in coils", ParentNumber: "7208.10"},
	})
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, run.Status)
	assert.Equal(t, 3, run.RecordsProcessed)
	assert.Equal(t, 1, run.RecordsFailed)

	chain, err := f.codes.ParentChain(ctx, "7208.10.00")
	require.NoError(t, err)
	assert.Len(t, chain, 2)

	missing, err := f.codes.Get(ctx, "0406.30.00")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSliceSource(t *testing.T) {
	src := NewSliceSource([]Record{{ID: "a"}, {ID: "b"}})
	assert.Equal(t, 2, src.Len())

	ctx := context.Background()
	rec, err := src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", rec.ID)
	_, err = src.Next(ctx)
	require.NoError(t, err)
	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestRecordCodes(t *testing.T) {
	rec := Record{
		Title:           "Duties on 7208.10.00 and 7208.10.00",
		Abstract:        "See also 0406.30.00.",
		Text:            text("Covers 7208.10.00.15 goods"),
		ReferencedCodes: []string{" 7208.10.00 ", "", "not-a-code", "7208.1O.00", "8471"},
	}
	assert.Equal(t, []string{"7208.10.00", "8471", "0406.30.00", "7208.10.00.15"}, rec.Codes())
	assert.Equal(t, []string{"not-a-code", "7208.1O.00"}, rec.InvalidCodes())

	assert.Empty(t, (&Record{}).Body())
	assert.Equal(t, store.SourceFederalRegister, (&Record{}).source())
	assert.Equal(t, store.SourceFiles, (&Record{Source: store.SourceFiles}).source())
}
