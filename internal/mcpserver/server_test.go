package mcpserver

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmvstard-prog/customs-kb/internal/config"
	"github.com/jcmvstard-prog/customs-kb/internal/embedding"
	"github.com/jcmvstard-prog/customs-kb/internal/ingest"
	"github.com/jcmvstard-prog/customs-kb/internal/kb"
	"github.com/jcmvstard-prog/customs-kb/internal/store"
)

func strPtr(s string) *string { return &s }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	cfg, err := config.Default()
	require.NoError(t, err)
	cfg.Database.Path = filepath.Join(dir, "kb.db")
	cfg.Database.TextIndexPath = filepath.Join(dir, "kb.bleve")
	cfg.Vector.Backend = "memory"
	cfg.Embedding.Dimensions = 64

	k, err := kb.Open(context.Background(), cfg, kb.Options{
		Log:        zerolog.Nop(),
		Embedder:   embedding.NewHashClient(64),
		MemoryText: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { k.Close() })

	ctx := context.Background()
	_, err = k.Coordinator.IngestCodes(ctx, store.SourceHTSUS, []*store.HTSCode{
		{Number: "0406", Description: "Cheese and curd"},
		{Number: "0406.10.00", IndentLevel: 1, Description: "Fresh (unripened or uncured) cheese", GeneralRate: "10%", ParentNumber: "0406"},
		{Number: "0406.30.00", IndentLevel: 1, Description: "Processed cheese, not grated or powdered", ParentNumber: "0406"},
		{Number: "7208.10.00", Description: "Flat-rolled iron or nonalloy steel in coils"},
	})
	require.NoError(t, err)

	_, err = k.Coordinator.Run(ctx, store.SourceFederalRegister, ingest.NewSliceSource([]ingest.Record{
		{
			ID:          "2024-04713",
			Title:       "Hot-rolled steel flat products",
			Text:        strPtr("Antidumping duties on hot-rolled steel in coils under 7208.10.00."),
			PublishedAt: "2024-03-05",
			Type:        "Notice",
			SourceURL:   "https://www.federalregister.gov/d/2024-04713",
			Agencies:    []string{"International Trade Administration"},
		},
		{
			ID:          "2024-06000",
			Title:       "Fresh cheese tariff-rate quota",
			Text:        strPtr("Quota allocation for fresh cheese entered under 0406.10.00."),
			PublishedAt: "2024-05-01",
			Type:        "Rule",
			Agencies:    []string{"U.S. Customs and Border Protection"},
		},
	}))
	require.NoError(t, err)

	return New(k.Engine, k, "test", zerolog.Nop())
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestBuildRegistersTools(t *testing.T) {
	s := New(nil, nil, "test", zerolog.Nop())
	assert.NotNil(t, s.build())
}

func TestSearchDocumentsTool(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	t.Run("semantic", func(t *testing.T) {
		res, out, err := s.searchDocumentsTool(ctx, nil, SearchDocumentsInput{Query: "hot-rolled steel antidumping"})
		require.NoError(t, err)
		require.NotZero(t, out.Count)
		assert.Equal(t, "2024-04713", out.Results[0].DocumentID)
		text := resultText(t, res)
		assert.Contains(t, text, "relevant customs documents")
		assert.Contains(t, text, "Document Number: 2024-04713")
		assert.Contains(t, text, "URL: https://www.federalregister.gov/d/2024-04713")
	})

	t.Run("code filter", func(t *testing.T) {
		_, out, err := s.searchDocumentsTool(ctx, nil, SearchDocumentsInput{Query: "steel", HTSCode: "0406.10.00"})
		require.NoError(t, err)
		require.Equal(t, 1, out.Count)
		assert.Equal(t, "2024-06000", out.Results[0].DocumentID)
	})

	t.Run("no matches", func(t *testing.T) {
		res, out, err := s.searchDocumentsTool(ctx, nil, SearchDocumentsInput{Query: "steel", HTSCode: "0406.30.00"})
		require.NoError(t, err)
		assert.Zero(t, out.Count)
		assert.Equal(t, "No documents found matching your query.", resultText(t, res))
	})

	t.Run("validation", func(t *testing.T) {
		_, _, err := s.searchDocumentsTool(ctx, nil, SearchDocumentsInput{})
		require.Error(t, err)
		_, _, err = s.searchDocumentsTool(ctx, nil, SearchDocumentsInput{Query: "steel", Limit: 51})
		require.Error(t, err)
	})
}

func TestSearchByCodeTool(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	_, out, err := s.searchByCodeTool(ctx, nil, SearchByCodeInput{HTSNumber: "0406", Query: "cheese quota"})
	require.NoError(t, err)
	assert.Zero(t, out.Count)

	_, out, err = s.searchByCodeTool(ctx, nil, SearchByCodeInput{HTSNumber: "0406", Query: "cheese quota", Subtree: true})
	require.NoError(t, err)
	require.Equal(t, 1, out.Count)
	assert.Equal(t, "2024-06000", out.Results[0].DocumentID)

	_, _, err = s.searchByCodeTool(ctx, nil, SearchByCodeInput{Query: "cheese"})
	require.Error(t, err)
}

func TestSearchCodesTool(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	res, out, err := s.searchCodesTool(ctx, nil, SearchCodesInput{Query: "cheese"})
	require.NoError(t, err)
	assert.Equal(t, 3, out.Count)
	text := resultText(t, res)
	assert.Contains(t, text, "Found 3 HTS tariff codes")
	assert.Contains(t, text, "**HTS 0406.10.00**: Fresh (unripened or uncured) cheese")
	assert.Contains(t, text, "General Duty Rate: 10%")

	res, out, err = s.searchCodesTool(ctx, nil, SearchCodesInput{Query: "bicycles"})
	require.NoError(t, err)
	assert.Zero(t, out.Count)
	assert.NotNil(t, out.Codes)
	assert.Equal(t, "No HTS codes found matching your query.", resultText(t, res))
}

func TestCodeDetailsTool(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	res, out, err := s.codeDetailsTool(ctx, nil, CodeDetailsInput{HTSNumber: "0406.10.00"})
	require.NoError(t, err)
	require.True(t, out.Found)
	assert.Equal(t, int64(1), out.Info.DocumentCount)
	text := resultText(t, res)
	assert.Contains(t, text, "**HTS Code: 0406.10.00**")
	assert.Contains(t, text, "Parent Code: 0406")
	assert.Contains(t, text, "Hierarchy: 0406 > 0406.10.00")
	assert.Contains(t, text, "Related Documents: 1")

	res, out, err = s.codeDetailsTool(ctx, nil, CodeDetailsInput{HTSNumber: "9999.99.99"})
	require.NoError(t, err)
	assert.False(t, out.Found)
	assert.Equal(t, "HTS code 9999.99.99 not found.", resultText(t, res))

	_, _, err = s.codeDetailsTool(ctx, nil, CodeDetailsInput{HTSNumber: "cheese"})
	require.Error(t, err)
}

func TestStatusTool(t *testing.T) {
	s := newTestServer(t)

	res, out, err := s.statusTool(context.Background(), nil, StatusInput{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), out.Documents)
	assert.Equal(t, int64(4), out.HTSCodes)
	assert.Positive(t, out.VectorPoints)
	require.Len(t, out.RecentIngestions, 2)

	text := resultText(t, res)
	assert.Contains(t, text, "Federal Register Documents: 2")
	assert.Contains(t, text, "HTS Tariff Codes: 4")
	assert.Contains(t, text, "items (completed)")
}

type staticStatus struct {
	st  *kb.Status
	err error
}

func (s staticStatus) Status(context.Context) (*kb.Status, error) { return s.st, s.err }

func TestStatusToolFormatting(t *testing.T) {
	started := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s := New(nil, staticStatus{st: &kb.Status{
		Documents:     1234567,
		HTSCodes:      29000,
		VectorPoints:  9876543,
		DatabaseBytes: 5 * 1000 * 1000,
		RecentIngestions: []*store.IngestionRun{
			{ID: "a", Source: store.SourceFederalRegister, Status: store.RunCompleted, RecordsProcessed: 100, StartedAt: started},
			{ID: "b", Source: store.SourceHTSUS, Status: store.RunFailed, RecordsProcessed: 3, StartedAt: started},
			{ID: "c", Source: store.SourceFiles, Status: store.RunCompleted, StartedAt: started},
			{ID: "d", Source: store.SourceFiles, Status: store.RunCompleted, StartedAt: started},
		},
	}}, "test", zerolog.Nop())

	res, out, err := s.statusTool(context.Background(), nil, StatusInput{})
	require.NoError(t, err)
	assert.Equal(t, "5.0 MB", out.DatabaseSize)
	assert.Len(t, out.RecentIngestions, 4)
	assert.Equal(t, "2024-06-01T12:00:00Z", out.RecentIngestions[0].StartedAt)

	text := resultText(t, res)
	assert.Contains(t, text, "Federal Register Documents: 1,234,567")
	assert.Contains(t, text, "Vector Embeddings: 9,876,543")
	assert.Contains(t, text, "htsus: 3 items (failed)")
	assert.Equal(t, 3, strings.Count(text, " items ("))

	s = New(nil, staticStatus{err: errors.New("database is locked")}, "test", zerolog.Nop())
	_, _, err = s.statusTool(context.Background(), nil, StatusInput{})
	require.Error(t, err)
}

func TestExcerpt(t *testing.T) {
	assert.Equal(t, "a b c", excerpt("a\n b\t c"))
	long := make([]rune, 250)
	for i := range long {
		long[i] = 'é'
	}
	got := excerpt(string(long))
	assert.Equal(t, excerptRunes+3, len([]rune(got)))
}
