package textindex

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmvstard-prog/customs-kb/internal/domain"
	"github.com/jcmvstard-prog/customs-kb/internal/store"
)

func text(s string) *string { return &s }

func seed(t *testing.T, x *Index) {
	t.Helper()
	docs := []struct {
		doc      store.Document
		agencies []string
		codes    []string
	}{
		{
			store.Document{ID: "2024-04713", Title: "Hot-Rolled Steel Flat Products", Source: store.SourceFederalRegister,
				DocumentType: "Notice", PublicationDate: "2024-03-05",
				FullText: text("Antidumping duties apply to flat-rolled steel in coils.")},
			[]string{"u-s-customs-and-border-protection"},
			[]string{"7208.10.00"},
		},
		{
			store.Document{ID: "2024-00001", Title: "Cheese quota allocation", Source: store.SourceFederalRegister,
				PublicationDate: "2024-01-02", Abstract: "Processed cheese tariff-rate quota for steel workers' canteens."},
			nil,
			[]string{"0406.30.00"},
		},
	}
	for _, d := range docs {
		doc := d.doc
		require.NoError(t, x.IndexDocument(&doc, d.agencies, d.codes))
	}
}

func ids(hits []Hit) []string {
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.DocumentID)
	}
	return out
}

func TestSearch(t *testing.T) {
	x, err := NewMemory(DefaultExpander())
	require.NoError(t, err)
	defer x.Close()
	seed(t, x)
	ctx := context.Background()

	n, err := x.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)

	hits, err := x.Search(ctx, "steel", 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "2024-04713", hits[0].DocumentID)
	assert.Equal(t, "Hot-Rolled Steel Flat Products", hits[0].Title)
	assert.Equal(t, store.SourceFederalRegister, hits[0].Source)
	assert.Equal(t, "Notice", hits[0].DocumentType)
	assert.Equal(t, "2024-03-05", hits[0].PublicationDate)
	assert.GreaterOrEqual(t, hits[0].Score, hits[1].Score)

	hits, err = x.Search(ctx, "steel", 1)
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	hits, err = x.Search(ctx, "7208.10", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-04713"}, ids(hits))

	hits, err = x.Search(ctx, "quota", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-00001"}, ids(hits))

	hits, err = x.Search(ctx, "border protection", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-04713"}, ids(hits))

	hits, err = x.Search(ctx, "zeppelin", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearchExpandsSynonyms(t *testing.T) {
	ctx := context.Background()

	plain, err := NewMemory(nil)
	require.NoError(t, err)
	defer plain.Close()
	seed(t, plain)
	hits, err := plain.Search(ctx, "anti-dumping", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	expanded, err := NewMemory(DefaultExpander())
	require.NoError(t, err)
	defer expanded.Close()
	seed(t, expanded)
	hits, err = expanded.Search(ctx, "anti-dumping", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-04713"}, ids(hits))
}

func TestSearchValidation(t *testing.T) {
	x, err := NewMemory(nil)
	require.NoError(t, err)
	defer x.Close()

	_, err = x.Search(context.Background(), "  ", 10)
	assert.True(t, domain.IsValidation(err))
	_, err = x.Search(context.Background(), "steel", 0)
	assert.True(t, domain.IsValidation(err))
}

func TestReindexReplacesAndDelete(t *testing.T) {
	x, err := NewMemory(nil)
	require.NoError(t, err)
	defer x.Close()
	seed(t, x)
	ctx := context.Background()

	doc := &store.Document{ID: "2024-04713", Title: "Aluminum extrusions", PublicationDate: "2024-03-05"}
	require.NoError(t, x.IndexDocument(doc, nil, nil))
	hits, err := x.Search(ctx, "steel", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-00001"}, ids(hits))

	require.NoError(t, x.Delete("2024-00001"))
	require.NoError(t, x.Delete("missing"))
	n, err := x.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}

func TestOpenPersists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "text")
	x, err := Open(dir, nil)
	require.NoError(t, err)
	seed(t, x)
	require.NoError(t, x.Close())

	x, err = Open(dir, nil)
	require.NoError(t, err)
	defer x.Close()
	n, err := x.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)
}

func TestRebuild(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(filepath.Join(t.TempDir(), "kb.db"))
	require.NoError(t, err)
	defer db.Close()
	docs := store.NewDocumentStore(db)

	require.NoError(t, docs.Upsert(ctx, &store.Document{
		ID: "2024-04713", Title: "Hot-Rolled Steel", Source: store.SourceFederalRegister, PublicationDate: "2024-03-05",
	}, store.DocumentLinks{
		Agencies: []store.Agency{{Name: "U.S. Customs and Border Protection"}},
		HTSCodes: []string{"7208.10.00"},
	}))
	require.NoError(t, docs.Upsert(ctx, &store.Document{
		ID: "2024-00001", Title: "Cheese quota", Source: store.SourceFederalRegister, PublicationDate: "2024-01-02",
	}, store.DocumentLinks{}))

	x, err := NewMemory(nil)
	require.NoError(t, err)
	defer x.Close()
	written, err := x.Rebuild(ctx, docs)
	require.NoError(t, err)
	assert.Equal(t, 2, written)

	hits, err := x.Search(ctx, "7208.10.00", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-04713"}, ids(hits))
	hits, err = x.Search(ctx, "customs", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-04713"}, ids(hits))
}

func TestExpander(t *testing.T) {
	e := NewExpander(map[string][]string{
		"customs and border protection": {"CBP", "U.S. Customs"},
		"lonely":                        nil,
	})
	assert.Equal(t, []string{"customs and border protection", "U.S. Customs"}, e.Expand("CBP rulings"))
	assert.Equal(t, []string{"CBP", "U.S. Customs"}, e.Expand("Customs and Border Protection"))
	assert.Empty(t, e.Expand("lonely"))
	assert.Empty(t, e.Expand("subcbp"))
	assert.Empty(t, e.Expand(""))

	var nilExpander *Expander
	assert.Nil(t, nilExpander.Expand("CBP"))
}

func TestLoadExpander(t *testing.T) {
	e, err := LoadExpander("")
	require.NoError(t, err)
	assert.Contains(t, e.Expand("CBP"), "customs and border protection")

	e, err = LoadExpander(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.NotEmpty(t, e.Expand("FTZ"))

	path := filepath.Join(t.TempDir(), "synonyms.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: 1\nsynonyms:\n  coils:\n    - rolls\n"), 0o644))
	e, err = LoadExpander(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"rolls"}, e.Expand("steel coils"))
	assert.Empty(t, e.Expand("CBP"))

	require.NoError(t, os.WriteFile(path, []byte("synonyms: [unbalanced"), 0o644))
	_, err = LoadExpander(path)
	assert.Error(t, err)
}
