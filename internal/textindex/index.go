// Package textindex keeps a bleve keyword index of documents next to the
// relational store.
package textindex

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	blevequery "github.com/blevesearch/bleve/v2/search/query"

	"github.com/jcmvstard-prog/customs-kb/internal/domain"
	"github.com/jcmvstard-prog/customs-kb/internal/store"
)

const (
	fieldTitle    = "title"
	fieldAbstract = "abstract"
	fieldContent  = "content"
	fieldCodes    = "hts_codes"
	fieldAgencies = "agencies"
	fieldSource   = "source"
	fieldType     = "document_type"
	fieldDate     = "publication_date"
)

var storedFields = []string{fieldTitle, fieldSource, fieldType, fieldDate}

// Hit is one keyword match.
type Hit struct {
	DocumentID      string  `json:"document_id"`
	Title           string  `json:"title"`
	Source          string  `json:"source"`
	DocumentType    string  `json:"document_type,omitempty"`
	PublicationDate string  `json:"publication_date"`
	Score           float64 `json:"score"`
}

// Index is a bleve index keyed by document ID. It is safe for concurrent
// use.
type Index struct {
	mu       sync.RWMutex
	index    bleve.Index
	synonyms *Expander
}

// Open opens the index in dir, creating it when missing.
func Open(dir string, synonyms *Expander) (*Index, error) {
	index, err := bleve.Open(dir)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
			return nil, fmt.Errorf("create text index dir: %w", err)
		}
		index, err = bleve.New(dir, buildIndexMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("open bleve index: %w", err)
	}
	return &Index{index: index, synonyms: synonyms}, nil
}

// NewMemory creates an index that lives only in memory.
func NewMemory(synonyms *Expander) (*Index, error) {
	index, err := bleve.NewMemOnly(buildIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create bleve index: %w", err)
	}
	return &Index{index: index, synonyms: synonyms}, nil
}

// IndexDocument adds or replaces doc.
func (x *Index) IndexDocument(doc *store.Document, agencies, codes []string) error {
	fields := map[string]any{
		fieldTitle:    doc.Title,
		fieldAbstract: doc.Abstract,
		fieldCodes:    codes,
		fieldAgencies: agencies,
		fieldSource:   doc.Source,
		fieldType:     doc.DocumentType,
		fieldDate:     doc.PublicationDate,
	}
	if doc.FullText != nil {
		fields[fieldContent] = *doc.FullText
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.index.Index(doc.ID, fields); err != nil {
		return fmt.Errorf("index document %s: %w", doc.ID, err)
	}
	return nil
}

// Delete removes a document. Unknown IDs are ignored.
func (x *Index) Delete(id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.index.Delete(id)
}

// Count returns the number of indexed documents.
func (x *Index) Count() (uint64, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.index.DocCount()
}

// Close closes the index
func (x *Index) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.index.Close()
}

// Search ranks documents by keyword relevance. Title matches weigh more
// than abstract and body matches; dotted codes in the query also match the
// documents linked to that code or a code below it.
func (x *Index) Search(ctx context.Context, text string, limit int) ([]Hit, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, domain.Invalid("query", "must not be empty")
	}
	if limit <= 0 {
		return nil, domain.Invalid("limit", "must be positive, got %d", limit)
	}

	queries := matchQueries(text)
	for _, term := range x.synonyms.Expand(text) {
		queries = append(queries, phraseQueries(term, 0.8)...)
	}
	for _, code := range queryCodes(text) {
		q := bleve.NewPrefixQuery(code)
		q.SetField(fieldCodes)
		q.SetBoost(3.0)
		queries = append(queries, q)
	}

	req := bleve.NewSearchRequestOptions(bleve.NewDisjunctionQuery(queries...), limit, 0, false)
	req.Fields = storedFields

	x.mu.RLock()
	res, err := x.index.SearchInContext(ctx, req)
	x.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hits = append(hits, Hit{
			DocumentID:      h.ID,
			Title:           stringField(h.Fields, fieldTitle),
			Source:          stringField(h.Fields, fieldSource),
			DocumentType:    stringField(h.Fields, fieldType),
			PublicationDate: stringField(h.Fields, fieldDate),
			Score:           h.Score,
		})
	}
	return hits, nil
}

var fieldBoosts = []struct {
	field string
	boost float64
}{
	{fieldContent, 1.0},
	{fieldAbstract, 1.5},
	{fieldTitle, 2.0},
	{fieldAgencies, 0.5},
}

func matchQueries(text string) []blevequery.Query {
	queries := make([]blevequery.Query, 0, len(fieldBoosts))
	for _, fb := range fieldBoosts {
		q := bleve.NewMatchQuery(text)
		q.SetField(fb.field)
		q.SetBoost(fb.boost)
		queries = append(queries, q)
	}
	return queries
}

// phraseQueries matches term as a phrase, scaled by weight.
func phraseQueries(term string, weight float64) []blevequery.Query {
	queries := make([]blevequery.Query, 0, len(fieldBoosts))
	for _, fb := range fieldBoosts {
		q := bleve.NewMatchPhraseQuery(term)
		q.SetField(fb.field)
		q.SetBoost(fb.boost * weight)
		queries = append(queries, q)
	}
	return queries
}

// queryCodes returns the tokens of text that are dotted tariff numbers.
func queryCodes(text string) []string {
	var codes []string
	for _, tok := range strings.Fields(text) {
		tok = strings.Trim(tok, ",;:()")
		if strings.Contains(tok, ".") && store.ValidateCode(tok) == nil {
			codes = append(codes, tok)
		}
	}
	return codes
}

func stringField(fields map[string]any, name string) string {
	s, _ := fields[name].(string)
	return s
}

func buildIndexMapping() mapping.IndexMapping {
	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultAnalyzer = "en"
	indexMapping.DefaultField = fieldContent

	docMapping := bleve.NewDocumentMapping()

	contentField := bleve.NewTextFieldMapping()
	contentField.Store = false
	contentField.Index = true
	docMapping.AddFieldMappingsAt(fieldContent, contentField)

	abstractField := bleve.NewTextFieldMapping()
	abstractField.Store = false
	abstractField.Index = true
	docMapping.AddFieldMappingsAt(fieldAbstract, abstractField)

	titleField := bleve.NewTextFieldMapping()
	titleField.Store = true
	titleField.Index = true
	docMapping.AddFieldMappingsAt(fieldTitle, titleField)

	agencyField := bleve.NewTextFieldMapping()
	agencyField.Store = false
	agencyField.Index = true
	docMapping.AddFieldMappingsAt(fieldAgencies, agencyField)

	for _, name := range []string{fieldCodes, fieldSource} {
		keywordField := bleve.NewTextFieldMapping()
		keywordField.Store = name == fieldSource
		keywordField.Index = true
		keywordField.Analyzer = "keyword"
		docMapping.AddFieldMappingsAt(name, keywordField)
	}

	for _, name := range []string{fieldType, fieldDate} {
		storedField := bleve.NewTextFieldMapping()
		storedField.Store = true
		storedField.Index = false
		docMapping.AddFieldMappingsAt(name, storedField)
	}

	indexMapping.DefaultMapping = docMapping
	return indexMapping
}
