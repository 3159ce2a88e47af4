package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jcmvstard-prog/customs-kb/internal/domain"
	"github.com/jcmvstard-prog/customs-kb/internal/metrics"
	"github.com/jcmvstard-prog/customs-kb/internal/store"
	"github.com/jcmvstard-prog/customs-kb/internal/vectorindex"
)

// Engine is the query capability exposed to the CLI, the REST API and the
// MCP server.
type Engine interface {
	Semantic(ctx context.Context, q SemanticQuery) ([]SearchResult, error)
	Structured(ctx context.Context, q StructuredQuery) (*StructuredResult, error)
	Hybrid(ctx context.Context, q HybridQuery) ([]SearchResult, error)
}

// Embedder turns a query string into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// SearchResult is one document returned by a similarity search, carrying
// its best-matching chunk.
type SearchResult struct {
	DocumentID      string  `json:"document_id"`
	Title           string  `json:"title"`
	DocumentType    string  `json:"document_type,omitempty"`
	Source          string  `json:"source"`
	PublicationDate string  `json:"publication_date"`
	SourceURL       string  `json:"source_url,omitempty"`
	ChunkIndex      int     `json:"chunk_index"`
	ChunkText       string  `json:"text_chunk"`
	Score           float64 `json:"score"`
}

// DocumentView is a document together with its relationship rows.
type DocumentView struct {
	store.Document
	Agencies []store.Agency `json:"agencies"`
	HTSCodes []string       `json:"hts_codes"`
}

// CodeInfo is the detailed view of one tariff code.
type CodeInfo struct {
	Code                 store.HTSCode   `json:"code"`
	ParentChain          []store.HTSCode `json:"parent_chain"`
	Children             []store.HTSCode `json:"children"`
	DocumentCount        int64           `json:"related_documents"`
	SubtreeDocumentCount int64           `json:"subtree_documents"`
}

// SemanticQuery is a free-text similarity search.
type SemanticQuery struct {
	Text   string
	Limit  int
	Filter *vectorindex.Filter
	// ScoreThreshold drops hits scoring below it when positive.
	ScoreThreshold float64
}

func (q SemanticQuery) validate() error {
	if strings.TrimSpace(q.Text) == "" {
		return domain.Invalid("query", "must not be empty")
	}
	if q.Limit <= 0 {
		return domain.Invalid("limit", "must be positive, got %d", q.Limit)
	}
	return nil
}

// StructuredKind selects a structured lookup.
type StructuredKind string

const (
	LookupDocument          StructuredKind = "document"
	LookupCodes             StructuredKind = "codes"
	LookupCodeInfo          StructuredKind = "code_info"
	LookupCodeSearch        StructuredKind = "code_search"
	LookupDocumentsByCode   StructuredKind = "documents_by_code"
	LookupDocumentsByDate   StructuredKind = "documents_by_date"
	LookupDocumentsByAgency StructuredKind = "documents_by_agency"
)

// StructuredQuery is a tagged structured lookup. Only the fields relevant
// to Kind are read.
type StructuredQuery struct {
	Kind       StructuredKind
	DocumentID string
	Code       string
	Prefix     bool
	Keyword    string
	From       string
	To         string
	Agency     string
	Limit      int
}

// StructuredResult carries the answer of a StructuredQuery. Single-item
// lookups that miss leave Document or CodeInfo nil.
type StructuredResult struct {
	Kind      StructuredKind  `json:"kind"`
	Document  *DocumentView   `json:"document,omitempty"`
	Documents []DocumentView  `json:"documents,omitempty"`
	Codes     []store.HTSCode `json:"codes,omitempty"`
	CodeInfo  *CodeInfo       `json:"code_info,omitempty"`
}

// Found reports whether the lookup produced anything.
func (r *StructuredResult) Found() bool {
	return r != nil && (r.Document != nil || r.CodeInfo != nil || len(r.Documents) > 0 || len(r.Codes) > 0)
}

// HybridKind selects the relational predicate of a hybrid search.
type HybridKind string

const (
	HybridByCode   HybridKind = "code"
	HybridByDate   HybridKind = "date"
	HybridByAgency HybridKind = "agency"
	HybridMulti    HybridKind = "multi"
)

// MultiFilter combines several relational predicates. Codes and Agencies
// match any of their values; all non-empty fields must hold.
type MultiFilter struct {
	Codes      []string `json:"codes,omitempty"`
	CodePrefix bool     `json:"code_prefix,omitempty"`
	Agencies   []string `json:"agencies,omitempty"`
	Source     string   `json:"source,omitempty"`
	From       string   `json:"from,omitempty"`
	To         string   `json:"to,omitempty"`
}

// HybridQuery is a relational predicate plus similarity search.
type HybridQuery struct {
	Kind  HybridKind
	Text  string
	Limit int

	Code  string
	Exact bool // exact code match instead of the code subtree

	From string
	To   string

	Agency string

	Multi MultiFilter

	// ScoreThreshold drops hits scoring below it when positive.
	ScoreThreshold float64
}

// Router implements Engine over the three concrete engines and records
// query metrics.
type Router struct {
	semantic   *SemanticEngine
	structured *StructuredEngine
	hybrid     *HybridEngine
	metrics    *metrics.Metrics
}

// NewRouter creates a Router. m may be nil.
func NewRouter(semantic *SemanticEngine, structured *StructuredEngine, hybrid *HybridEngine, m *metrics.Metrics) *Router {
	return &Router{semantic: semantic, structured: structured, hybrid: hybrid, metrics: m}
}

// Semantic implements Engine.
func (r *Router) Semantic(ctx context.Context, q SemanticQuery) ([]SearchResult, error) {
	start := time.Now()
	results, err := r.semantic.Search(ctx, q)
	r.metrics.RecordQuery("semantic", err, time.Since(start))
	return results, err
}

// Structured implements Engine.
func (r *Router) Structured(ctx context.Context, q StructuredQuery) (*StructuredResult, error) {
	start := time.Now()
	res, err := r.structured.Do(ctx, q)
	r.metrics.RecordQuery("structured", err, time.Since(start))
	return res, err
}

// Hybrid implements Engine.
func (r *Router) Hybrid(ctx context.Context, q HybridQuery) ([]SearchResult, error) {
	start := time.Now()
	results, err := r.hybrid.Do(ctx, q)
	r.metrics.RecordQuery("hybrid", err, time.Since(start))
	return results, err
}

func unknownKind(kind any) error {
	return domain.Invalid("kind", "unknown query kind %q", fmt.Sprint(kind))
}
