package retrieval

import (
	"context"
	"sort"
	"strings"

	"github.com/jcmvstard-prog/customs-kb/internal/domain"
	"github.com/jcmvstard-prog/customs-kb/internal/store"
	"github.com/jcmvstard-prog/customs-kb/internal/vectorindex"
)

// HybridEngine restricts a similarity search to the documents matched by a
// relational predicate. The predicate only decides membership; ranking is
// by similarity alone.
type HybridEngine struct {
	semantic *SemanticEngine
	docs     *store.DocumentStore
}

// NewHybridEngine creates a hybrid engine
func NewHybridEngine(semantic *SemanticEngine, docs *store.DocumentStore) *HybridEngine {
	return &HybridEngine{semantic: semantic, docs: docs}
}

// Do dispatches a tagged hybrid query.
func (h *HybridEngine) Do(ctx context.Context, q HybridQuery) ([]SearchResult, error) {
	var filters []store.DocumentFilter
	var err error
	switch q.Kind {
	case HybridByCode:
		filters, err = codeFilters(q.Code, q.Exact)
	case HybridByDate:
		filters, err = dateFilters(q.From, q.To)
	case HybridByAgency:
		filters, err = agencyFilters(q.Agency)
	case HybridMulti:
		filters, err = multiFilters(q.Multi)
	default:
		return nil, unknownKind(q.Kind)
	}
	if err != nil {
		return nil, err
	}
	return h.search(ctx, q.Text, q.Limit, q.ScoreThreshold, filters)
}

// SearchByCodeAndText searches documents linked to code. Unless exact is
// set, documents linked to any code in the subtree of code also qualify.
func (h *HybridEngine) SearchByCodeAndText(ctx context.Context, code, text string, limit int, exact bool) ([]SearchResult, error) {
	filters, err := codeFilters(code, exact)
	if err != nil {
		return nil, err
	}
	return h.search(ctx, text, limit, 0, filters)
}

// SearchByDateAndText searches documents published within [from, to].
func (h *HybridEngine) SearchByDateAndText(ctx context.Context, from, to, text string, limit int) ([]SearchResult, error) {
	filters, err := dateFilters(from, to)
	if err != nil {
		return nil, err
	}
	return h.search(ctx, text, limit, 0, filters)
}

// SearchByAgencyAndText searches documents of one agency.
func (h *HybridEngine) SearchByAgencyAndText(ctx context.Context, agency, text string, limit int) ([]SearchResult, error) {
	filters, err := agencyFilters(agency)
	if err != nil {
		return nil, err
	}
	return h.search(ctx, text, limit, 0, filters)
}

// MultiFilterSearch searches documents matching every non-empty field of f.
func (h *HybridEngine) MultiFilterSearch(ctx context.Context, f MultiFilter, text string, limit int) ([]SearchResult, error) {
	filters, err := multiFilters(f)
	if err != nil {
		return nil, err
	}
	return h.search(ctx, text, limit, 0, filters)
}

func codeFilters(code string, exact bool) ([]store.DocumentFilter, error) {
	code = strings.TrimSpace(code)
	if err := store.ValidateCode(code); err != nil {
		return nil, err
	}
	return []store.DocumentFilter{{Code: code, CodePrefix: !exact}}, nil
}

func dateFilters(from, to string) ([]store.DocumentFilter, error) {
	from, to, err := dateRange(from, to)
	if err != nil {
		return nil, err
	}
	return []store.DocumentFilter{{From: from, To: to}}, nil
}

func agencyFilters(agency string) ([]store.DocumentFilter, error) {
	agency = strings.TrimSpace(agency)
	if agency == "" {
		return nil, domain.Invalid("agency", "must not be empty")
	}
	return []store.DocumentFilter{{Agency: agency}}, nil
}

func multiFilters(f MultiFilter) ([]store.DocumentFilter, error) {
	base := store.DocumentFilter{Source: strings.TrimSpace(f.Source)}
	if f.From != "" || f.To != "" {
		from, to, err := dateRange(f.From, f.To)
		if err != nil {
			return nil, err
		}
		base.From, base.To = from, to
	}

	codes := trimAll(f.Codes)
	for _, c := range codes {
		if err := store.ValidateCode(c); err != nil {
			return nil, err
		}
	}
	agencies := trimAll(f.Agencies)
	if len(codes) == 0 && len(agencies) == 0 && base == (store.DocumentFilter{}) {
		return nil, domain.Invalid("filter", "at least one predicate is required")
	}

	// Any-of within a list, all-of across fields: one store query per
	// (code, agency) pair, unioned.
	if len(codes) == 0 {
		codes = []string{""}
	}
	if len(agencies) == 0 {
		agencies = []string{""}
	}
	var filters []store.DocumentFilter
	for _, c := range codes {
		for _, a := range agencies {
			df := base
			df.Code, df.CodePrefix = c, f.CodePrefix
			df.Agency = a
			filters = append(filters, df)
		}
	}
	return filters, nil
}

// search resolves the candidate set as the union of filters and runs the
// similarity search restricted to it. An empty candidate set returns an
// empty result without embedding the query.
func (h *HybridEngine) search(ctx context.Context, text string, limit int, threshold float64, filters []store.DocumentFilter) ([]SearchResult, error) {
	q := SemanticQuery{Text: text, Limit: limit, ScoreThreshold: threshold}
	if err := q.validate(); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	for _, f := range filters {
		ids, err := h.docs.ListIDs(ctx, f)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			seen[id] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return []SearchResult{}, nil
	}

	candidates := make([]string, 0, len(seen))
	for id := range seen {
		candidates = append(candidates, id)
	}
	sort.Strings(candidates)

	q.Filter = &vectorindex.Filter{DocumentIDs: candidates}
	return h.semantic.Search(ctx, q)
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
