package retrieval

import (
	"context"
	"strings"

	"github.com/jcmvstard-prog/customs-kb/internal/domain"
	"github.com/jcmvstard-prog/customs-kb/internal/store"
)

// StructuredEngine answers relational lookups over documents and codes.
type StructuredEngine struct {
	docs         *store.DocumentStore
	codes        *store.CodeStore
	defaultLimit int
}

// NewStructuredEngine creates a structured engine. A zero limit passed to
// any list operation is replaced by defaultLimit.
func NewStructuredEngine(docs *store.DocumentStore, codes *store.CodeStore, defaultLimit int) *StructuredEngine {
	if defaultLimit <= 0 {
		defaultLimit = 10
	}
	return &StructuredEngine{docs: docs, codes: codes, defaultLimit: defaultLimit}
}

// Do dispatches a tagged query.
func (e *StructuredEngine) Do(ctx context.Context, q StructuredQuery) (*StructuredResult, error) {
	res := &StructuredResult{Kind: q.Kind}
	var err error
	switch q.Kind {
	case LookupDocument:
		res.Document, err = e.GetDocument(ctx, q.DocumentID)
	case LookupCodes:
		res.Codes, err = e.FindCodes(ctx, q.Code, q.Prefix, q.Limit)
	case LookupCodeInfo:
		res.CodeInfo, err = e.CodeInfo(ctx, q.Code)
	case LookupCodeSearch:
		res.Codes, err = e.SearchCodes(ctx, q.Keyword, q.Limit)
	case LookupDocumentsByCode:
		res.Documents, err = e.DocumentsByCode(ctx, q.Code, q.Prefix, q.Limit)
	case LookupDocumentsByDate:
		res.Documents, err = e.DocumentsByDateRange(ctx, q.From, q.To, q.Limit)
	case LookupDocumentsByAgency:
		res.Documents, err = e.DocumentsByAgency(ctx, q.Agency, q.Limit)
	default:
		return nil, unknownKind(q.Kind)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// GetDocument returns a document with its agencies and codes, or nil when
// it does not exist.
func (e *StructuredEngine) GetDocument(ctx context.Context, id string) (*DocumentView, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, domain.Invalid("document_id", "must not be empty")
	}
	doc, err := e.docs.Get(ctx, id)
	if err != nil || doc == nil {
		return nil, err
	}
	views, err := e.views(ctx, []*store.Document{doc})
	if err != nil {
		return nil, err
	}
	return &views[0], nil
}

// FindCodes looks up codes equal to code or, with prefix, in its subtree.
func (e *StructuredEngine) FindCodes(ctx context.Context, code string, prefix bool, limit int) ([]store.HTSCode, error) {
	code = strings.TrimSpace(code)
	if err := store.ValidateCode(code); err != nil {
		return nil, err
	}
	limit, err := e.limit(limit)
	if err != nil {
		return nil, err
	}
	return e.codes.Find(ctx, code, prefix, limit)
}

// SearchCodes returns codes whose description contains keyword.
func (e *StructuredEngine) SearchCodes(ctx context.Context, keyword string, limit int) ([]store.HTSCode, error) {
	limit, err := e.limit(limit)
	if err != nil {
		return nil, err
	}
	return e.codes.Search(ctx, keyword, limit)
}

// CodeInfo returns a code with its ancestors, children and the number of
// documents linked to it, or nil when the code does not exist.
func (e *StructuredEngine) CodeInfo(ctx context.Context, code string) (*CodeInfo, error) {
	code = strings.TrimSpace(code)
	if err := store.ValidateCode(code); err != nil {
		return nil, err
	}
	c, err := e.codes.Get(ctx, code)
	if err != nil || c == nil {
		return nil, err
	}

	info := &CodeInfo{Code: *c}
	if info.ParentChain, err = e.codes.ParentChain(ctx, code); err != nil {
		return nil, err
	}
	if info.Children, err = e.codes.Children(ctx, code); err != nil {
		return nil, err
	}
	if info.DocumentCount, err = e.docs.CountForCode(ctx, code, false); err != nil {
		return nil, err
	}
	if info.SubtreeDocumentCount, err = e.docs.CountForCode(ctx, code, true); err != nil {
		return nil, err
	}
	if info.ParentChain == nil {
		info.ParentChain = []store.HTSCode{}
	}
	if info.Children == nil {
		info.Children = []store.HTSCode{}
	}
	return info, nil
}

// DocumentsByCode lists documents linked to code, or to any code in its
// subtree when prefix is set.
func (e *StructuredEngine) DocumentsByCode(ctx context.Context, code string, prefix bool, limit int) ([]DocumentView, error) {
	code = strings.TrimSpace(code)
	if err := store.ValidateCode(code); err != nil {
		return nil, err
	}
	return e.list(ctx, store.DocumentFilter{Code: code, CodePrefix: prefix}, limit)
}

// DocumentsByDateRange lists documents published within [from, to].
func (e *StructuredEngine) DocumentsByDateRange(ctx context.Context, from, to string, limit int) ([]DocumentView, error) {
	from, to, err := dateRange(from, to)
	if err != nil {
		return nil, err
	}
	return e.list(ctx, store.DocumentFilter{From: from, To: to}, limit)
}

// DocumentsByAgency lists documents of one agency, by slug or name.
func (e *StructuredEngine) DocumentsByAgency(ctx context.Context, agency string, limit int) ([]DocumentView, error) {
	agency = strings.TrimSpace(agency)
	if agency == "" {
		return nil, domain.Invalid("agency", "must not be empty")
	}
	return e.list(ctx, store.DocumentFilter{Agency: agency}, limit)
}

func (e *StructuredEngine) list(ctx context.Context, filter store.DocumentFilter, limit int) ([]DocumentView, error) {
	var err error
	if filter.Limit, err = e.limit(limit); err != nil {
		return nil, err
	}
	docs, err := e.docs.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	return e.views(ctx, docs)
}

// views attaches agencies and codes to docs with two batched queries.
func (e *StructuredEngine) views(ctx context.Context, docs []*store.Document) ([]DocumentView, error) {
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	codes, err := e.docs.CodesFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	agencies, err := e.docs.AgenciesFor(ctx, ids)
	if err != nil {
		return nil, err
	}

	views := make([]DocumentView, 0, len(docs))
	for _, d := range docs {
		v := DocumentView{Document: *d, Agencies: agencies[d.ID], HTSCodes: codes[d.ID]}
		if v.Agencies == nil {
			v.Agencies = []store.Agency{}
		}
		if v.HTSCodes == nil {
			v.HTSCodes = []string{}
		}
		views = append(views, v)
	}
	return views, nil
}

func (e *StructuredEngine) limit(limit int) (int, error) {
	if limit < 0 {
		return 0, domain.Invalid("limit", "must not be negative, got %d", limit)
	}
	if limit == 0 {
		return e.defaultLimit, nil
	}
	return limit, nil
}

// dateRange normalises an inclusive date range. Either bound may be empty.
func dateRange(from, to string) (string, string, error) {
	f, err := store.NormalizeDate(from)
	if err != nil {
		return "", "", domain.Invalid("from", "%v", err)
	}
	t, err := store.NormalizeDate(to)
	if err != nil {
		return "", "", domain.Invalid("to", "%v", err)
	}
	if f == "" && t == "" {
		return "", "", domain.Invalid("date range", "at least one of from and to is required")
	}
	if f != "" && t != "" && f > t {
		return "", "", domain.Invalid("date range", "from %s is after to %s", f, t)
	}
	return f, t, nil
}
