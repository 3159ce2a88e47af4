package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jcmvstard-prog/customs-kb/internal/domain"
)

// DocumentStore manages documents, agencies and the document relationship
// tables.
type DocumentStore struct {
	db *DB
}

// NewDocumentStore creates a new document store
func NewDocumentStore(db *DB) *DocumentStore {
	return &DocumentStore{db: db}
}

const documentColumns = `d.document_id, d.source, d.document_type, d.title, d.abstract, d.full_text,
	d.publication_date, d.source_url, d.chunk_generation, d.chunk_count, d.created_at, d.updated_at`

type documentRow struct {
	ID              string         `db:"document_id"`
	Source          string         `db:"source"`
	DocumentType    string         `db:"document_type"`
	Title           string         `db:"title"`
	Abstract        string         `db:"abstract"`
	FullText        sql.NullString `db:"full_text"`
	PublicationDate string         `db:"publication_date"`
	SourceURL       string         `db:"source_url"`
	ChunkGeneration string         `db:"chunk_generation"`
	ChunkCount      int            `db:"chunk_count"`
	CreatedAt       string         `db:"created_at"`
	UpdatedAt       string         `db:"updated_at"`
}

func (r *documentRow) toDocument() (*Document, error) {
	doc := &Document{
		ID:              r.ID,
		Source:          r.Source,
		DocumentType:    r.DocumentType,
		Title:           r.Title,
		Abstract:        r.Abstract,
		PublicationDate: r.PublicationDate,
		SourceURL:       r.SourceURL,
		ChunkGeneration: r.ChunkGeneration,
		ChunkCount:      r.ChunkCount,
	}
	if r.FullText.Valid {
		text := r.FullText.String
		doc.FullText = &text
	}
	var err error
	if doc.CreatedAt, err = parseTimeString(r.CreatedAt); err != nil {
		return nil, fmt.Errorf("document %s created_at: %w", r.ID, err)
	}
	if doc.UpdatedAt, err = parseTimeString(r.UpdatedAt); err != nil {
		return nil, fmt.Errorf("document %s updated_at: %w", r.ID, err)
	}
	return doc, nil
}

// Upsert inserts or updates a document together with its relationship rows
// in a single transaction. Existing agency and code links for the document
// are replaced by links.
func (s *DocumentStore) Upsert(ctx context.Context, doc *Document, links DocumentLinks) error {
	if strings.TrimSpace(doc.ID) == "" {
		return domain.Invalid("document_id", "must not be empty")
	}
	pubDate, err := NormalizeDate(doc.PublicationDate)
	if err != nil {
		return domain.Invalid("publication_date", "%v", err)
	}
	doc.PublicationDate = pubDate

	tx, err := s.db.x.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var fullText any
	if doc.FullText != nil {
		fullText = *doc.FullText
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (
			document_id, source, document_type, title, abstract, full_text,
			publication_date, source_url, chunk_generation, chunk_count, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(document_id) DO UPDATE SET
			source = excluded.source,
			document_type = excluded.document_type,
			title = excluded.title,
			abstract = excluded.abstract,
			full_text = excluded.full_text,
			publication_date = excluded.publication_date,
			source_url = excluded.source_url,
			chunk_generation = excluded.chunk_generation,
			chunk_count = excluded.chunk_count,
			updated_at = excluded.updated_at
	`,
		doc.ID, doc.Source, doc.DocumentType, doc.Title, doc.Abstract, fullText,
		doc.PublicationDate, doc.SourceURL, doc.ChunkGeneration, doc.ChunkCount,
		formatTime(now), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert document %s: %w", doc.ID, err)
	}

	if err := replaceAgencyLinks(ctx, tx, doc.ID, links.Agencies); err != nil {
		return err
	}
	if err := replaceCodeLinks(ctx, tx, doc.ID, links.HTSCodes); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit document %s: %w", doc.ID, err)
	}
	return nil
}

func replaceAgencyLinks(ctx context.Context, tx *sqlx.Tx, docID string, agencies []Agency) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM document_agencies WHERE document_id = ?", docID); err != nil {
		return fmt.Errorf("failed to clear agency links: %w", err)
	}
	seen := make(map[string]bool, len(agencies))
	for _, a := range agencies {
		a = normalizeAgency(a)
		if a.Slug == "" || seen[a.Slug] {
			continue
		}
		seen[a.Slug] = true
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO agencies (slug, name) VALUES (?, ?)
			ON CONFLICT(slug) DO UPDATE SET name = excluded.name
		`, a.Slug, a.Name); err != nil {
			return fmt.Errorf("failed to upsert agency %s: %w", a.Slug, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO document_agencies (document_id, agency_slug) VALUES (?, ?)",
			docID, a.Slug,
		); err != nil {
			return fmt.Errorf("failed to link agency %s: %w", a.Slug, err)
		}
	}
	return nil
}

func replaceCodeLinks(ctx context.Context, tx *sqlx.Tx, docID string, codes []string) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM document_hts_codes WHERE document_id = ?", docID); err != nil {
		return fmt.Errorf("failed to clear code links: %w", err)
	}
	for _, code := range codes {
		code = strings.TrimSpace(code)
		if code == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO document_hts_codes (document_id, hts_number) VALUES (?, ?)",
			docID, code,
		); err != nil {
			return fmt.Errorf("failed to link code %s: %w", code, err)
		}
	}
	return nil
}

// Get returns a document by ID, or nil if it does not exist.
func (s *DocumentStore) Get(ctx context.Context, id string) (*Document, error) {
	var row documentRow
	err := s.db.x.GetContext(ctx, &row, "SELECT "+documentColumns+" FROM documents d WHERE d.document_id = ?", id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document %s: %w", id, err)
	}
	return row.toDocument()
}

// GetMany returns the documents that exist among ids, keyed by ID.
func (s *DocumentStore) GetMany(ctx context.Context, ids []string) (map[string]*Document, error) {
	out := make(map[string]*Document, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In("SELECT "+documentColumns+" FROM documents d WHERE d.document_id IN (?)", ids)
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	var rows []documentRow
	if err := s.db.x.SelectContext(ctx, &rows, s.db.x.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to get documents: %w", err)
	}
	for i := range rows {
		doc, err := rows[i].toDocument()
		if err != nil {
			return nil, err
		}
		out[doc.ID] = doc
	}
	return out, nil
}

// List returns documents matching filter, newest publication first and then
// by document ID.
func (s *DocumentStore) List(ctx context.Context, filter DocumentFilter) ([]*Document, error) {
	where, args := buildDocumentWhere(filter)
	query := "SELECT " + documentColumns + " FROM documents d" + where +
		" ORDER BY d.publication_date DESC, d.document_id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	var rows []documentRow
	if err := s.db.x.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	docs := make([]*Document, 0, len(rows))
	for i := range rows {
		doc, err := rows[i].toDocument()
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// ListIDs returns the IDs of documents matching filter, in List order.
func (s *DocumentStore) ListIDs(ctx context.Context, filter DocumentFilter) ([]string, error) {
	where, args := buildDocumentWhere(filter)
	query := "SELECT d.document_id FROM documents d" + where +
		" ORDER BY d.publication_date DESC, d.document_id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	var ids []string
	if err := s.db.x.SelectContext(ctx, &ids, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list document ids: %w", err)
	}
	return ids, nil
}

func buildDocumentWhere(filter DocumentFilter) (string, []any) {
	var conds []string
	var args []any

	if filter.Source != "" {
		conds = append(conds, "d.source = ?")
		args = append(args, filter.Source)
	}
	if filter.From != "" {
		conds = append(conds, "d.publication_date >= ?")
		args = append(args, filter.From)
	}
	if filter.To != "" {
		conds = append(conds, "d.publication_date <= ?")
		args = append(args, filter.To)
	}
	if filter.Agency != "" {
		conds = append(conds, `EXISTS (
			SELECT 1 FROM document_agencies da JOIN agencies a ON a.slug = da.agency_slug
			WHERE da.document_id = d.document_id AND (a.slug = ? OR lower(a.name) = lower(?)))`)
		args = append(args, filter.Agency, filter.Agency)
	}
	if filter.Code != "" {
		if filter.CodePrefix {
			conds = append(conds, `EXISTS (
				SELECT 1 FROM document_hts_codes dh
				WHERE dh.document_id = d.document_id AND dh.hts_number LIKE ? ESCAPE '\')`)
			args = append(args, escapeLike(filter.Code)+"%")
		} else {
			conds = append(conds, `EXISTS (
				SELECT 1 FROM document_hts_codes dh
				WHERE dh.document_id = d.document_id AND dh.hts_number = ?)`)
			args = append(args, filter.Code)
		}
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Count returns the number of documents.
func (s *DocumentStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.x.GetContext(ctx, &n, "SELECT COUNT(*) FROM documents"); err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return n, nil
}

// CountForCode counts distinct documents linked to code, or to any code
// under it when prefix is set.
func (s *DocumentStore) CountForCode(ctx context.Context, code string, prefix bool) (int64, error) {
	var n int64
	var err error
	if prefix {
		err = s.db.x.GetContext(ctx, &n,
			`SELECT COUNT(DISTINCT document_id) FROM document_hts_codes WHERE hts_number LIKE ? ESCAPE '\'`,
			escapeLike(code)+"%")
	} else {
		err = s.db.x.GetContext(ctx, &n,
			"SELECT COUNT(DISTINCT document_id) FROM document_hts_codes WHERE hts_number = ?", code)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count documents for code %s: %w", code, err)
	}
	return n, nil
}

// CodesFor returns the linked HTS numbers for each of ids, sorted.
func (s *DocumentStore) CodesFor(ctx context.Context, ids []string) (map[string][]string, error) {
	out := make(map[string][]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(
		"SELECT document_id, hts_number FROM document_hts_codes WHERE document_id IN (?) ORDER BY document_id, hts_number", ids)
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	var rows []struct {
		DocumentID string `db:"document_id"`
		HTSNumber  string `db:"hts_number"`
	}
	if err := s.db.x.SelectContext(ctx, &rows, s.db.x.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to load code links: %w", err)
	}
	for _, r := range rows {
		out[r.DocumentID] = append(out[r.DocumentID], r.HTSNumber)
	}
	return out, nil
}

// AgenciesFor returns the linked agencies for each of ids, sorted by slug.
func (s *DocumentStore) AgenciesFor(ctx context.Context, ids []string) (map[string][]Agency, error) {
	out := make(map[string][]Agency, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`
		SELECT da.document_id, a.slug, a.name
		FROM document_agencies da JOIN agencies a ON a.slug = da.agency_slug
		WHERE da.document_id IN (?)
		ORDER BY da.document_id, a.slug`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	var rows []struct {
		DocumentID string `db:"document_id"`
		Agency
	}
	if err := s.db.x.SelectContext(ctx, &rows, s.db.x.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to load agency links: %w", err)
	}
	for _, r := range rows {
		out[r.DocumentID] = append(out[r.DocumentID], r.Agency)
	}
	return out, nil
}

// ListAgencies returns all known agencies ordered by slug.
func (s *DocumentStore) ListAgencies(ctx context.Context) ([]Agency, error) {
	var agencies []Agency
	if err := s.db.x.SelectContext(ctx, &agencies, "SELECT slug, name FROM agencies ORDER BY slug"); err != nil {
		return nil, fmt.Errorf("failed to list agencies: %w", err)
	}
	return agencies, nil
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify turns an agency name into its slug form
// ("U.S. Customs and Border Protection" -> "u-s-customs-and-border-protection").
func Slugify(name string) string {
	return strings.Trim(slugPattern.ReplaceAllString(strings.ToLower(name), "-"), "-")
}

func normalizeAgency(a Agency) Agency {
	a.Slug = strings.TrimSpace(a.Slug)
	a.Name = strings.TrimSpace(a.Name)
	if a.Slug == "" {
		a.Slug = Slugify(a.Name)
	}
	if a.Name == "" {
		a.Name = a.Slug
	}
	return a
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
