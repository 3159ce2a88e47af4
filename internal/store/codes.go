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

// maxCodeDepth bounds parent-chain walks. HTS lines nest at most a dozen
// levels deep.
const maxCodeDepth = 32

var codePattern = regexp.MustCompile(`^\d{1,4}(\.\d{1,2}){0,3}$`)

// mentionPattern finds 8- and 10-digit statistical codes in prose.
var mentionPattern = regexp.MustCompile(`\b\d{4}\.\d{2}\.\d{2}(?:\.\d{2})?\b`)

// ValidateCode checks that code is a dotted numeric HTS number or prefix
// such as "04", "0406", "0406.30" or "0406.30.00.10".
func ValidateCode(code string) error {
	if !codePattern.MatchString(code) {
		return domain.Invalid("hts code", "%q is not a dotted numeric code", code)
	}
	return nil
}

// ExtractCodes returns the distinct HTS numbers mentioned in text, in order
// of first appearance. The linkage it enables is best-effort: a document is
// only related to the codes its text happens to spell out.
func ExtractCodes(text string) []string {
	matches := mentionPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(matches))
	codes := make([]string, 0, len(matches))
	for _, m := range matches {
		if !seen[m] {
			seen[m] = true
			codes = append(codes, m)
		}
	}
	return codes
}

// CodeStore manages the tariff schedule tree.
type CodeStore struct {
	db *DB
}

// NewCodeStore creates a new code store
func NewCodeStore(db *DB) *CodeStore {
	return &CodeStore{db: db}
}

const codeColumns = `hts_number, indent_level, description, general_rate, special_rate, other_rate,
	units, COALESCE(parent_hts_number, '') AS parent_hts_number, effective_date`

// Upsert inserts or updates one code. A non-root code's parent must already
// exist and the parent chain must not loop back to the code.
func (s *CodeStore) Upsert(ctx context.Context, code *HTSCode) error {
	return s.UpsertBatch(ctx, []*HTSCode{code})
}

// UpsertBatch upserts codes in order inside one transaction, so a parent
// earlier in the batch satisfies the existence check of its children.
func (s *CodeStore) UpsertBatch(ctx context.Context, codes []*HTSCode) error {
	if len(codes) == 0 {
		return nil
	}

	tx, err := s.db.x.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO hts_codes (
			hts_number, indent_level, description, general_rate, special_rate, other_rate,
			units, parent_hts_number, effective_date, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hts_number) DO UPDATE SET
			indent_level = excluded.indent_level,
			description = excluded.description,
			general_rate = excluded.general_rate,
			special_rate = excluded.special_rate,
			other_rate = excluded.other_rate,
			units = excluded.units,
			parent_hts_number = excluded.parent_hts_number,
			effective_date = excluded.effective_date,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	now := formatTime(time.Now())
	for _, code := range codes {
		if err := ValidateCode(code.Number); err != nil {
			return err
		}
		if err := checkParent(ctx, tx, code.Number, code.ParentNumber); err != nil {
			return err
		}
		var parent any
		if code.ParentNumber != "" {
			parent = code.ParentNumber
		}
		if _, err := stmt.ExecContext(ctx,
			code.Number, code.IndentLevel, code.Description, code.GeneralRate, code.SpecialRate,
			code.OtherRate, code.Units, parent, code.EffectiveDate, now,
		); err != nil {
			return fmt.Errorf("failed to upsert code %s: %w", code.Number, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit codes: %w", err)
	}
	return nil
}

// checkParent enforces the tree invariant for number -> parent.
func checkParent(ctx context.Context, tx *sqlx.Tx, number, parent string) error {
	if parent == "" {
		return nil
	}
	if parent == number {
		return domain.Invalid("parent_hts_number", "code %s cannot be its own parent", number)
	}

	current := parent
	for depth := 0; current != ""; depth++ {
		if depth > maxCodeDepth {
			return domain.Invalid("parent_hts_number", "parent chain of %s exceeds %d levels", number, maxCodeDepth)
		}
		var next sql.NullString
		err := tx.GetContext(ctx, &next, "SELECT parent_hts_number FROM hts_codes WHERE hts_number = ?", current)
		if err == sql.ErrNoRows {
			if current == parent {
				return domain.Invalid("parent_hts_number", "parent %s of %s does not exist: %v", parent, number, domain.ErrNotFound)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to walk parents of %s: %w", number, err)
		}
		if next.String == number {
			return domain.Invalid("parent_hts_number", "setting parent %s on %s would create a cycle", parent, number)
		}
		current = next.String
	}
	return nil
}

// Get returns a code by number, or nil if it does not exist.
func (s *CodeStore) Get(ctx context.Context, number string) (*HTSCode, error) {
	var code HTSCode
	err := s.db.x.GetContext(ctx, &code, "SELECT "+codeColumns+" FROM hts_codes WHERE hts_number = ?", number)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get code %s: %w", number, err)
	}
	return &code, nil
}

// Find returns codes equal to code, or starting with it when prefix is set,
// ordered by number.
func (s *CodeStore) Find(ctx context.Context, code string, prefix bool, limit int) ([]HTSCode, error) {
	query := "SELECT " + codeColumns + " FROM hts_codes WHERE hts_number = ?"
	args := []any{code}
	if prefix {
		query = "SELECT " + codeColumns + ` FROM hts_codes WHERE hts_number LIKE ? ESCAPE '\'`
		args = []any{escapeLike(code) + "%"}
	}
	query += " ORDER BY hts_number"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var codes []HTSCode
	if err := s.db.x.SelectContext(ctx, &codes, query, args...); err != nil {
		return nil, fmt.Errorf("failed to find codes for %s: %w", code, err)
	}
	return codes, nil
}

// Search returns codes whose description contains keyword, ignoring case,
// ordered by number.
func (s *CodeStore) Search(ctx context.Context, keyword string, limit int) ([]HTSCode, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return nil, domain.Invalid("keyword", "must not be empty")
	}
	query := "SELECT " + codeColumns + ` FROM hts_codes
		WHERE lower(description) LIKE '%' || lower(?) || '%' ESCAPE '\'
		ORDER BY hts_number`
	args := []any{escapeLike(keyword)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var codes []HTSCode
	if err := s.db.x.SelectContext(ctx, &codes, query, args...); err != nil {
		return nil, fmt.Errorf("failed to search codes: %w", err)
	}
	return codes, nil
}

// ParentChain returns the ancestors of number, root first. The code itself
// is not included. A missing code yields an empty chain.
func (s *CodeStore) ParentChain(ctx context.Context, number string) ([]HTSCode, error) {
	var chain []HTSCode
	seen := map[string]bool{number: true}

	code, err := s.Get(ctx, number)
	if err != nil || code == nil {
		return nil, err
	}
	for parent := code.ParentNumber; parent != ""; {
		if seen[parent] || len(chain) >= maxCodeDepth {
			return nil, fmt.Errorf("parent chain of %s is cyclic or too deep", number)
		}
		seen[parent] = true
		p, err := s.Get(ctx, parent)
		if err != nil {
			return nil, err
		}
		if p == nil {
			break
		}
		chain = append(chain, *p)
		parent = p.ParentNumber
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// Children returns the direct children of number ordered by number.
func (s *CodeStore) Children(ctx context.Context, number string) ([]HTSCode, error) {
	var codes []HTSCode
	if err := s.db.x.SelectContext(ctx, &codes,
		"SELECT "+codeColumns+" FROM hts_codes WHERE parent_hts_number = ? ORDER BY hts_number", number,
	); err != nil {
		return nil, fmt.Errorf("failed to list children of %s: %w", number, err)
	}
	return codes, nil
}

// Count returns the number of codes.
func (s *CodeStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.x.GetContext(ctx, &n, "SELECT COUNT(*) FROM hts_codes"); err != nil {
		return 0, fmt.Errorf("failed to count codes: %w", err)
	}
	return n, nil
}
