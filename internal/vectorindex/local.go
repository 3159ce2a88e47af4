package vectorindex

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sync"

	"github.com/jmoiron/sqlx"

	"github.com/jcmvstard-prog/customs-kb/internal/domain"
)

// LocalIndex keeps vectors in the chunk_vectors table of the knowledge base
// SQLite file and answers queries with a brute-force cosine scan. It applies
// filters natively.
type LocalIndex struct {
	db *sqlx.DB
	mu sync.RWMutex
}

// NewLocalIndex wraps an open database that already carries the
// chunk_vectors table.
func NewLocalIndex(db *sql.DB) *LocalIndex {
	return &LocalIndex{db: sqlx.NewDb(db, "sqlite")}
}

// NativeFilter implements Index.
func (l *LocalIndex) NativeFilter() bool { return true }

// Upsert implements Index.
func (l *LocalIndex) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `INSERT OR REPLACE INTO chunk_vectors
		(id, document_id, vector, payload) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for i, p := range points {
		if p.ID == "" || len(p.Vector) == 0 {
			return domain.Invalid("point", "point %d has no id or vector", i)
		}
		payload, err := json.Marshal(p.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode payload of %s: %w", p.ID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			p.ID, payloadString(p.Payload, KeyDocumentID), vectorToBlob(p.Vector), string(payload),
		); err != nil {
			return fmt.Errorf("failed to upsert point %s: %w", p.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit points: %w", err)
	}
	return nil
}

// Query implements Index.
func (l *LocalIndex) Query(ctx context.Context, vector []float32, k int, filter *Filter) ([]Hit, error) {
	if k <= 0 {
		return nil, domain.Invalid("k", "must be positive, got %d", k)
	}
	query, queryNorm := toFloat64Vector(vector)
	if len(query) == 0 || queryNorm == 0 {
		return nil, domain.Invalid("vector", "query vector is empty")
	}

	sqlQuery := "SELECT id, vector, payload FROM chunk_vectors"
	var args []any
	rest := filter
	if filter != nil && len(filter.DocumentIDs) > 0 {
		// One JSON array argument keeps large candidate sets under the
		// SQLite bind-variable limit.
		ids, err := json.Marshal(filter.DocumentIDs)
		if err != nil {
			return nil, fmt.Errorf("failed to encode document ids: %w", err)
		}
		sqlQuery += " WHERE document_id IN (SELECT value FROM json_each(?))"
		args = append(args, string(ids))
		rest = &Filter{HTSCodes: filter.HTSCodes, Agencies: filter.Agencies, Source: filter.Source}
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.db.QueryxContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query vectors: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var id, rawPayload string
		var blob []byte
		if err := rows.Scan(&id, &blob, &rawPayload); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		vec, err := blobToVector(blob)
		if err != nil || len(vec) != len(query) {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(rawPayload), &payload); err != nil {
			continue
		}
		if !rest.Match(payload) {
			continue
		}
		hits = append(hits, Hit{
			ID:      id,
			Score:   cosineSimilarity(query, vec, queryNorm),
			Payload: payload,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Delete implements Index.
func (l *LocalIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In("DELETE FROM chunk_vectors WHERE id IN (?)", ids)
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete vectors: %w", err)
	}
	return nil
}

// Count implements Index.
func (l *LocalIndex) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := l.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM chunk_vectors"); err != nil {
		return 0, fmt.Errorf("failed to count vectors: %w", err)
	}
	return n, nil
}

// Close is a no-op; the database belongs to the relational store.
func (l *LocalIndex) Close() error { return nil }

func vectorToBlob(vector []float32) []byte {
	blob := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(blob[i*4:i*4+4], math.Float32bits(v))
	}
	return blob
}

func blobToVector(blob []byte) ([]float64, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("blob size %d is not a multiple of 4", len(blob))
	}
	vector := make([]float64, len(blob)/4)
	for i := range vector {
		vector[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4 : i*4+4])))
	}
	return vector, nil
}

func toFloat64Vector(vec []float32) ([]float64, float64) {
	out := make([]float64, len(vec))
	var sum float64
	for i, val := range vec {
		v := float64(val)
		out[i] = v
		sum += v * v
	}
	return out, math.Sqrt(sum)
}

func cosineSimilarity(query, vec []float64, queryNorm float64) float64 {
	if len(query) != len(vec) || queryNorm == 0 {
		return 0
	}
	var dot, norm float64
	for i, val := range vec {
		dot += query[i] * val
		norm += val * val
	}
	if norm == 0 {
		return 0
	}
	return dot / (queryNorm * math.Sqrt(norm))
}
