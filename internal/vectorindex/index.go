// Package vectorindex stores chunk embeddings and answers nearest-neighbour
// queries over them. Three backends share the Index interface: a SQLite
// table scanned by brute force, an in-process map, and a Qdrant collection.
package vectorindex

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Index is a nearest-neighbour index of chunk points.
type Index interface {
	// Upsert inserts or replaces points by ID.
	Upsert(ctx context.Context, points []Point) error
	// Query returns up to k hits ordered by descending score. When the
	// index reports NativeFilter, filter is applied while searching;
	// otherwise it is ignored and callers must post-filter.
	Query(ctx context.Context, vector []float32, k int, filter *Filter) ([]Hit, error)
	// Delete removes points by ID. Unknown IDs are ignored.
	Delete(ctx context.Context, ids []string) error
	// NativeFilter reports whether Query honours its filter argument.
	NativeFilter() bool
	Count(ctx context.Context) (int64, error)
	Close() error
}

// Point is one indexed vector.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// Hit is a query result.
type Hit struct {
	ID      string
	Score   float64
	Payload map[string]any
}

// Payload keys written for every chunk point.
const (
	KeyDocumentID      = "document_id"
	KeyChunkIndex      = "chunk_index"
	KeyGeneration      = "generation"
	KeyText            = "text_chunk"
	KeyTitle           = "title"
	KeySource          = "source"
	KeyPublicationDate = "publication_date"
	KeyHTSCodes        = "hts_codes"
	KeyAgencies        = "agencies"
)

var pointNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("customs-kb/chunk"))

// PointID derives the stable point ID of a chunk. The same document,
// generation and ordinal always map to the same UUID, so re-ingesting
// identical content overwrites points instead of duplicating them.
func PointID(documentID, generation string, ordinal int) string {
	return uuid.NewSHA1(pointNamespace, []byte(fmt.Sprintf("%s/%s/%d", documentID, generation, ordinal))).String()
}

// PointIDs returns the IDs of ordinals 0..count-1 of one generation.
func PointIDs(documentID, generation string, count int) []string {
	ids := make([]string, 0, count)
	for i := 0; i < count; i++ {
		ids = append(ids, PointID(documentID, generation, i))
	}
	return ids
}

// ChunkPayload is the typed form of a chunk point payload.
type ChunkPayload struct {
	DocumentID      string
	ChunkIndex      int
	Generation      string
	Text            string
	Title           string
	Source          string
	PublicationDate string
	HTSCodes        []string
	Agencies        []string
}

// Map converts the payload to the wire form stored with the point.
func (p ChunkPayload) Map() map[string]any {
	return map[string]any{
		KeyDocumentID:      p.DocumentID,
		KeyChunkIndex:      p.ChunkIndex,
		KeyGeneration:      p.Generation,
		KeyText:            p.Text,
		KeyTitle:           p.Title,
		KeySource:          p.Source,
		KeyPublicationDate: p.PublicationDate,
		KeyHTSCodes:        nonNil(p.HTSCodes),
		KeyAgencies:        nonNil(p.Agencies),
	}
}

// ParsePayload reads a payload produced by Map, tolerating the loose types
// that come back from JSON decoding.
func ParsePayload(m map[string]any) ChunkPayload {
	return ChunkPayload{
		DocumentID:      payloadString(m, KeyDocumentID),
		ChunkIndex:      int(payloadInt64(m, KeyChunkIndex)),
		Generation:      payloadString(m, KeyGeneration),
		Text:            payloadString(m, KeyText),
		Title:           payloadString(m, KeyTitle),
		Source:          payloadString(m, KeySource),
		PublicationDate: payloadString(m, KeyPublicationDate),
		HTSCodes:        payloadStrings(m, KeyHTSCodes),
		Agencies:        payloadStrings(m, KeyAgencies),
	}
}

// Filter restricts a query. Empty fields do not constrain. List fields
// match when any value is present on the point.
type Filter struct {
	DocumentIDs []string `json:"document_ids,omitempty"`
	HTSCodes    []string `json:"hts_codes,omitempty"`
	Agencies    []string `json:"agencies,omitempty"`
	Source      string   `json:"source,omitempty"`
}

// IsEmpty reports whether f constrains nothing. A nil filter is empty.
func (f *Filter) IsEmpty() bool {
	return f == nil || (len(f.DocumentIDs) == 0 && len(f.HTSCodes) == 0 && len(f.Agencies) == 0 && f.Source == "")
}

// Match evaluates the filter against a point payload.
func (f *Filter) Match(payload map[string]any) bool {
	if f.IsEmpty() {
		return true
	}
	if len(f.DocumentIDs) > 0 && !contains(f.DocumentIDs, payloadString(payload, KeyDocumentID)) {
		return false
	}
	if f.Source != "" && payloadString(payload, KeySource) != f.Source {
		return false
	}
	if len(f.HTSCodes) > 0 && !intersects(f.HTSCodes, payloadStrings(payload, KeyHTSCodes)) {
		return false
	}
	if len(f.Agencies) > 0 && !intersects(f.Agencies, payloadStrings(payload, KeyAgencies)) {
		return false
	}
	return true
}

// sortHits orders hits by descending score, then by ID.
func sortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func intersects(want, have []string) bool {
	for _, v := range have {
		if contains(want, v) {
			return true
		}
	}
	return false
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func payloadString(payload map[string]any, key string) string {
	val, ok := payload[key]
	if !ok || val == nil {
		return ""
	}
	switch v := val.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func payloadInt64(payload map[string]any, key string) int64 {
	val, ok := payload[key]
	if !ok || val == nil {
		return 0
	}
	switch v := val.(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	case float32:
		return int64(v)
	default:
		return 0
	}
}

func payloadStrings(payload map[string]any, key string) []string {
	val, ok := payload[key]
	if !ok || val == nil {
		return nil
	}
	switch v := val.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{v}
	default:
		return nil
	}
}
