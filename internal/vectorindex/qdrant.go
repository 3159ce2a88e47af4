package vectorindex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jcmvstard-prog/customs-kb/internal/domain"
)

// QdrantOptions configures a QdrantIndex.
type QdrantOptions struct {
	URL        string
	APIKey     string
	Collection string
	Dimensions int
	Timeout    time.Duration
}

// QdrantIndex is an Index backed by a Qdrant collection over its REST API.
type QdrantIndex struct {
	client     *qdrantClient
	collection string
}

// NewQdrantIndex connects to Qdrant and creates the collection (cosine
// distance) if it does not exist yet.
func NewQdrantIndex(ctx context.Context, opts QdrantOptions) (*QdrantIndex, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, domain.Invalid("qdrant_url", "must not be empty")
	}
	if opts.Collection == "" {
		return nil, domain.Invalid("collection", "must not be empty")
	}
	if opts.Dimensions <= 0 {
		return nil, domain.Invalid("dimensions", "must be positive, got %d", opts.Dimensions)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	client := &qdrantClient{
		baseURL: strings.TrimRight(opts.URL, "/"),
		apiKey:  opts.APIKey,
		client:  &http.Client{Timeout: timeout},
	}
	if err := client.ensureCollection(ctx, opts.Collection, opts.Dimensions); err != nil {
		return nil, err
	}
	return &QdrantIndex{client: client, collection: opts.Collection}, nil
}

// NativeFilter implements Index.
func (q *QdrantIndex) NativeFilter() bool { return true }

// Upsert implements Index.
func (q *QdrantIndex) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	body := make([]map[string]any, 0, len(points))
	for _, p := range points {
		body = append(body, map[string]any{
			"id":      p.ID,
			"vector":  p.Vector,
			"payload": p.Payload,
		})
	}
	_, err := q.client.do(ctx, http.MethodPut, "/collections/"+q.collection+"/points?wait=true",
		map[string]any{"points": body})
	return err
}

// Query implements Index.
func (q *QdrantIndex) Query(ctx context.Context, vector []float32, k int, filter *Filter) ([]Hit, error) {
	if k <= 0 {
		return nil, domain.Invalid("k", "must be positive, got %d", k)
	}
	req := map[string]any{
		"vector":       vector,
		"limit":        k,
		"with_payload": true,
	}
	if f := qdrantFilter(filter); f != nil {
		req["filter"] = f
	}
	data, err := q.client.do(ctx, http.MethodPost, "/collections/"+q.collection+"/points/search", req)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Result []struct {
			ID      any            `json:"id"`
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode qdrant search response: %w", err)
	}
	hits := make([]Hit, 0, len(parsed.Result))
	for _, item := range parsed.Result {
		hits = append(hits, Hit{
			ID:      fmt.Sprintf("%v", item.ID),
			Score:   item.Score,
			Payload: item.Payload,
		})
	}
	return hits, nil
}

// Delete implements Index.
func (q *QdrantIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := q.client.do(ctx, http.MethodPost, "/collections/"+q.collection+"/points/delete?wait=true",
		map[string]any{"points": ids})
	return err
}

// Count implements Index.
func (q *QdrantIndex) Count(ctx context.Context) (int64, error) {
	data, err := q.client.do(ctx, http.MethodPost, "/collections/"+q.collection+"/points/count",
		map[string]any{"exact": true})
	if err != nil {
		return 0, err
	}
	var parsed struct {
		Result struct {
			Count int64 `json:"count"`
		} `json:"result"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return 0, fmt.Errorf("failed to decode qdrant count response: %w", err)
	}
	return parsed.Result.Count, nil
}

// Close implements Index.
func (q *QdrantIndex) Close() error {
	q.client.client.CloseIdleConnections()
	return nil
}

// qdrantFilter translates f into a Qdrant "must" filter, or nil when f is
// empty.
func qdrantFilter(f *Filter) map[string]any {
	if f.IsEmpty() {
		return nil
	}
	var must []map[string]any
	if len(f.DocumentIDs) > 0 {
		must = append(must, qdrantMatchAny(KeyDocumentID, f.DocumentIDs))
	}
	if len(f.HTSCodes) > 0 {
		must = append(must, qdrantMatchAny(KeyHTSCodes, f.HTSCodes))
	}
	if len(f.Agencies) > 0 {
		must = append(must, qdrantMatchAny(KeyAgencies, f.Agencies))
	}
	if f.Source != "" {
		must = append(must, map[string]any{
			"key":   KeySource,
			"match": map[string]any{"value": f.Source},
		})
	}
	return map[string]any{"must": must}
}

func qdrantMatchAny(key string, values []string) map[string]any {
	return map[string]any{
		"key":   key,
		"match": map[string]any{"any": values},
	}
}

type qdrantClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

var errCollectionMissing = errors.New("collection does not exist")

func (c *qdrantClient) ensureCollection(ctx context.Context, name string, size int) error {
	_, err := c.do(ctx, http.MethodGet, "/collections/"+name, nil)
	if err == nil {
		return nil
	}
	if !errors.Is(err, errCollectionMissing) {
		return err
	}
	_, err = c.do(ctx, http.MethodPut, "/collections/"+name, map[string]any{
		"vectors": map[string]any{
			"size":     size,
			"distance": "Cosine",
		},
	})
	return err
}

// do sends one request. Network failures, 429 and 5xx responses are
// returned as transient errors; a 404 wraps errCollectionMissing.
func (c *qdrantClient) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		buf = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}

	op := "qdrant " + method + " " + path
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, domain.Transient(op, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return data, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", op, errCollectionMissing)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, domain.Transient(op, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data))))
	default:
		return nil, fmt.Errorf("%s: status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(data)))
	}
}
