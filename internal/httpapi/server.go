// Package httpapi serves the knowledge base over a JSON REST API.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jcmvstard-prog/customs-kb/internal/domain"
	"github.com/jcmvstard-prog/customs-kb/internal/kb"
	"github.com/jcmvstard-prog/customs-kb/internal/metrics"
	"github.com/jcmvstard-prog/customs-kb/internal/retrieval"
)

const (
	defaultSearchLimit = 5
	maxSearchLimit     = 50
	defaultCodeLimit   = 10
	maxCodeLimit       = 100
	defaultListLimit   = 20
	maxListLimit       = 500
)

// Backend reports on the knowledge base behind the engine.
type Backend interface {
	Status(ctx context.Context) (*kb.Status, error)
	Healthy(ctx context.Context) error
}

// Server is the REST server.
type Server struct {
	engine  retrieval.Engine
	backend Backend
	log     zerolog.Logger
	metrics *metrics.Metrics
	mux     *http.ServeMux
}

// New builds the routes. m may be nil, in which case /metrics is not served.
func New(engine retrieval.Engine, backend Backend, log zerolog.Logger, m *metrics.Metrics) *Server {
	s := &Server{
		engine:  engine,
		backend: backend,
		log:     log.With().Str("component", "http").Logger(),
		metrics: m,
		mux:     http.NewServeMux(),
	}

	s.handle("GET /health", s.health)
	s.handle("GET /api/status", s.status)
	s.handle("GET /api/search", s.search)
	s.handle("GET /api/hts/search", s.searchCodes)
	s.handle("GET /api/hts/{code}", s.codeInfo)
	s.handle("GET /api/hts/{code}/documents", s.codeDocuments)
	s.handle("GET /api/documents", s.listDocuments)
	s.handle("GET /api/documents/{id}", s.document)
	if m != nil {
		s.mux.Handle("GET /metrics", m.Handler())
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("REST API listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
		s.log.Info().Msg("shutting down REST API")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type apiFunc func(w http.ResponseWriter, r *http.Request) error

// handle registers fn under pattern with request logging, metrics and
// error mapping.
func (s *Server) handle(pattern string, fn apiFunc) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		if err := fn(rec, r); err != nil {
			s.writeError(rec, r, err)
		}
		dur := time.Since(start)
		s.metrics.RecordHTTPRequest(pattern, rec.code, dur)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.code).
			Dur("duration", dur).
			Msg("request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

type notFound string

func (e notFound) Error() string { return string(e) }

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	body := errorBody{Error: err.Error()}
	code := http.StatusInternalServerError

	var ve *domain.ValidationError
	var nf notFound
	switch {
	case errors.As(err, &ve):
		code = http.StatusBadRequest
		body.Field = ve.Field
	case errors.As(err, &nf), domain.IsNotFound(err):
		code = http.StatusNotFound
	case domain.IsTransient(err):
		code = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		// client went away; nothing useful to send
		code = 499
	}
	if code >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) error {
	if err := s.backend.Healthy(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return nil
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "customs-kb"})
	return nil
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) error {
	st, err := s.backend.Status(r.Context())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, st)
	return nil
}

// search runs a semantic search, narrowed relationally when any of code,
// agency or source is given.
func (s *Server) search(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	text := strings.TrimSpace(q.Get("q"))
	if text == "" {
		return domain.Invalid("q", "is required")
	}
	limit, err := parseLimit(q.Get("limit"), defaultSearchLimit, maxSearchLimit)
	if err != nil {
		return err
	}

	code := firstNonEmpty(q.Get("code"), q.Get("hts_code"))
	filter := retrieval.MultiFilter{
		Codes:      splitList(code),
		CodePrefix: q.Get("subtree") == "true",
		Agencies:   splitList(q.Get("agency")),
		Source:     strings.TrimSpace(q.Get("source")),
	}

	var results []retrieval.SearchResult
	if len(filter.Codes) == 0 && len(filter.Agencies) == 0 && filter.Source == "" {
		results, err = s.engine.Semantic(r.Context(), retrieval.SemanticQuery{Text: text, Limit: limit})
	} else {
		results, err = s.engine.Hybrid(r.Context(), retrieval.HybridQuery{
			Kind:  retrieval.HybridMulti,
			Text:  text,
			Limit: limit,
			Multi: filter,
		})
	}
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, nonNil(results))
	return nil
}

func (s *Server) searchCodes(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	keyword := strings.TrimSpace(q.Get("q"))
	if keyword == "" {
		return domain.Invalid("q", "is required")
	}
	limit, err := parseLimit(q.Get("limit"), defaultCodeLimit, maxCodeLimit)
	if err != nil {
		return err
	}
	res, err := s.engine.Structured(r.Context(), retrieval.StructuredQuery{
		Kind:    retrieval.LookupCodeSearch,
		Keyword: keyword,
		Limit:   limit,
	})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, nonNil(res.Codes))
	return nil
}

func (s *Server) codeInfo(w http.ResponseWriter, r *http.Request) error {
	res, err := s.engine.Structured(r.Context(), retrieval.StructuredQuery{
		Kind: retrieval.LookupCodeInfo,
		Code: r.PathValue("code"),
	})
	if err != nil {
		return err
	}
	if res.CodeInfo == nil {
		return notFound("HTS code not found")
	}
	writeJSON(w, http.StatusOK, res.CodeInfo)
	return nil
}

// codeDocuments lists documents linked to a code, ranked by similarity to
// q when it is given.
func (s *Server) codeDocuments(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	code := r.PathValue("code")
	subtree := q.Get("subtree") == "true"
	text := strings.TrimSpace(q.Get("q"))

	if text == "" {
		limit, err := parseLimit(q.Get("limit"), defaultListLimit, maxListLimit)
		if err != nil {
			return err
		}
		res, err := s.engine.Structured(r.Context(), retrieval.StructuredQuery{
			Kind:   retrieval.LookupDocumentsByCode,
			Code:   code,
			Prefix: subtree,
			Limit:  limit,
		})
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, nonNil(res.Documents))
		return nil
	}

	limit, err := parseLimit(q.Get("limit"), defaultSearchLimit, maxSearchLimit)
	if err != nil {
		return err
	}
	results, err := s.engine.Hybrid(r.Context(), retrieval.HybridQuery{
		Kind:  retrieval.HybridByCode,
		Text:  text,
		Limit: limit,
		Code:  code,
		Exact: !subtree,
	})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, nonNil(results))
	return nil
}

func (s *Server) document(w http.ResponseWriter, r *http.Request) error {
	res, err := s.engine.Structured(r.Context(), retrieval.StructuredQuery{
		Kind:       retrieval.LookupDocument,
		DocumentID: r.PathValue("id"),
	})
	if err != nil {
		return err
	}
	if res.Document == nil {
		return notFound("Document not found")
	}
	writeJSON(w, http.StatusOK, res.Document)
	return nil
}

// listDocuments lists documents by exactly one of code, agency or a date
// window (from/to).
func (s *Server) listDocuments(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"), defaultListLimit, maxListLimit)
	if err != nil {
		return err
	}

	query := retrieval.StructuredQuery{Limit: limit}
	selected := 0
	if code := strings.TrimSpace(q.Get("code")); code != "" {
		query.Kind = retrieval.LookupDocumentsByCode
		query.Code = code
		query.Prefix = q.Get("subtree") == "true"
		selected++
	}
	if agency := strings.TrimSpace(q.Get("agency")); agency != "" {
		query.Kind = retrieval.LookupDocumentsByAgency
		query.Agency = agency
		selected++
	}
	if from, to := q.Get("from"), q.Get("to"); from != "" || to != "" {
		query.Kind = retrieval.LookupDocumentsByDate
		query.From, query.To = from, to
		selected++
	}
	switch selected {
	case 0:
		return domain.Invalid("filter", "one of code, agency, from/to is required")
	case 1:
	default:
		return domain.Invalid("filter", "code, agency and from/to are mutually exclusive")
	}

	res, err := s.engine.Structured(r.Context(), query)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, nonNil(res.Documents))
	return nil
}

func parseLimit(raw string, def, upper int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, domain.Invalid("limit", "must be an integer, got %q", raw)
	}
	if n < 1 || n > upper {
		return 0, domain.Invalid("limit", "must be between 1 and %d, got %d", upper, n)
	}
	return n, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
