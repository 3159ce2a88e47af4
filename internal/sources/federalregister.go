package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/jcmvstard-prog/customs-kb/internal/config"
	"github.com/jcmvstard-prog/customs-kb/internal/domain"
	"github.com/jcmvstard-prog/customs-kb/internal/ingest"
	"github.com/jcmvstard-prog/customs-kb/internal/store"
)

const (
	DefaultFederalRegisterURL = "https://www.federalregister.gov/api/v1"
	DefaultAgency             = "u-s-customs-and-border-protection"

	defaultPerPage    = 100
	maxPageAttempts   = 3
	defaultRetryAfter = 5 * time.Second
)

// FederalRegister pages the Federal Register documents API.
type FederalRegister struct {
	baseURL string
	agency  string
	perPage int
	client  *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger
}

// NewFederalRegister creates a client from cfg. Zero values fall back to
// the public API, the CBP agency, 100 results per page and 2 requests/s.
func NewFederalRegister(cfg config.FederalRegisterConfig, log zerolog.Logger) *FederalRegister {
	fr := &FederalRegister{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		agency:  cfg.Agency,
		perPage: cfg.PerPage,
		log:     log.With().Str("component", "federal_register").Logger(),
	}
	if fr.baseURL == "" {
		fr.baseURL = DefaultFederalRegisterURL
	}
	if fr.agency == "" {
		fr.agency = DefaultAgency
	}
	if fr.perPage <= 0 || fr.perPage > 1000 {
		fr.perPage = defaultPerPage
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 2
	}
	fr.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	fr.client = &http.Client{Timeout: timeout}
	return fr
}

type frAgency struct {
	Name    string `json:"name"`
	RawName string `json:"raw_name"`
	Slug    string `json:"slug"`
}

type frDocument struct {
	DocumentNumber  string     `json:"document_number"`
	Title           string     `json:"title"`
	Abstract        string     `json:"abstract"`
	Type            string     `json:"type"`
	PublicationDate string     `json:"publication_date"`
	HTMLURL         string     `json:"html_url"`
	Agencies        []frAgency `json:"agencies"`
}

type frPage struct {
	Count      int          `json:"count"`
	TotalPages int          `json:"total_pages"`
	Results    []frDocument `json:"results"`
}

// Documents returns a record source over the notices published between
// from and to (inclusive, YYYY-MM-DD), oldest first. Pages are fetched
// lazily as the source is drained.
func (f *FederalRegister) Documents(from, to string) (*FederalRegisterSource, error) {
	from, err := store.NormalizeDate(from)
	if err != nil {
		return nil, domain.Invalid("start", "%v", err)
	}
	to, err = store.NormalizeDate(to)
	if err != nil {
		return nil, domain.Invalid("end", "%v", err)
	}
	if from > to {
		return nil, domain.Invalid("start", "%s is after end %s", from, to)
	}
	return &FederalRegisterSource{client: f, from: from, to: to, totalPages: -1}, nil
}

func (f *FederalRegister) fetchPage(ctx context.Context, from, to string, page int) (*frPage, error) {
	params := url.Values{}
	params.Set("conditions[agencies][]", f.agency)
	params.Set("conditions[publication_date][gte]", from)
	params.Set("conditions[publication_date][lte]", to)
	params.Set("per_page", strconv.Itoa(f.perPage))
	params.Set("page", strconv.Itoa(page))
	params.Set("order", "oldest")
	endpoint := f.baseURL + "/documents.json?" + params.Encode()

	var lastErr error
	for attempt := 1; attempt <= maxPageAttempts; attempt++ {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		result, retryAfter, err := f.get(ctx, endpoint)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !domain.IsTransient(err) || attempt == maxPageAttempts {
			break
		}
		f.log.Warn().Err(err).Int("page", page).Int("attempt", attempt).Dur("retry_after", retryAfter).Msg("page fetch failed, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryAfter):
		}
	}
	return nil, lastErr
}

func (f *FederalRegister) get(ctx context.Context, endpoint string) (*frPage, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, defaultRetryAfter, domain.Transient("federal register request", err)
		}
		return nil, 0, fmt.Errorf("federal register request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("federal register returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, retryAfter(resp.Header.Get("Retry-After")), domain.Transient("federal register request", err)
		}
		return nil, 0, err
	}

	var page frPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, 0, fmt.Errorf("failed to decode federal register page: %w", err)
	}
	return &page, 0, nil
}

func retryAfter(header string) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return defaultRetryAfter
}

// FederalRegisterSource yields the notices of one date window.
type FederalRegisterSource struct {
	client     *FederalRegister
	from, to   string
	page       int
	totalPages int
	buffer     []frDocument
}

// Next implements ingest.RecordSource.
func (s *FederalRegisterSource) Next(ctx context.Context) (*ingest.Record, error) {
	for len(s.buffer) == 0 {
		if s.totalPages >= 0 && s.page >= s.totalPages {
			return nil, io.EOF
		}
		page, err := s.client.fetchPage(ctx, s.from, s.to, s.page+1)
		if err != nil {
			return nil, err
		}
		s.page++
		s.totalPages = page.TotalPages
		s.client.log.Info().Int("page", s.page).Int("total_pages", page.TotalPages).Int("documents", len(page.Results)).Msg("fetched page")
		if len(page.Results) == 0 {
			return nil, io.EOF
		}
		s.buffer = page.Results
	}
	doc := s.buffer[0]
	s.buffer = s.buffer[1:]
	return doc.record(), nil
}

func (d frDocument) record() *ingest.Record {
	rec := &ingest.Record{
		ID:          d.DocumentNumber,
		Title:       strings.TrimSpace(d.Title),
		Abstract:    StripHTML(d.Abstract),
		Text:        cleanBody(d.Abstract),
		PublishedAt: d.PublicationDate,
		Type:        d.Type,
		SourceURL:   d.HTMLURL,
		Source:      store.SourceFederalRegister,
	}
	for _, a := range d.Agencies {
		name := a.Name
		if name == "" {
			name = a.RawName
		}
		if name != "" {
			rec.Agencies = append(rec.Agencies, name)
		}
	}
	return rec
}
