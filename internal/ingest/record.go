package ingest

import (
	"context"
	"io"
	"strings"

	"github.com/jcmvstard-prog/customs-kb/internal/store"
)

// Record is one document produced by a fetcher. A nil Text means the
// document has no body to chunk and is stored relationally only.
type Record struct {
	ID              string   `json:"document_number"`
	Title           string   `json:"title"`
	Abstract        string   `json:"abstract,omitempty"`
	Text            *string  `json:"full_text,omitempty"`
	PublishedAt     string   `json:"publication_date"`
	Type            string   `json:"type,omitempty"`
	SourceURL       string   `json:"html_url,omitempty"`
	Agencies        []string `json:"agencies,omitempty"`
	ReferencedCodes []string `json:"hts_codes,omitempty"`
	// Source names the origin; empty means the Federal Register.
	Source          string   `json:"source,omitempty"`
}

func (r *Record) source() string {
	if r.Source == "" {
		return store.SourceFederalRegister
	}
	return r.Source
}

// Body returns the text to chunk: the full text when present, else empty.
func (r *Record) Body() string {
	if r.Text == nil {
		return ""
	}
	return *r.Text
}

// Codes returns the referenced codes merged with the codes mentioned in the
// title, abstract and body, deduplicated in order. Referenced codes that are
// not well-formed code numbers are left out; see InvalidCodes.
func (r *Record) Codes() []string {
	seen := make(map[string]bool)
	var codes []string
	add := func(values []string) {
		for _, v := range values {
			v = strings.TrimSpace(v)
			if v == "" || seen[v] || store.ValidateCode(v) != nil {
				continue
			}
			seen[v] = true
			codes = append(codes, v)
		}
	}
	add(r.ReferencedCodes)
	add(store.ExtractCodes(r.Title))
	add(store.ExtractCodes(r.Abstract))
	add(store.ExtractCodes(r.Body()))
	return codes
}

// InvalidCodes returns the non-empty referenced codes that Codes drops.
func (r *Record) InvalidCodes() []string {
	var bad []string
	for _, v := range r.ReferencedCodes {
		if v = strings.TrimSpace(v); v != "" && store.ValidateCode(v) != nil {
			bad = append(bad, v)
		}
	}
	return bad
}

// RecordSource yields records one at a time. Next returns io.EOF after the
// last record.
type RecordSource interface {
	Next(ctx context.Context) (*Record, error)
}

// Sized is implemented by sources that know their length up front.
type Sized interface {
	Len() int
}

// SliceSource serves records from memory.
type SliceSource struct {
	records []Record
	pos     int
}

// NewSliceSource creates a source over records.
func NewSliceSource(records []Record) *SliceSource {
	return &SliceSource{records: records}
}

// Next implements RecordSource.
func (s *SliceSource) Next(ctx context.Context) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.records) {
		return nil, io.EOF
	}
	rec := s.records[s.pos]
	s.pos++
	return &rec, nil
}

// Len implements Sized.
func (s *SliceSource) Len() int {
	return len(s.records)
}
