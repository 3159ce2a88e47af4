package sources

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jcmvstard-prog/customs-kb/internal/domain"
	"github.com/jcmvstard-prog/customs-kb/internal/store"
)

// DefaultHTSUSURL is the USITC basic edition export.
const DefaultHTSUSURL = "https://www.usitc.gov/sites/default/files/tata/hts/hts_2025_basic_edition_csv.csv"

// HTSUS loads the Harmonized Tariff Schedule from the USITC CSV export.
type HTSUS struct {
	client *http.Client
	log    zerolog.Logger
}

// NewHTSUS creates an HTSUS loader.
func NewHTSUS(log zerolog.Logger) *HTSUS {
	return &HTSUS{
		client: &http.Client{Timeout: 2 * time.Minute},
		log:    log.With().Str("component", "htsus").Logger(),
	}
}

// Fetch downloads and parses the CSV at rawURL.
func (h *HTSUS) Fetch(ctx context.Context, rawURL string) ([]*store.HTSCode, error) {
	if rawURL == "" {
		rawURL = DefaultHTSUSURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	h.log.Info().Str("url", rawURL).Msg("downloading tariff schedule")

	resp, err := h.client.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) {
			return nil, domain.Transient("download htsus", err)
		}
		return nil, fmt.Errorf("failed to download %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("download %s returned %d", rawURL, resp.StatusCode)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, domain.Transient("download htsus", err)
		}
		return nil, err
	}
	return h.parse(resp.Body)
}

// ReadFile parses a CSV export on disk.
func (h *HTSUS) ReadFile(path string) ([]*store.HTSCode, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return h.parse(f)
}

func (h *HTSUS) parse(r io.Reader) ([]*store.HTSCode, error) {
	codes, err := ParseHTSCSV(r)
	if err != nil {
		return nil, err
	}
	h.log.Info().Int("codes", len(codes)).Msg("parsed tariff schedule")
	return codes, nil
}

// ParseHTSCSV reads USITC CSV rows in file order. Rows without an HTS
// number (headings) are skipped. Each code's parent is the nearest
// preceding code with a smaller indent level.
func ParseHTSCSV(r io.Reader) ([]*store.HTSCode, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[normalizeHeader(name)] = i
	}
	if _, ok := columns["hts_number"]; !ok {
		return nil, domain.Invalid("csv", "missing hts_number column")
	}
	field := func(row []string, name string) string {
		i, ok := columns[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var codes []*store.HTSCode
	seen := make(map[string]bool)
	parents := make(map[int]string)
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv line %d: %w", line, err)
		}

		number := field(row, "hts_number")
		if number == "" || seen[number] {
			continue
		}
		if err := store.ValidateCode(number); err != nil {
			continue
		}
		seen[number] = true

		indent, err := strconv.Atoi(field(row, "indent"))
		if err != nil || indent < 0 {
			indent = 0
		}

		code := &store.HTSCode{
			Number:      number,
			IndentLevel: indent,
			Description: field(row, "description"),
			GeneralRate: field(row, "general_rate_of_duty"),
			SpecialRate: field(row, "special_rate_of_duty"),
			OtherRate:   field(row, "column_2_rate_of_duty"),
			Units:       field(row, "unit_of_quantity"),
		}
		for level := indent - 1; level >= 0; level-- {
			if p, ok := parents[level]; ok {
				code.ParentNumber = p
				break
			}
		}
		parents[indent] = number
		for level := range parents {
			if level > indent {
				delete(parents, level)
			}
		}
		codes = append(codes, code)
	}
	return codes, nil
}

// normalizeHeader maps "General Rate of Duty" to "general_rate_of_duty".
func normalizeHeader(name string) string {
	name = strings.TrimPrefix(name, "\ufeff")
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.Join(strings.Fields(name), "_")
}
