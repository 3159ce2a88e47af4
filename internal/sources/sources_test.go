package sources

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmvstard-prog/customs-kb/internal/config"
	"github.com/jcmvstard-prog/customs-kb/internal/domain"
	"github.com/jcmvstard-prog/customs-kb/internal/ingest"
	"github.com/jcmvstard-prog/customs-kb/internal/store"
)

func TestStripHTML(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"plain", "  duty   on steel ", "duty on steel"},
		{"tags", "<p>Steel <b>coils</b></p><p>7208.10.00</p>", "Steel coils 7208.10.00"},
		{"entities", "Fish &amp; chips", "Fish & chips"},
		{"script dropped", "<script>var x = 1;</script>Notice", "Notice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripHTML(tt.in))
		})
	}
}

func TestNormalizeText(t *testing.T) {
	assert.Equal(t, "", NormalizeText(""))
	assert.Equal(t, "Rate 25 on 7208.10.00 (coils).", NormalizeText("Rate\t25%  on 7208.10.00 (coils).\n"))
	assert.Equal(t, "Zollsätze: Käse", NormalizeText("Zollsätze: Käse"))
	assert.Nil(t, cleanBody("<p> </p>"))
}

const htsCSV = "\ufeffHTS Number,Indent,Description,Unit of Quantity,General Rate of Duty,Special Rate of Duty,Column 2 Rate of Duty\n" +
	"0406,0,Cheese and curd:,,,,\n" +
	"0406.10,1,Fresh cheese:,,,,\n" +
	"0406.10.04,2,Chongos,kg,10%,Free (A+),20%\n" +
	",2,Other:,,,,\n" +
	"0406.30,1,Processed cheese:,,,,\n" +
	"0406.30.00.10,3,Blended,kg,10%,,35%\n" +
	"7208,0,Flat-rolled products:,,,,\n" +
	"7208.10.00,1,In coils,kg,Free,,\n" +
	"bogus,1,Not a code,,,,\n" +
	"0406.10,1,Duplicate,,,,\n"

func TestParseHTSCSV(t *testing.T) {
	codes, err := ParseHTSCSV(strings.NewReader(htsCSV))
	require.NoError(t, err)

	parents := make(map[string]string)
	var numbers []string
	for _, c := range codes {
		numbers = append(numbers, c.Number)
		parents[c.Number] = c.ParentNumber
	}
	assert.Equal(t, []string{"0406", "0406.10", "0406.10.04", "0406.30", "0406.30.00.10", "7208", "7208.10.00"}, numbers)
	assert.Equal(t, "", parents["0406"])
	assert.Equal(t, "0406", parents["0406.10"])
	assert.Equal(t, "0406.10", parents["0406.10.04"])
	assert.Equal(t, "0406", parents["0406.30"])
	// indent 3 with no level-2 ancestor attaches to the nearest shallower code
	assert.Equal(t, "0406.30", parents["0406.30.00.10"])
	assert.Equal(t, "7208", parents["7208.10.00"])

	chongos := codes[2]
	assert.Equal(t, 2, chongos.IndentLevel)
	assert.Equal(t, "Chongos", chongos.Description)
	assert.Equal(t, "kg", chongos.Units)
	assert.Equal(t, "10%", chongos.GeneralRate)
	assert.Equal(t, "Free (A+)", chongos.SpecialRate)
	assert.Equal(t, "20%", chongos.OtherRate)
}

func TestParseHTSCSVRequiresNumberColumn(t *testing.T) {
	_, err := ParseHTSCSV(strings.NewReader("Code,Description\n0406,Cheese\n"))
	assert.True(t, domain.IsValidation(err))
}

func TestHTSUSFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/down" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, htsCSV)
	}))
	defer srv.Close()

	h := NewHTSUS(zerolog.Nop())
	codes, err := h.Fetch(context.Background(), srv.URL+"/hts.csv")
	require.NoError(t, err)
	assert.Len(t, codes, 7)

	_, err = h.Fetch(context.Background(), srv.URL+"/down")
	assert.True(t, domain.IsTransient(err))

	path := filepath.Join(t.TempDir(), "hts.csv")
	require.NoError(t, os.WriteFile(path, []byte(htsCSV), 0o644))
	codes, err = h.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, codes, 7)
}

func frServer(t *testing.T, pages [][]frDocument, failFirst bool) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if failFirst && n == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		q := r.URL.Query()
		assert.Equal(t, "/api/v1/documents.json", r.URL.Path)
		assert.Equal(t, DefaultAgency, q.Get("conditions[agencies][]"))
		assert.Equal(t, "2024-03-01", q.Get("conditions[publication_date][gte]"))
		assert.Equal(t, "2024-03-31", q.Get("conditions[publication_date][lte]"))
		assert.Equal(t, "oldest", q.Get("order"))
		assert.Equal(t, "100", q.Get("per_page"))

		page, err := strconv.Atoi(q.Get("page"))
		assert.NoError(t, err)
		resp := frPage{TotalPages: len(pages)}
		if page >= 1 && page <= len(pages) {
			resp.Results = pages[page-1]
		}
		w.Header().Set("Content-Type", "application/json")
		assert.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newTestFederalRegister(url string) *FederalRegister {
	return NewFederalRegister(config.FederalRegisterConfig{
		BaseURL:           url + "/api/v1",
		RequestsPerSecond: 1000,
	}, zerolog.Nop())
}

func drain(t *testing.T, src ingest.RecordSource) ([]*ingest.Record, error) {
	t.Helper()
	var out []*ingest.Record
	for {
		rec, err := src.Next(context.Background())
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}

func TestFederalRegisterPages(t *testing.T) {
	pages := [][]frDocument{
		{
			{
				DocumentNumber:  "2024-04713",
				Title:           " Hot-Rolled Steel ",
				Abstract:        "<p>Duties on goods under 7208.10.00.</p>",
				Type:            "Notice",
				PublicationDate: "2024-03-05",
				HTMLURL:         "https://www.federalregister.gov/d/2024-04713",
				Agencies:        []frAgency{{Name: "U.S. Customs and Border Protection", Slug: "u-s-customs-and-border-protection"}},
			},
			{DocumentNumber: "2024-04800", Title: "No abstract", PublicationDate: "2024-03-06"},
		},
		{
			{DocumentNumber: "2024-05000", Title: "Later", PublicationDate: "2024-03-20", Agencies: []frAgency{{RawName: "TREASURY"}}},
		},
	}
	srv, calls := frServer(t, pages, false)

	src, err := newTestFederalRegister(srv.URL).Documents("2024-03-01", "2024-03-31")
	require.NoError(t, err)
	records, err := drain(t, src)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, int32(2), calls.Load())

	first := records[0]
	assert.Equal(t, "2024-04713", first.ID)
	assert.Equal(t, "Hot-Rolled Steel", first.Title)
	require.NotNil(t, first.Text)
	assert.Equal(t, "Duties on goods under 7208.10.00.", *first.Text)
	assert.Equal(t, []string{"U.S. Customs and Border Protection"}, first.Agencies)
	assert.Equal(t, store.SourceFederalRegister, first.Source)
	assert.Equal(t, []string{"7208.10.00"}, first.Codes())

	assert.Nil(t, records[1].Text)
	assert.Equal(t, []string{"TREASURY"}, records[2].Agencies)
}

func TestFederalRegisterRetriesTransientPage(t *testing.T) {
	srv, calls := frServer(t, [][]frDocument{{{DocumentNumber: "2024-04713", PublicationDate: "2024-03-05"}}}, true)

	src, err := newTestFederalRegister(srv.URL).Documents("2024-03-01", "2024-03-31")
	require.NoError(t, err)
	records, err := drain(t, src)
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFederalRegisterClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad conditions", http.StatusBadRequest)
	}))
	defer srv.Close()

	src, err := newTestFederalRegister(srv.URL).Documents("2024-03-01", "2024-03-31")
	require.NoError(t, err)
	_, err = src.Next(context.Background())
	require.Error(t, err)
	assert.False(t, domain.IsTransient(err))
	assert.Contains(t, err.Error(), "400")
}

func TestFederalRegisterDateValidation(t *testing.T) {
	fr := newTestFederalRegister("http://unused")
	_, err := fr.Documents("2024-04-01", "2024-03-01")
	assert.True(t, domain.IsValidation(err))
	_, err = fr.Documents("yesterday", "2024-03-01")
	assert.True(t, domain.IsValidation(err))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestJSONFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a", "one.json"), `{"document_number":"A-1","title":"One","full_text":"<p>Steel 7208.10.00</p>","publication_date":"2024-01-02"}`)
	writeFile(t, filepath.Join(dir, "a", "b", "many.json"), `[{"document_number":"B-1","publication_date":"2024-01-03"},{"document_number":"B-2","publication_date":"2024-01-04","source":"custom"}]`)
	writeFile(t, filepath.Join(dir, "lines.jsonl"), "{\"document_number\":\"L-1\",\"publication_date\":\"2024-01-05\"}\n\n{\"document_number\":\"L-2\",\"publication_date\":\"2024-01-06\"}\n")
	writeFile(t, filepath.Join(dir, ".hidden", "skip.json"), `{"document_number":"H-1"}`)
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")

	files, err := Glob(filepath.Join(dir, "**", "*.json*"))
	require.NoError(t, err)
	require.Len(t, files, 3)

	records, err := drain(t, NewJSONFiles(files, zerolog.Nop()))
	require.NoError(t, err)
	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	assert.ElementsMatch(t, []string{"A-1", "B-1", "B-2", "L-1", "L-2"}, ids)

	for _, r := range records {
		switch r.ID {
		case "A-1":
			require.NotNil(t, r.Text)
			assert.Equal(t, "Steel 7208.10.00", *r.Text)
			assert.Equal(t, store.SourceFiles, r.Source)
		case "B-2":
			assert.Equal(t, "custom", r.Source)
		}
	}
}

func TestJSONFilesParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.jsonl")
	writeFile(t, path, "{\"document_number\":\"ok\"}\n{not json}\n")

	_, err := drain(t, NewJSONFiles([]string{path}, zerolog.Nop()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.jsonl:2")
}

func TestGlobRejectsBadPattern(t *testing.T) {
	_, err := Glob("data/[.json")
	assert.Error(t, err)
}

func TestHandleEvent(t *testing.T) {
	dir := t.TempDir()
	pattern := filepath.Join(dir, "**", "*.json")
	file := filepath.Join(dir, "new.json")
	writeFile(t, file, "{}")
	hidden := filepath.Join(dir, ".tmp.json")
	writeFile(t, hidden, "{}")
	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(sub, 0o755))

	watcher, err := fsnotify.NewWatcher()
	require.NoError(t, err)
	defer watcher.Close()

	tests := []struct {
		name  string
		event fsnotify.Event
		want  bool
	}{
		{"create file", fsnotify.Event{Name: file, Op: fsnotify.Create}, true},
		{"write file", fsnotify.Event{Name: file, Op: fsnotify.Write}, true},
		{"chmod ignored", fsnotify.Event{Name: file, Op: fsnotify.Chmod}, false},
		{"remove ignored", fsnotify.Event{Name: file, Op: fsnotify.Remove}, false},
		{"hidden ignored", fsnotify.Event{Name: hidden, Op: fsnotify.Create}, false},
		{"directory ignored", fsnotify.Event{Name: sub, Op: fsnotify.Create}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, ok := handleEvent(watcher, tt.event, pattern)
			assert.Equal(t, tt.want, ok)
			if tt.want {
				assert.Equal(t, file, path)
			}
		})
	}
	assert.Contains(t, watcher.WatchList(), sub)
}
