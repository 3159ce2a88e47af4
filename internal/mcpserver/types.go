package mcpserver

import (
	"github.com/jcmvstard-prog/customs-kb/internal/retrieval"
	"github.com/jcmvstard-prog/customs-kb/internal/store"
)

// SearchDocumentsInput defines inputs for the search_customs_documents tool.
type SearchDocumentsInput struct {
	Query   string `json:"query" jsonschema:"search query (e.g. 'steel antidumping duties', 'textile import quotas')"`
	Limit   int    `json:"limit,omitempty" jsonschema:"maximum number of results (1-50, default 5)"`
	HTSCode string `json:"hts_code,omitempty" jsonschema:"optional HTS code filter (e.g. '8703' for motor vehicles)"`
	Agency  string `json:"agency,omitempty" jsonschema:"optional agency name or slug filter"`
}

// DocumentHit is a compact search result.
type DocumentHit struct {
	DocumentID      string  `json:"document_id"`
	Title           string  `json:"title"`
	DocumentType    string  `json:"document_type,omitempty"`
	PublicationDate string  `json:"publication_date"`
	SourceURL       string  `json:"source_url,omitempty"`
	Excerpt         string  `json:"excerpt,omitempty"`
	Score           float64 `json:"score"`
}

// SearchDocumentsOutput is the output of search_customs_documents and
// search_by_hts_code.
type SearchDocumentsOutput struct {
	Query   string        `json:"query"`
	Count   int           `json:"count"`
	Results []DocumentHit `json:"results"`
}

// SearchCodesInput defines inputs for the search_hts_codes tool.
type SearchCodesInput struct {
	Query string `json:"query" jsonschema:"product description to search (e.g. 'cheese', 'automobiles')"`
	Limit int    `json:"limit,omitempty" jsonschema:"maximum number of results (1-50, default 10)"`
}

// SearchCodesOutput is the output of search_hts_codes.
type SearchCodesOutput struct {
	Query string          `json:"query"`
	Count int             `json:"count"`
	Codes []store.HTSCode `json:"codes"`
}

// CodeDetailsInput defines inputs for the get_hts_code_details tool.
type CodeDetailsInput struct {
	HTSNumber string `json:"hts_number" jsonschema:"HTS code number (e.g. '0406.10.00' for fresh cheese)"`
}

// CodeDetailsOutput is the output of get_hts_code_details. Found is false
// when the code does not exist.
type CodeDetailsOutput struct {
	Found bool                `json:"found"`
	Info  *retrieval.CodeInfo `json:"info,omitempty"`
}

// StatusInput is empty; get_customs_kb_status takes no arguments.
type StatusInput struct{}

// StatusOutput is the output of get_customs_kb_status.
type StatusOutput struct {
	Documents        int64           `json:"documents_count"`
	HTSCodes         int64           `json:"hts_codes_count"`
	VectorPoints     int64           `json:"vector_points"`
	DatabaseSize     string          `json:"database_size"`
	RecentIngestions []IngestionInfo `json:"recent_ingestions"`
}

// IngestionInfo summarises one ingestion run.
type IngestionInfo struct {
	ID        string `json:"id"`
	Source    string `json:"source"`
	Status    string `json:"status"`
	Processed int    `json:"documents"`
	Failed    int    `json:"failed"`
	StartedAt string `json:"started_at"`
}

// SearchByCodeInput defines inputs for the search_by_hts_code tool.
type SearchByCodeInput struct {
	HTSNumber string `json:"hts_number" jsonschema:"HTS code or heading the documents must reference"`
	Query     string `json:"query" jsonschema:"search query ranked within the linked documents"`
	Limit     int    `json:"limit,omitempty" jsonschema:"maximum number of results (1-50, default 5)"`
	Subtree   bool   `json:"subtree,omitempty" jsonschema:"also match documents linked to codes under hts_number"`
}
