package store

import "time"

// Document is one ingested regulatory notice. ID is the natural key
// (the Federal Register document number) and is stable across re-ingestion.
type Document struct {
	ID              string    `json:"document_id"`
	Source          string    `json:"source"`
	DocumentType    string    `json:"document_type"`
	Title           string    `json:"title"`
	Abstract        string    `json:"abstract,omitempty"`
	FullText        *string   `json:"full_text,omitempty"`
	PublicationDate string    `json:"publication_date"` // YYYY-MM-DD
	SourceURL       string    `json:"source_url,omitempty"`
	ChunkGeneration string    `json:"chunk_generation,omitempty"`
	ChunkCount      int       `json:"chunk_count"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Agency is a publishing agency referenced by documents.
type Agency struct {
	Slug string `json:"slug" db:"slug"`
	Name string `json:"name" db:"name"`
}

// HTSCode is one line of the Harmonized Tariff Schedule. ParentNumber is
// empty for roots; the parent relation forms a tree.
type HTSCode struct {
	Number        string `json:"hts_number" db:"hts_number"`
	IndentLevel   int    `json:"indent_level" db:"indent_level"`
	Description   string `json:"description" db:"description"`
	GeneralRate   string `json:"general_rate,omitempty" db:"general_rate"`
	SpecialRate   string `json:"special_rate,omitempty" db:"special_rate"`
	OtherRate     string `json:"other_rate,omitempty" db:"other_rate"`
	Units         string `json:"units,omitempty" db:"units"`
	ParentNumber  string `json:"parent_hts_number,omitempty" db:"parent_hts_number"`
	EffectiveDate string `json:"effective_date,omitempty" db:"effective_date"`
}

// DocumentLinks are the relationship rows written with a document.
type DocumentLinks struct {
	Agencies []Agency
	HTSCodes []string
}

// IngestionRun tracks one batch execution of the ingestion coordinator.
type IngestionRun struct {
	ID               string     `json:"id"`
	Source           string     `json:"source"`
	Status           string     `json:"status"`
	RecordsProcessed int        `json:"records_processed"`
	RecordsFailed    int        `json:"records_failed"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	ErrorMessage     string     `json:"error_message,omitempty"`
}

// Run statuses. A run moves from running to exactly one terminal status.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Document sources
const (
	SourceFederalRegister = "federal_register"
	SourceHTSUS           = "htsus"
	SourceFiles           = "files"
)

// DocumentFilter selects documents by relational predicates. Empty fields
// are ignored. From and To are inclusive YYYY-MM-DD bounds.
type DocumentFilter struct {
	Source     string
	From       string
	To         string
	Agency     string // slug or case-insensitive name
	Code       string
	CodePrefix bool
	Limit      int // 0 means no limit
}
