package internal

import (
	"fmt"
	"os"
)

const Version = "0.3.0"

// PrintUsage writes the top-level help to stderr.
func PrintUsage() {
	fmt.Fprintf(os.Stderr, `customs-kb - US Customs Knowledge Base

Version: %s

USAGE:
    customs-kb [global options] <command> [subcommand] [options]

GLOBAL OPTIONS:
    -config <path>
        Path to config file (default: ~/.customs-kb/config/customs-kb.yaml)

    -env <path>
        .env file with environment overrides (default: ./.env)

    -v, -version
        Show version information

    -h, -help
        Show this help message

COMMANDS:
    init
        Write a default config file

    ingest federal-register | htsus | files | reindex | status
        Load documents and tariff codes into the knowledge base

    query search | get | hts-lookup | hts-info | hts-search |
          date-search | agency-search | keyword
        Query the knowledge base

    serve
        Run the REST API

    mcp
        Run MCP stdio server (tools: search_customs_documents, search_hts_codes,
        get_hts_code_details, get_customs_kb_status, search_by_hts_code)

EXAMPLES:
    # Load the tariff schedule, then the last 30 days of CBP notices
    customs-kb ingest htsus -file hts_2025.csv
    customs-kb ingest federal-register

    # Semantic search
    customs-kb query search "cheese import rules from France" -limit 5

    # Documents referencing a code, ranked by a query
    customs-kb query hts-search 0406.30 "processed cheese requirements"

    # REST API on :8000
    customs-kb serve
`, Version)
}

// PrintConfigExample writes a sample configuration to stderr.
func PrintConfigExample() {
	fmt.Fprint(os.Stderr, `Create a configuration file at ~/.customs-kb/config/customs-kb.yaml
(or run "customs-kb init"):

database:
  path: ~/.customs-kb/data/customs-kb.db

# "hash" runs offline; "openai" calls an OpenAI-compatible endpoint
embedding:
  provider: hash
  dimensions: 384

# "local" (SQLite), "qdrant" or "memory"
vector:
  backend: local
  # qdrant_url: http://localhost:6333
  # collection: cbp_documents

chunking:
  max_tokens: 512
  overlap: 50

Environment variables (also read from .env):
  OPENAI_API_KEY, QDRANT_URL, QDRANT_API_KEY, CUSTOMSKB_VECTOR_BACKEND, ...
`)
}
