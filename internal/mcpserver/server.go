// Package mcpserver exposes the knowledge base to MCP clients over stdio.
package mcpserver

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/jcmvstard-prog/customs-kb/internal/kb"
	"github.com/jcmvstard-prog/customs-kb/internal/retrieval"
	"github.com/jcmvstard-prog/customs-kb/internal/store"
)

const (
	defaultDocumentLimit = 5
	defaultCodeLimit     = 10
	maxLimit             = 50
	excerptRunes         = 200
)

// StatusReporter reports knowledge base statistics.
type StatusReporter interface {
	Status(ctx context.Context) (*kb.Status, error)
}

// Server answers MCP tool calls from a retrieval engine.
type Server struct {
	engine  retrieval.Engine
	status  StatusReporter
	version string
	log     zerolog.Logger
}

// New creates a new MCP server wrapper.
func New(engine retrieval.Engine, status StatusReporter, version string, log zerolog.Logger) *Server {
	return &Server{
		engine:  engine,
		status:  status,
		version: version,
		log:     log.With().Str("component", "mcp").Logger(),
	}
}

// Run serves MCP over stdio until ctx is cancelled or the client hangs up.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info().Str("version", s.version).Msg("MCP server starting on stdio")
	return s.build().Run(ctx, &mcp.StdioTransport{})
}

func (s *Server) build() *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "customs-kb",
		Title:   "US Customs Knowledge Base",
		Version: s.version,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name: "search_customs_documents",
		Description: `Search US Federal Register documents for customs and trade regulations.
Returns relevant CBP rulings, notices and rules ranked by semantic similarity.

Filters:
- hts_code: only documents referencing this HTS code
- agency: only documents published by this agency`,
	}, s.searchDocumentsTool)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "search_hts_codes",
		Description: "Search Harmonized Tariff Schedule (HTS) codes by product description. Returns tariff codes with duty rates.",
	}, s.searchCodesTool)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_hts_code_details",
		Description: "Get detailed information about a specific HTS tariff code including duty rates, its parent headings, its subheadings and how many documents reference it.",
	}, s.codeDetailsTool)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_customs_kb_status",
		Description: "Get statistics about the customs knowledge base including document counts and recent ingestions.",
	}, s.statusTool)

	mcp.AddTool(server, &mcp.Tool{
		Name: "search_by_hts_code",
		Description: `Search documents that reference an HTS code, ranked by similarity to a query.

Set subtree to include documents linked to any code under hts_number
(e.g. '7208' matches documents citing '7208.10.00').`,
	}, s.searchByCodeTool)

	return server
}

func (s *Server) searchDocumentsTool(ctx context.Context, _ *mcp.CallToolRequest, input SearchDocumentsInput) (*mcp.CallToolResult, SearchDocumentsOutput, error) {
	if strings.TrimSpace(input.Query) == "" {
		return nil, SearchDocumentsOutput{}, fmt.Errorf("query is required")
	}
	limit, err := pickLimit(input.Limit, defaultDocumentLimit)
	if err != nil {
		return nil, SearchDocumentsOutput{}, err
	}

	var results []retrieval.SearchResult
	if input.HTSCode == "" && input.Agency == "" {
		results, err = s.engine.Semantic(ctx, retrieval.SemanticQuery{Text: input.Query, Limit: limit})
	} else {
		filter := retrieval.MultiFilter{}
		if input.HTSCode != "" {
			filter.Codes = []string{input.HTSCode}
		}
		if input.Agency != "" {
			filter.Agencies = []string{input.Agency}
		}
		results, err = s.engine.Hybrid(ctx, retrieval.HybridQuery{
			Kind:  retrieval.HybridMulti,
			Text:  input.Query,
			Limit: limit,
			Multi: filter,
		})
	}
	if err != nil {
		return nil, SearchDocumentsOutput{}, err
	}

	output := toDocumentsOutput(input.Query, results)
	return textResult(formatDocuments(output)), output, nil
}

func (s *Server) searchByCodeTool(ctx context.Context, _ *mcp.CallToolRequest, input SearchByCodeInput) (*mcp.CallToolResult, SearchDocumentsOutput, error) {
	if strings.TrimSpace(input.HTSNumber) == "" {
		return nil, SearchDocumentsOutput{}, fmt.Errorf("hts_number is required")
	}
	if strings.TrimSpace(input.Query) == "" {
		return nil, SearchDocumentsOutput{}, fmt.Errorf("query is required")
	}
	limit, err := pickLimit(input.Limit, defaultDocumentLimit)
	if err != nil {
		return nil, SearchDocumentsOutput{}, err
	}

	results, err := s.engine.Hybrid(ctx, retrieval.HybridQuery{
		Kind:  retrieval.HybridByCode,
		Text:  input.Query,
		Limit: limit,
		Code:  input.HTSNumber,
		Exact: !input.Subtree,
	})
	if err != nil {
		return nil, SearchDocumentsOutput{}, err
	}

	output := toDocumentsOutput(input.Query, results)
	return textResult(formatDocuments(output)), output, nil
}

func (s *Server) searchCodesTool(ctx context.Context, _ *mcp.CallToolRequest, input SearchCodesInput) (*mcp.CallToolResult, SearchCodesOutput, error) {
	if strings.TrimSpace(input.Query) == "" {
		return nil, SearchCodesOutput{}, fmt.Errorf("query is required")
	}
	limit, err := pickLimit(input.Limit, defaultCodeLimit)
	if err != nil {
		return nil, SearchCodesOutput{}, err
	}

	res, err := s.engine.Structured(ctx, retrieval.StructuredQuery{
		Kind:    retrieval.LookupCodeSearch,
		Keyword: input.Query,
		Limit:   limit,
	})
	if err != nil {
		return nil, SearchCodesOutput{}, err
	}

	output := SearchCodesOutput{Query: input.Query, Count: len(res.Codes), Codes: res.Codes}
	if output.Codes == nil {
		output.Codes = []store.HTSCode{}
	}
	if output.Count == 0 {
		return textResult("No HTS codes found matching your query."), output, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d HTS tariff codes:\n\n", output.Count)
	for i, code := range output.Codes {
		fmt.Fprintf(&b, "%d. **HTS %s**: %s\n", i+1, code.Number, code.Description)
		if code.GeneralRate != "" {
			fmt.Fprintf(&b, "   - General Duty Rate: %s\n", code.GeneralRate)
		}
		if code.SpecialRate != "" {
			fmt.Fprintf(&b, "   - Special Duty Rate: %s\n", code.SpecialRate)
		}
		b.WriteString("\n")
	}
	return textResult(b.String()), output, nil
}

func (s *Server) codeDetailsTool(ctx context.Context, _ *mcp.CallToolRequest, input CodeDetailsInput) (*mcp.CallToolResult, CodeDetailsOutput, error) {
	if strings.TrimSpace(input.HTSNumber) == "" {
		return nil, CodeDetailsOutput{}, fmt.Errorf("hts_number is required")
	}

	res, err := s.engine.Structured(ctx, retrieval.StructuredQuery{
		Kind: retrieval.LookupCodeInfo,
		Code: input.HTSNumber,
	})
	if err != nil {
		return nil, CodeDetailsOutput{}, err
	}
	if res.CodeInfo == nil {
		return textResult(fmt.Sprintf("HTS code %s not found.", input.HTSNumber)), CodeDetailsOutput{}, nil
	}

	info := res.CodeInfo
	code := info.Code
	var b strings.Builder
	fmt.Fprintf(&b, "**HTS Code: %s**\n\n", code.Number)
	fmt.Fprintf(&b, "Description: %s\n\n", code.Description)
	if code.GeneralRate != "" {
		fmt.Fprintf(&b, "General Duty Rate: %s\n", code.GeneralRate)
	}
	if code.SpecialRate != "" {
		fmt.Fprintf(&b, "Special Duty Rate: %s\n", code.SpecialRate)
	}
	if code.OtherRate != "" {
		fmt.Fprintf(&b, "Column 2 Rate: %s\n", code.OtherRate)
	}
	if code.Units != "" {
		fmt.Fprintf(&b, "Units: %s\n", code.Units)
	}
	fmt.Fprintf(&b, "Indent Level: %d\n", code.IndentLevel)
	if code.ParentNumber != "" {
		fmt.Fprintf(&b, "Parent Code: %s\n", code.ParentNumber)
	}
	if len(info.ParentChain) > 0 {
		path := make([]string, len(info.ParentChain))
		for i, p := range info.ParentChain {
			path[i] = p.Number
		}
		fmt.Fprintf(&b, "Hierarchy: %s > %s\n", strings.Join(path, " > "), code.Number)
	}
	if len(info.Children) > 0 {
		fmt.Fprintf(&b, "Subheadings: %d\n", len(info.Children))
	}
	fmt.Fprintf(&b, "Related Documents: %d (%d including subheadings)\n", info.DocumentCount, info.SubtreeDocumentCount)

	return textResult(b.String()), CodeDetailsOutput{Found: true, Info: info}, nil
}

func (s *Server) statusTool(ctx context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, StatusOutput, error) {
	st, err := s.status.Status(ctx)
	if err != nil {
		return nil, StatusOutput{}, err
	}

	output := StatusOutput{
		Documents:        st.Documents,
		HTSCodes:         st.HTSCodes,
		VectorPoints:     st.VectorPoints,
		DatabaseSize:     humanize.Bytes(uint64(max(st.DatabaseBytes, 0))),
		RecentIngestions: make([]IngestionInfo, 0, len(st.RecentIngestions)),
	}
	for _, run := range st.RecentIngestions {
		output.RecentIngestions = append(output.RecentIngestions, IngestionInfo{
			ID:        run.ID,
			Source:    run.Source,
			Status:    run.Status,
			Processed: run.RecordsProcessed,
			Failed:    run.RecordsFailed,
			StartedAt: run.StartedAt.UTC().Format(time.RFC3339),
		})
	}

	var b strings.Builder
	b.WriteString("**US Customs Knowledge Base Status**\n\n")
	fmt.Fprintf(&b, "- Federal Register Documents: %s\n", humanize.Comma(output.Documents))
	fmt.Fprintf(&b, "- HTS Tariff Codes: %s\n", humanize.Comma(output.HTSCodes))
	fmt.Fprintf(&b, "- Vector Embeddings: %s\n", humanize.Comma(output.VectorPoints))
	fmt.Fprintf(&b, "- Database Size: %s\n\n", output.DatabaseSize)
	b.WriteString("Recent Ingestions:\n")
	if len(output.RecentIngestions) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, run := range output.RecentIngestions[:min(3, len(output.RecentIngestions))] {
		fmt.Fprintf(&b, "  - %s: %d items (%s)\n", run.Source, run.Processed, run.Status)
	}
	return textResult(b.String()), output, nil
}

func toDocumentsOutput(query string, results []retrieval.SearchResult) SearchDocumentsOutput {
	output := SearchDocumentsOutput{
		Query:   query,
		Count:   len(results),
		Results: make([]DocumentHit, 0, len(results)),
	}
	for _, r := range results {
		output.Results = append(output.Results, DocumentHit{
			DocumentID:      r.DocumentID,
			Title:           r.Title,
			DocumentType:    r.DocumentType,
			PublicationDate: r.PublicationDate,
			SourceURL:       r.SourceURL,
			Excerpt:         excerpt(r.ChunkText),
			Score:           r.Score,
		})
	}
	return output
}

func formatDocuments(output SearchDocumentsOutput) string {
	if output.Count == 0 {
		return "No documents found matching your query."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d relevant customs documents:\n\n", output.Count)
	for i, doc := range output.Results {
		fmt.Fprintf(&b, "%d. **%s**\n", i+1, doc.Title)
		fmt.Fprintf(&b, "   - Document Number: %s\n", doc.DocumentID)
		fmt.Fprintf(&b, "   - Type: %s\n", orNA(doc.DocumentType))
		fmt.Fprintf(&b, "   - Date: %s\n", orNA(doc.PublicationDate))
		fmt.Fprintf(&b, "   - Relevance Score: %.3f\n", doc.Score)
		if doc.Excerpt != "" {
			fmt.Fprintf(&b, "   - Excerpt: %s\n", doc.Excerpt)
		}
		if doc.SourceURL != "" {
			fmt.Fprintf(&b, "   - URL: %s\n", doc.SourceURL)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

func pickLimit(input int, fallback int) (int, error) {
	if input == 0 {
		return fallback, nil
	}
	if input < 1 || input > maxLimit {
		return 0, fmt.Errorf("limit must be between 1 and %d, got %d", maxLimit, input)
	}
	return input, nil
}

func excerpt(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= excerptRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:excerptRunes]) + "..."
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}
