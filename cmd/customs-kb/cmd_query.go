package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/jcmvstard-prog/customs-kb/cmd/customs-kb/internal"
	"github.com/jcmvstard-prog/customs-kb/internal/domain"
	"github.com/jcmvstard-prog/customs-kb/internal/kb"
	"github.com/jcmvstard-prog/customs-kb/internal/retrieval"
	"github.com/jcmvstard-prog/customs-kb/internal/textindex"
)

const noMatches = "No matches found."

func queryUsage() {
	fmt.Fprintf(os.Stderr, `USAGE:
    customs-kb query <subcommand> [options] <arguments>

SUBCOMMANDS:
    search "<text>"                 Semantic search over document chunks
                                    (-code, -agency, -source narrow the candidates)
    get <document id>               Show one document
    hts-lookup "<keyword>"          Find tariff codes by description
    hts-info <code>                 Show a tariff code with its hierarchy
    hts-search <code> "<text>"      Documents linked to a code, ranked by text
    date-search -from -to ["<text>"]
                                    Documents in a publication window
    agency-search <agency> ["<text>"]
                                    Documents from one agency
    keyword "<text>"                Keyword (BM25) search over titles and text

Every subcommand accepts -json; list subcommands accept -limit.
`)
}

// handleQuery implements the query subcommands
func (a *app) handleQuery(args []string) error {
	if len(args) < 1 {
		queryUsage()
		os.Exit(1)
	}
	handlers := map[string]func(context.Context, *kb.KB, []string) error{
		"search":        a.querySearch,
		"get":           a.queryGet,
		"hts-lookup":    a.queryCodeLookup,
		"hts-info":      a.queryCodeInfo,
		"hts-search":    a.queryCodeSearch,
		"date-search":   a.queryDateSearch,
		"agency-search": a.queryAgencySearch,
		"keyword":       a.queryKeyword,
	}
	if args[0] == "-h" || args[0] == "-help" || args[0] == "--help" {
		queryUsage()
		return nil
	}
	handler, ok := handlers[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown query subcommand: %s\n\n", args[0])
		queryUsage()
		os.Exit(1)
	}

	ctx, cancel := signalContext()
	defer cancel()
	k, err := a.openKB(ctx, false)
	if err != nil {
		return err
	}
	defer k.Close()
	return handler(ctx, k, args[1:])
}

// parseArgs parses flags that may appear before, between or after the
// positional arguments, and returns the positionals.
func parseArgs(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			return positional, nil
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
}

func requireArgs(fs *flag.FlagSet, got []string, lo, hi int, what string) {
	if len(got) >= lo && len(got) <= hi {
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %s\n\n", what)
	fs.Usage()
	os.Exit(1)
}

func usageFor(fs *flag.FlagSet, synopsis string) func() {
	return func() {
		fmt.Fprintf(os.Stderr, "USAGE:\n    customs-kb query %s\n\nOPTIONS:\n", synopsis)
		fs.PrintDefaults()
	}
}

func (a *app) querySearch(ctx context.Context, k *kb.KB, args []string) error {
	fs := flag.NewFlagSet("query search", flag.ExitOnError)
	limit := fs.Int("limit", 10, "Maximum results")
	threshold := fs.Float64("threshold", a.cfg.Search.ScoreThreshold, "Minimum similarity score")
	code := fs.String("code", "", "Only documents referencing this HTS code (comma-separated for several)")
	subtree := fs.Bool("subtree", false, "With -code, also match codes under it")
	agency := fs.String("agency", "", "Only documents from this agency (name or slug, comma-separated)")
	source := fs.String("source", "", "Only documents from this source (federal_register, files)")
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Usage = usageFor(fs, `search [options] "<text>"`)
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	requireArgs(fs, pos, 1, 1, "search text is required")
	text := pos[0]

	var results []retrieval.SearchResult
	if *code == "" && *agency == "" && *source == "" {
		results, err = k.Engine.Semantic(ctx, retrieval.SemanticQuery{
			Text:           text,
			Limit:          *limit,
			ScoreThreshold: *threshold,
		})
	} else {
		results, err = k.Engine.Hybrid(ctx, retrieval.HybridQuery{
			Kind:           retrieval.HybridMulti,
			Text:           text,
			Limit:          *limit,
			ScoreThreshold: *threshold,
			Multi: retrieval.MultiFilter{
				Codes:      splitList(*code),
				CodePrefix: *subtree,
				Agencies:   splitList(*agency),
				Source:     *source,
			},
		})
	}
	if err != nil {
		return err
	}
	if *jsonOutput {
		internal.PrintJSON(searchJSON(text, results))
		return nil
	}
	printResults(fmt.Sprintf("'%s'", text), results)
	return nil
}

func (a *app) queryGet(ctx context.Context, k *kb.KB, args []string) error {
	fs := flag.NewFlagSet("query get", flag.ExitOnError)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Usage = usageFor(fs, "get [options] <document id>")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	requireArgs(fs, pos, 1, 1, "document id is required")

	res, err := k.Engine.Structured(ctx, retrieval.StructuredQuery{Kind: retrieval.LookupDocument, DocumentID: pos[0]})
	if err != nil {
		return err
	}
	if res.Document == nil {
		return fmt.Errorf("document %s: %w", pos[0], domain.ErrNotFound)
	}
	doc := res.Document
	if *jsonOutput {
		internal.PrintJSON(doc)
		return nil
	}

	fmt.Println()
	fmt.Println(internal.Rule)
	fmt.Printf("Document: %s\n", doc.ID)
	fmt.Println(internal.Rule)
	fmt.Printf("\nTitle: %s\n", doc.Title)
	fmt.Printf("Type: %s\n", internal.OrNA(doc.DocumentType))
	fmt.Printf("Source: %s\n", doc.Source)
	fmt.Printf("Published: %s\n", doc.PublicationDate)
	fmt.Printf("URL: %s\n", internal.OrNA(doc.SourceURL))
	fmt.Printf("Chunks: %d\n", doc.ChunkCount)
	if len(doc.Agencies) > 0 {
		fmt.Println("\nAgencies:")
		for _, ag := range doc.Agencies {
			fmt.Printf("  - %s (%s)\n", ag.Name, ag.Slug)
		}
	}
	if len(doc.HTSCodes) > 0 {
		fmt.Printf("\nHTS Codes: %s\n", strings.Join(doc.HTSCodes, ", "))
	}
	fmt.Printf("\nAbstract:\n%s\n", internal.OrNA(doc.Abstract))
	if doc.FullText != nil {
		fmt.Printf("\nFull Text Preview:\n%s\n", internal.Truncate(*doc.FullText, 500))
	}
	return nil
}

func (a *app) queryCodeLookup(ctx context.Context, k *kb.KB, args []string) error {
	fs := flag.NewFlagSet("query hts-lookup", flag.ExitOnError)
	limit := fs.Int("limit", 20, "Maximum results")
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Usage = usageFor(fs, `hts-lookup [options] "<keyword>"`)
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	requireArgs(fs, pos, 1, 1, "search term is required")

	res, err := k.Engine.Structured(ctx, retrieval.StructuredQuery{
		Kind:    retrieval.LookupCodeSearch,
		Keyword: pos[0],
		Limit:   *limit,
	})
	if err != nil {
		return err
	}
	if *jsonOutput {
		internal.PrintJSON(map[string]any{"query": pos[0], "count": len(res.Codes), "codes": nonNil(res.Codes)})
		return nil
	}
	if len(res.Codes) == 0 {
		fmt.Println(noMatches)
		return nil
	}

	fmt.Printf("\nFound %d HTS codes matching '%s'\n\n", len(res.Codes), pos[0])
	fmt.Println(internal.Rule)
	for _, c := range res.Codes {
		fmt.Printf("\n%s: %s\n", c.Number, c.Description)
		fmt.Printf("  General Rate: %s\n", internal.OrNA(c.GeneralRate))
		fmt.Printf("  Special Rate: %s\n", internal.OrNA(c.SpecialRate))
	}
	return nil
}

func (a *app) queryCodeInfo(ctx context.Context, k *kb.KB, args []string) error {
	fs := flag.NewFlagSet("query hts-info", flag.ExitOnError)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Usage = usageFor(fs, "hts-info [options] <code>")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	requireArgs(fs, pos, 1, 1, "HTS code is required")

	res, err := k.Engine.Structured(ctx, retrieval.StructuredQuery{Kind: retrieval.LookupCodeInfo, Code: pos[0]})
	if err != nil {
		return err
	}
	if res.CodeInfo == nil {
		return fmt.Errorf("HTS code %s: %w", pos[0], domain.ErrNotFound)
	}
	info := res.CodeInfo
	if *jsonOutput {
		internal.PrintJSON(info)
		return nil
	}

	c := info.Code
	fmt.Println()
	fmt.Println(internal.Rule)
	fmt.Printf("HTS Code: %s\n", c.Number)
	fmt.Println(internal.Rule)
	fmt.Printf("Description: %s\n", c.Description)
	fmt.Printf("Indent Level: %d\n", c.IndentLevel)
	fmt.Printf("General Rate: %s\n", internal.OrNA(c.GeneralRate))
	fmt.Printf("Special Rate: %s\n", internal.OrNA(c.SpecialRate))
	if c.OtherRate != "" {
		fmt.Printf("Column 2 Rate: %s\n", c.OtherRate)
	}
	if c.Units != "" {
		fmt.Printf("Units: %s\n", c.Units)
	}
	if c.ParentNumber != "" {
		fmt.Printf("Parent: %s\n", c.ParentNumber)
	}
	if len(info.ParentChain) > 0 {
		fmt.Println("\nHierarchy:")
		for i, p := range info.ParentChain {
			fmt.Printf("  %s%s: %s\n", strings.Repeat("  ", i), p.Number, p.Description)
		}
		fmt.Printf("  %s%s: %s\n", strings.Repeat("  ", len(info.ParentChain)), c.Number, c.Description)
	}
	if len(info.Children) > 0 {
		fmt.Printf("\nSubheadings (%d):\n", len(info.Children))
		for _, ch := range info.Children {
			fmt.Printf("  - %s: %s\n", ch.Number, ch.Description)
		}
	}
	fmt.Printf("\nRelated Documents: %d\n", info.DocumentCount)
	if info.SubtreeDocumentCount != info.DocumentCount {
		fmt.Printf("Including Subheadings: %d\n", info.SubtreeDocumentCount)
	}
	return nil
}

func (a *app) queryCodeSearch(ctx context.Context, k *kb.KB, args []string) error {
	fs := flag.NewFlagSet("query hts-search", flag.ExitOnError)
	limit := fs.Int("limit", 10, "Maximum results")
	subtree := fs.Bool("subtree", true, "Also match documents linked to codes under <code>")
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Usage = usageFor(fs, `hts-search [options] <code> "<text>"`)
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	requireArgs(fs, pos, 2, 2, "HTS code and search text are required")
	code, text := pos[0], pos[1]

	results, err := k.Engine.Hybrid(ctx, retrieval.HybridQuery{
		Kind:  retrieval.HybridByCode,
		Text:  text,
		Limit: *limit,
		Code:  code,
		Exact: !*subtree,
	})
	if err != nil {
		return err
	}
	if *jsonOutput {
		internal.PrintJSON(searchJSON(text, results))
		return nil
	}

	if info, err := k.Structured.CodeInfo(ctx, code); err == nil && info != nil {
		fmt.Printf("\nHTS Code: %s\n", info.Code.Number)
		fmt.Printf("Description: %s\n", info.Code.Description)
		fmt.Printf("General Rate: %s\n", internal.OrNA(info.Code.GeneralRate))
	}
	printResults(fmt.Sprintf("HTS %s + '%s'", code, text), results)
	return nil
}

func (a *app) queryDateSearch(ctx context.Context, k *kb.KB, args []string) error {
	fs := flag.NewFlagSet("query date-search", flag.ExitOnError)
	from := fs.String("from", "", "First publication date (YYYY-MM-DD)")
	to := fs.String("to", "", "Last publication date (YYYY-MM-DD)")
	limit := fs.Int("limit", 20, "Maximum results")
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Usage = usageFor(fs, `date-search -from <date> -to <date> [options] ["<text>"]`)
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	requireArgs(fs, pos, 0, 1, "at most one search text is allowed")

	if len(pos) == 1 {
		results, err := k.Engine.Hybrid(ctx, retrieval.HybridQuery{
			Kind:  retrieval.HybridByDate,
			Text:  pos[0],
			Limit: *limit,
			From:  *from,
			To:    *to,
		})
		if err != nil {
			return err
		}
		if *jsonOutput {
			internal.PrintJSON(searchJSON(pos[0], results))
			return nil
		}
		printResults(fmt.Sprintf("'%s' published %s..%s", pos[0], *from, *to), results)
		return nil
	}

	res, err := k.Engine.Structured(ctx, retrieval.StructuredQuery{
		Kind:  retrieval.LookupDocumentsByDate,
		From:  *from,
		To:    *to,
		Limit: *limit,
	})
	if err != nil {
		return err
	}
	return printDocuments(res.Documents, *jsonOutput)
}

func (a *app) queryAgencySearch(ctx context.Context, k *kb.KB, args []string) error {
	fs := flag.NewFlagSet("query agency-search", flag.ExitOnError)
	limit := fs.Int("limit", 20, "Maximum results")
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Usage = usageFor(fs, `agency-search [options] <agency> ["<text>"]`)
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	requireArgs(fs, pos, 1, 2, "agency is required")

	if len(pos) == 2 {
		results, err := k.Engine.Hybrid(ctx, retrieval.HybridQuery{
			Kind:   retrieval.HybridByAgency,
			Text:   pos[1],
			Limit:  *limit,
			Agency: pos[0],
		})
		if err != nil {
			return err
		}
		if *jsonOutput {
			internal.PrintJSON(searchJSON(pos[1], results))
			return nil
		}
		printResults(fmt.Sprintf("'%s' from %s", pos[1], pos[0]), results)
		return nil
	}

	res, err := k.Engine.Structured(ctx, retrieval.StructuredQuery{
		Kind:   retrieval.LookupDocumentsByAgency,
		Agency: pos[0],
		Limit:  *limit,
	})
	if err != nil {
		return err
	}
	return printDocuments(res.Documents, *jsonOutput)
}

func (a *app) queryKeyword(ctx context.Context, k *kb.KB, args []string) error {
	fs := flag.NewFlagSet("query keyword", flag.ExitOnError)
	limit := fs.Int("limit", 10, "Maximum results")
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Usage = usageFor(fs, `keyword [options] "<text>"`)
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	requireArgs(fs, pos, 1, 1, "search text is required")

	hits, err := k.Keyword(ctx, pos[0], *limit)
	if err != nil {
		return err
	}
	if *jsonOutput {
		internal.PrintJSON(map[string]any{"query": pos[0], "count": len(hits), "results": nonNil(hits)})
		return nil
	}
	if len(hits) == 0 {
		fmt.Println(noMatches)
		return nil
	}
	printKeywordHits(pos[0], hits)
	return nil
}

func printKeywordHits(text string, hits []textindex.Hit) {
	fmt.Printf("\nFound %d results for: '%s'\n\n", len(hits), text)
	fmt.Println(internal.Rule)
	for i, h := range hits {
		fmt.Printf("\n%d. %s\n", i+1, h.Title)
		fmt.Printf("   Document: %s\n", h.DocumentID)
		fmt.Printf("   Score: %.4f\n", h.Score)
		fmt.Printf("   Date: %s\n", internal.OrNA(h.PublicationDate))
		fmt.Printf("   Type: %s\n", internal.OrNA(h.DocumentType))
	}
}

func printResults(what string, results []retrieval.SearchResult) {
	if len(results) == 0 {
		fmt.Println(noMatches)
		return
	}
	fmt.Printf("\nFound %d results for %s\n\n", len(results), what)
	fmt.Println(internal.Rule)
	for i, r := range results {
		fmt.Printf("\n%d. %s\n", i+1, r.Title)
		fmt.Printf("   Document: %s\n", r.DocumentID)
		fmt.Printf("   Score: %.4f\n", r.Score)
		fmt.Printf("   Date: %s\n", internal.OrNA(r.PublicationDate))
		fmt.Printf("   Type: %s\n", internal.OrNA(r.DocumentType))
		fmt.Printf("   URL: %s\n", internal.OrNA(r.SourceURL))
		fmt.Printf("   Excerpt: %s\n", internal.Truncate(r.ChunkText, 300))
		fmt.Println(strings.Repeat("-", 80))
	}
}

func printDocuments(docs []retrieval.DocumentView, jsonOutput bool) error {
	if jsonOutput {
		internal.PrintJSON(map[string]any{"count": len(docs), "documents": nonNil(docs)})
		return nil
	}
	if len(docs) == 0 {
		fmt.Println(noMatches)
		return nil
	}
	fmt.Printf("\nFound %d documents\n\n", len(docs))
	fmt.Println(internal.Rule)
	for i, d := range docs {
		fmt.Printf("\n%d. %s\n", i+1, d.Title)
		fmt.Printf("   Document: %s\n", d.ID)
		fmt.Printf("   Date: %s\n", d.PublicationDate)
		fmt.Printf("   Type: %s\n", internal.OrNA(d.DocumentType))
		if len(d.Agencies) > 0 {
			names := make([]string, len(d.Agencies))
			for j, ag := range d.Agencies {
				names[j] = ag.Name
			}
			fmt.Printf("   Agencies: %s\n", strings.Join(names, ", "))
		}
		if len(d.HTSCodes) > 0 {
			fmt.Printf("   HTS Codes: %s\n", strings.Join(d.HTSCodes, ", "))
		}
	}
	return nil
}

func searchJSON(text string, results []retrieval.SearchResult) map[string]any {
	return map[string]any{
		"query":   text,
		"count":   len(results),
		"results": nonNil(results),
	}
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

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
