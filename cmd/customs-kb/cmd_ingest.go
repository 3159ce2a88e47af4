package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/jcmvstard-prog/customs-kb/cmd/customs-kb/internal"
	"github.com/jcmvstard-prog/customs-kb/internal/ingest"
	"github.com/jcmvstard-prog/customs-kb/internal/kb"
	"github.com/jcmvstard-prog/customs-kb/internal/sources"
	"github.com/jcmvstard-prog/customs-kb/internal/store"
)

func ingestUsage() {
	fmt.Fprintf(os.Stderr, `USAGE:
    customs-kb ingest <subcommand> [options]

SUBCOMMANDS:
    federal-register [-start YYYY-MM-DD] [-end YYYY-MM-DD]
        Fetch CBP documents from the Federal Register API

    htsus [-url <csv url> | -file <csv path>]
        Load the Harmonized Tariff Schedule

    files [-watch] "<glob>"
        Load records from JSON/JSONL files (e.g. "data/**/*.json")

    reindex
        Rebuild the keyword index from the database

    status [-json]
        Show counts and recent ingestion runs
`)
}

// handleIngest implements the ingest subcommands
func (a *app) handleIngest(args []string) error {
	if len(args) < 1 {
		ingestUsage()
		os.Exit(1)
	}
	switch args[0] {
	case "federal-register":
		return a.ingestFederalRegister(args[1:])
	case "htsus":
		return a.ingestHTSUS(args[1:])
	case "files":
		return a.ingestFiles(args[1:])
	case "reindex":
		return a.ingestReindex(args[1:])
	case "status":
		return a.ingestStatus(args[1:])
	case "-h", "-help", "--help":
		ingestUsage()
		return nil
	default:
		fmt.Fprintf(os.Stderr, "Unknown ingest subcommand: %s\n\n", args[0])
		ingestUsage()
		os.Exit(1)
	}
	return nil
}

func (a *app) ingestFederalRegister(args []string) error {
	fs := flag.NewFlagSet("ingest federal-register", flag.ExitOnError)
	end := time.Now().UTC()
	start := end.AddDate(0, 0, -a.cfg.Sources.FederalRegister.LookbackDays)
	startDate := fs.String("start", start.Format(time.DateOnly), "Start date (YYYY-MM-DD)")
	endDate := fs.String("end", end.Format(time.DateOnly), "End date (YYYY-MM-DD)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `USAGE:
    customs-kb ingest federal-register [options]

DESCRIPTION:
    Fetch documents published by the configured agency between -start and
    -end, chunk and embed them, and store them in both indexes.
    Defaults to the last %d days.

OPTIONS:
`, a.cfg.Sources.FederalRegister.LookbackDays)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	fr := sources.NewFederalRegister(a.cfg.Sources.FederalRegister, a.log)
	src, err := fr.Documents(*startDate, *endDate)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	k, err := a.openKB(ctx, true)
	if err != nil {
		return err
	}
	defer k.Close()

	fmt.Printf("Ingesting Federal Register documents from %s to %s\n", *startDate, *endDate)
	started := time.Now()
	run, err := k.Coordinator.Run(ctx, store.SourceFederalRegister, src)
	printRun(run, "Documents", time.Since(started))
	return err
}

func (a *app) ingestHTSUS(args []string) error {
	fs := flag.NewFlagSet("ingest htsus", flag.ExitOnError)
	url := fs.String("url", "", "URL of the HTS CSV export (default: config sources.htsus.url)")
	file := fs.String("file", "", "Local HTS CSV file")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `USAGE:
    customs-kb ingest htsus [-url <url> | -file <path>]

DESCRIPTION:
    Load tariff codes from the USITC CSV export. Parents are derived from
    indent levels; rows are written in file order.

OPTIONS:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *url != "" && *file != "" {
		return errors.New("-url and -file are mutually exclusive")
	}

	ctx, cancel := signalContext()
	defer cancel()

	h := sources.NewHTSUS(a.log)
	var codes []*store.HTSCode
	var err error
	if *file != "" {
		fmt.Printf("Reading HTSUS tariff data from %s\n", *file)
		codes, err = h.ReadFile(*file)
	} else {
		src := *url
		if src == "" {
			src = a.cfg.Sources.HTSUS.URL
		}
		if src == "" {
			src = sources.DefaultHTSUSURL
		}
		fmt.Printf("Downloading HTSUS tariff data from %s\n", src)
		codes, err = h.Fetch(ctx, src)
	}
	if err != nil {
		return err
	}

	k, err := a.openKB(ctx, true)
	if err != nil {
		return err
	}
	defer k.Close()

	started := time.Now()
	run, err := k.Coordinator.IngestCodes(ctx, store.SourceHTSUS, codes)
	printRun(run, "HTS codes", time.Since(started))
	return err
}

func (a *app) ingestFiles(args []string) error {
	fs := flag.NewFlagSet("ingest files", flag.ExitOnError)
	watch := fs.Bool("watch", false, "Keep running and ingest files as they are created or changed")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `USAGE:
    customs-kb ingest files [options] "<glob>"

DESCRIPTION:
    Load records from .json (object or array) and .jsonl files matching a
    doublestar glob. Quote the glob so the shell does not expand it.

OPTIONS:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
EXAMPLES:
    customs-kb ingest files "data/**/*.jsonl"
    customs-kb ingest files -watch "inbox/*.json"
`)
	}
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	requireArgs(fs, pos, 1, 1, "exactly one glob is required")
	pattern := pos[0]

	paths, err := sources.Glob(pattern)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	k, err := a.openKB(ctx, !*watch)
	if err != nil {
		return err
	}
	defer k.Close()

	if len(paths) == 0 {
		fmt.Printf("No files match %s\n", pattern)
	} else {
		fmt.Printf("Ingesting %d file(s) matching %s\n", len(paths), pattern)
		started := time.Now()
		run, err := k.Coordinator.Run(ctx, store.SourceFiles, sources.NewJSONFiles(paths, a.log))
		printRun(run, "Records", time.Since(started))
		if err != nil {
			return err
		}
	}
	if !*watch {
		return nil
	}

	err = sources.Watch(ctx, pattern, func(path string) error {
		return ingestFile(ctx, k, path)
	}, a.log)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func ingestFile(ctx context.Context, k *kb.KB, path string) error {
	records, err := sources.ReadRecordFile(path)
	if err != nil {
		return err
	}
	run, err := k.Coordinator.Run(ctx, store.SourceFiles, ingest.NewSliceSource(records))
	if run != nil {
		fmt.Printf("%s: %d processed, %d failed (%s)\n", path, run.RecordsProcessed, run.RecordsFailed, run.Status)
	}
	return err
}

func (a *app) ingestReindex(args []string) error {
	fs := flag.NewFlagSet("ingest reindex", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `USAGE:
    customs-kb ingest reindex

DESCRIPTION:
    Rebuild the keyword (bleve) index from the documents in the database.
`)
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	k, err := a.openKB(ctx, false)
	if err != nil {
		return err
	}
	defer k.Close()

	started := time.Now()
	n, err := k.Reindex(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Reindexed %d document(s) in %s\n", n, time.Since(started).Round(time.Millisecond))
	return nil
}

func (a *app) ingestStatus(args []string) error {
	fs := flag.NewFlagSet("ingest status", flag.ExitOnError)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	k, err := a.openKB(ctx, false)
	if err != nil {
		return err
	}
	defer k.Close()

	st, err := k.Status(ctx)
	if err != nil {
		return err
	}
	if *jsonOutput {
		internal.PrintJSON(st)
		return nil
	}

	fmt.Println(internal.Rule)
	fmt.Println("DATABASE STATISTICS")
	fmt.Println(internal.Rule)
	fmt.Printf("Documents:        %d\n", st.Documents)
	fmt.Printf("HTS Codes:        %d\n", st.HTSCodes)
	fmt.Printf("Agencies:         %d\n", st.Agencies)
	fmt.Printf("Code Links:       %d\n", st.CodeLinks)
	fmt.Printf("Keyword Index:    %d\n", st.KeywordDocuments)
	fmt.Printf("Database:         %s (%d bytes)\n", st.DatabasePath, st.DatabaseBytes)
	fmt.Printf("\nVector Backend:   %s\n", st.VectorBackend)
	fmt.Printf("Vector Points:    %d\n", st.VectorPoints)
	fmt.Printf("Embeddings:       %s\n", st.EmbeddingProvider)

	fmt.Println()
	fmt.Println(internal.Rule)
	fmt.Println("RECENT INGESTION RUNS")
	fmt.Println(internal.Rule)
	if len(st.RecentIngestions) == 0 {
		fmt.Println("\nNo ingestion runs yet.")
	}
	for _, run := range st.RecentIngestions {
		fmt.Printf("\nID:        %s\n", run.ID)
		fmt.Printf("Source:    %s\n", run.Source)
		fmt.Printf("Status:    %s\n", run.Status)
		fmt.Printf("Processed: %d\n", run.RecordsProcessed)
		fmt.Printf("Failed:    %d\n", run.RecordsFailed)
		fmt.Printf("Started:   %s\n", run.StartedAt.Local().Format(time.DateTime))
		if run.ErrorMessage != "" {
			fmt.Printf("Error:     %s\n", run.ErrorMessage)
		}
	}
	return nil
}

// printRun prints the outcome of an ingestion run; run may be nil when the
// run could not be recorded at all.
func printRun(run *store.IngestionRun, noun string, d time.Duration) {
	if run == nil {
		return
	}
	fmt.Println()
	fmt.Println(internal.Rule[:50])
	if run.Status == store.RunCompleted {
		fmt.Println("Ingestion completed!")
	} else {
		fmt.Println("Ingestion stopped.")
	}
	fmt.Printf("Status: %s\n", run.Status)
	fmt.Printf("%s processed: %d\n", noun, run.RecordsProcessed)
	if run.RecordsFailed > 0 {
		fmt.Printf("Failed: %d\n", run.RecordsFailed)
	}
	fmt.Printf("Duration: %.2f seconds\n", d.Seconds())
}
