package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/jcmvstard-prog/customs-kb/cmd/customs-kb/internal"
	"github.com/jcmvstard-prog/customs-kb/internal/mcpserver"
)

// handleMCP implements the MCP stdio server subcommand
func (a *app) handleMCP(args []string) error {
	fs := flag.NewFlagSet("mcp", flag.ExitOnError)

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `USAGE:
    customs-kb mcp

DESCRIPTION:
    Run an MCP stdio server exposing:
      - search_customs_documents
      - search_hts_codes
      - get_hts_code_details
      - get_customs_kb_status
      - search_by_hts_code
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

	server := mcpserver.New(k.Engine, k, internal.Version, a.log)
	if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP server failed: %w", err)
	}
	return nil
}
