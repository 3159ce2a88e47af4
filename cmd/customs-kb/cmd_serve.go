package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/jcmvstard-prog/customs-kb/internal/httpapi"
)

// handleServe implements the serve subcommand
func (a *app) handleServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", a.cfg.Server.Addr, "Listen address")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `USAGE:
    customs-kb serve [options]

DESCRIPTION:
    Run the REST API:
      GET /api/search?q=&limit=&hts_code=&agency=&source=
      GET /api/hts/search?q=&limit=
      GET /api/hts/{code}
      GET /api/hts/{code}/documents?q=&limit=&subtree=
      GET /api/documents?from=&to=&agency=&code=&limit=
      GET /api/documents/{id}
      GET /api/status
      GET /health
      GET /metrics

OPTIONS:
`)
		fs.PrintDefaults()
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

	server := httpapi.New(k.Engine, k, a.log, a.metrics)
	return server.ListenAndServe(ctx, *addr)
}
