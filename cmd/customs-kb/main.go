package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/jcmvstard-prog/customs-kb/cmd/customs-kb/internal"
	"github.com/jcmvstard-prog/customs-kb/internal/config"
	"github.com/jcmvstard-prog/customs-kb/internal/ingest"
	"github.com/jcmvstard-prog/customs-kb/internal/kb"
	"github.com/jcmvstard-prog/customs-kb/internal/logger"
	"github.com/jcmvstard-prog/customs-kb/internal/metrics"
)

// app carries what every subcommand needs.
type app struct {
	cfg     *config.Config
	log     zerolog.Logger
	metrics *metrics.Metrics
}

// main parses global flags, loads configuration and dispatches to the
// subcommand handler.
func main() {
	if len(os.Args) < 2 {
		internal.PrintUsage()
		os.Exit(1)
	}

	configPath := ""
	envPath := ""
	args := os.Args[1:]

	validSubcommands := map[string]bool{
		"init":   true,
		"ingest": true,
		"query":  true,
		"serve":  true,
		"mcp":    true,
	}

	subcommandIndex := -1
	for i, arg := range args {
		if !strings.HasPrefix(arg, "-") && validSubcommands[arg] {
			subcommandIndex = i
			break
		}
	}

	globalFlags := args
	if subcommandIndex >= 0 {
		globalFlags = args[:subcommandIndex]
	}
	for i := 0; i < len(globalFlags); i++ {
		switch flag := globalFlags[i]; flag {
		case "-config", "--config":
			if i+1 < len(globalFlags) {
				configPath = globalFlags[i+1]
				i++
			}
		case "-env", "--env":
			if i+1 < len(globalFlags) {
				envPath = globalFlags[i+1]
				i++
			}
		case "-h", "-help", "--help":
			internal.PrintUsage()
			os.Exit(0)
		case "-v", "-version", "--version":
			fmt.Printf("customs-kb version %s\n", internal.Version)
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Error: Unknown global flag: %s\n\n", flag)
			internal.PrintUsage()
			os.Exit(1)
		}
	}

	if subcommandIndex == -1 {
		fmt.Fprintf(os.Stderr, "Error: No subcommand specified\n\n")
		internal.PrintUsage()
		os.Exit(1)
	}

	subcommand := args[subcommandIndex]
	subcommandArgs := args[subcommandIndex+1:]

	if subcommand == "init" {
		handleInit(configPath, subcommandArgs)
		return
	}

	cfg, usedDefaults, err := internal.LoadConfig(configPath, envPath)
	if err != nil {
		if config.IsConfigNotFound(err) {
			fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
			internal.PrintConfigExample()
			os.Exit(1)
		}
		internal.Fail(fmt.Errorf("failed to load config: %w", err))
	}

	log, closeLog, err := logger.Setup(logger.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
	}, cfg.Logging.Dir, subcommand)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize log file: %v\n", err)
		log = logger.New(logger.Config{Level: cfg.Logging.Level, Pretty: cfg.Logging.Pretty})
	}
	defer closeLog()
	if usedDefaults {
		log.Debug().Str("path", config.DefaultPath()).Msg("no config file, using defaults")
	}

	a := &app{cfg: cfg, log: log, metrics: metrics.New()}

	var runErr error
	switch subcommand {
	case "ingest":
		runErr = a.handleIngest(subcommandArgs)
	case "query":
		runErr = a.handleQuery(subcommandArgs)
	case "serve":
		runErr = a.handleServe(subcommandArgs)
	case "mcp":
		runErr = a.handleMCP(subcommandArgs)
	}
	if runErr != nil {
		closeLog()
		internal.Fail(runErr)
	}
}

// openKB opens the knowledge base. progress enables the terminal progress
// bar for ingestion.
func (a *app) openKB(ctx context.Context, progress bool) (*kb.KB, error) {
	opts := kb.Options{Log: a.log, Metrics: a.metrics}
	if progress {
		opts.Progress = ingest.NewProgress(ingest.DefaultProgressEnabled(), "ingesting")
	}
	return kb.Open(ctx, a.cfg, opts)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func handleInit(configPath string, args []string) {
	if len(args) > 0 {
		fmt.Fprintf(os.Stderr, "Error: init takes no arguments\n")
		os.Exit(1)
	}
	if configPath == "" {
		configPath = config.DefaultPath()
	}
	created, err := config.WriteDefaultTemplate(configPath)
	if err != nil {
		internal.Fail(fmt.Errorf("failed to create default config at %s: %w", configPath, err))
	}
	if created {
		fmt.Printf("Created default config at %s\n", configPath)
		return
	}
	fmt.Printf("Config already exists at %s\n", configPath)
}
