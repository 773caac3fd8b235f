// Package main provides the chromaseek command line: the HTTP service, index
// sync, sync child processes and maintenance commands.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/chromaseek/internal/config"
	"github.com/thebtf/chromaseek/internal/indexsync"
)

// Version is set at build time via ldflags.
var Version = "dev"

type command struct {
	run   func(ctx context.Context, a *app, args []string) error
	usage string
}

var commands = map[string]command{
	"serve":                 {cmdServe, "run the HTTP service"},
	"sync":                  {cmdSync, "push dominant colors into the vector index"},
	indexsync.WorkerCommand: {cmdSyncWorker, "run one sync chunk (job on stdin, result on stdout)"},
	"search":                {cmdSearch, "search by color"},
	"import":                {cmdImport, "load pictures from JSON lines"},
	"remove":                {cmdRemove, "delete pictures from the store and the index"},
	"reset":                 {cmdReset, "clear the index namespace and every indexed marker"},
	"flush":                 {cmdFlush, "invalidate cached results and prune expired cache files"},
	"stats":                 {cmdStats, "show picture and index statistics"},
	"ping":                  {cmdPing, "test the vector index connection"},
	"runs":                  {cmdRuns, "list recent sync runs"},
}

var debug bool

func main() {
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.Usage = usage
	flag.Parse()

	// stdout carries command output and the sync-worker handoff, so logs go to stderr.
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true})

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}
	name := flag.Arg(0)
	if name == "version" {
		fmt.Println(Version)
		return
	}
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", name)
		usage()
		os.Exit(2)
	}

	if err := config.EnsureAll(); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure data directories")
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize")
	}

	err = cmd.run(ctx, a, flag.Args()[1:])
	a.Close()
	if err != nil {
		log.Error().Err(err).Str("command", name).Msg("Command failed")
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "chromaseek %s\n\nUsage: chromaseek [--debug] <command> [flags]\n\nCommands:\n", Version)
	for _, name := range []string{
		"serve", "sync", "search", "import", "remove", "reset",
		"flush", "stats", "ping", "runs", indexsync.WorkerCommand,
	} {
		fmt.Fprintf(os.Stderr, "  %-12s %s\n", name, commands[name].usage)
	}
	fmt.Fprintf(os.Stderr, "  %-12s %s\n", "version", "print the version")
}
