// Package main is the entry point for tvsync.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dshills/tvsync/internal/config"
	"github.com/dshills/tvsync/internal/config/watcher"
	"github.com/dshills/tvsync/internal/logging"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// env is what every command shares.
type env struct {
	cfg     *config.Config
	log     *logging.Logger
	watcher *watcher.Watcher
	logFile *os.File
}

func (e *env) close() {
	if e.watcher != nil {
		e.watcher.Close()
	}
	if e.logFile != nil {
		e.logFile.Close()
	}
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("tvsync", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var configPath, logLevel string
	fs.StringVar(&configPath, "config", "", "Path to configuration file")
	fs.StringVar(&configPath, "c", "", "Path to configuration file (shorthand)")
	fs.StringVar(&logLevel, "log-level", "", "Log level override (trace, debug, info, warn, error)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "tvsync - replicated media queue with prioritized listeners\n\n")
		fmt.Fprintf(stderr, "Usage: tvsync [options] <command> [command options]\n\n")
		fmt.Fprintf(stderr, "Commands:\n")
		fmt.Fprintf(stderr, "  hub       Run the websocket relay\n")
		fmt.Fprintf(stderr, "  join      Join a hub and share the queue\n")
		fmt.Fprintf(stderr, "  sim       Run an in-memory multi-peer simulation\n")
		fmt.Fprintf(stderr, "  version   Show version information\n\n")
		fmt.Fprintf(stderr, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nExamples:\n")
		fmt.Fprintf(stderr, "  tvsync hub -listen :7420\n")
		fmt.Fprintf(stderr, "  tvsync join -hub ws://localhost:7420 https://example.com/a.mp4\n")
		fmt.Fprintf(stderr, "  tvsync sim -peers 3 -adds 5 -drop 0.2 -seed 1\n")
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}
	cmd, cmdArgs := fs.Arg(0), fs.Args()[1:]

	if cmd == "version" {
		fmt.Fprintf(stdout, "tvsync %s\n", version)
		fmt.Fprintf(stdout, "Commit: %s\n", commit)
		fmt.Fprintf(stdout, "Built: %s\n", date)
		return 0
	}

	commands := map[string]func(context.Context, *env, []string, io.Writer) error{
		"hub":  runHub,
		"join": runJoin,
		"sim":  runSim,
	}
	command, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(stderr, "Error: unknown command %q\n\n", cmd)
		fs.Usage()
		return 2
	}

	e, err := setup(configPath, logLevel, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer e.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := command(ctx, e, cmdArgs, stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// setup loads the configuration, creates the logger and starts watching
// the config file so that log level changes apply without a restart.
func setup(configPath, levelOverride string, stderr io.Writer) (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	level := cfg.LogLevel()
	if levelOverride != "" {
		lv, ok := logging.ParseLevel(levelOverride)
		if !ok {
			return nil, fmt.Errorf("invalid log level %q (must be trace, debug, info, warn, or error)", levelOverride)
		}
		level = lv
	}

	e := &env{cfg: cfg}
	out := stderr
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		e.logFile = f
		out = f
	}
	lcfg := logging.DefaultConfig()
	lcfg.Level = level
	lcfg.Output = out
	e.log = logging.New(lcfg)

	if configPath == "" {
		configPath = os.Getenv(config.EnvConfigPath)
	}
	if configPath != "" {
		w, err := config.Watch(configPath, e.log, func(c *config.Config) {
			if levelOverride != "" {
				return
			}
			e.log.SetLevel(c.LogLevel())
		})
		if err != nil {
			e.log.Warn("not watching %s: %v", configPath, err)
		} else {
			e.watcher = w
		}
	}
	return e, nil
}

// stringList is a repeatable string flag.
type stringList []string

func (s *stringList) String() string {
	return strings.Join(*s, ",")
}

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}
