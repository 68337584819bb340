package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/migadu/ruled/config"
	"github.com/migadu/ruled/logger"
	"github.com/migadu/ruled/server/service"
)

var version = "dev"

// errUsage marks errors already explained by a usage message.
var errUsage = errors.New("invalid usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := run(ctx, os.Args[1:], os.Stdout)
	switch {
	case err == nil:
	case errors.Is(err, flag.ErrHelp):
	case errors.Is(err, errUsage):
		os.Exit(2)
	default:
		fmt.Fprintf(os.Stderr, "ruled-admin: %v\n", err)
		os.Exit(1)
	}
}

// run dispatches one admin command. Output meant for the operator goes to out.
func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) < 1 {
		printUsage(out)
		return errUsage
	}

	rest := args[1:]
	switch args[0] {
	case "migrate":
		return handleMigrateCommand(ctx, rest, out)
	case "rules":
		return handleRulesCommand(ctx, rest, out)
	case "mailbox":
		return handleMailboxCommand(ctx, rest, out)
	case "outbox":
		return handleOutboxCommand(ctx, rest, out)
	case "apply":
		return handleApply(ctx, rest, out)
	case "version", "--version", "-v":
		fmt.Fprintf(out, "ruled-admin version %s\n", version)
		return nil
	case "help", "--help", "-h":
		printUsage(out)
		return nil
	default:
		fmt.Fprintf(out, "Unknown command: %s\n\n", args[0])
		printUsage(out)
		return errUsage
	}
}

func printUsage(out io.Writer) {
	fmt.Fprint(out, `ruled Admin Tool

Usage:
  ruled-admin <command> [subcommand] [options]

Commands:
  migrate   Manage the Postgres schema (up, down, version, force)
  rules     List, import, validate, enable, disable and delete rules
  mailbox   Recalculate mailbox counters or create default mailboxes
  outbox    Inspect, requeue and dispatch outbox events
  apply     Run a user's rule chain against one message
  version   Show version information
  help      Show this help message

Every command accepts:
  --config string      Path to TOML configuration file (default: config.toml)
  --env-file string    Optional file with RULED_* overrides (default: .env)

Examples:
  ruled-admin migrate up --config /etc/ruled/config.toml
  ruled-admin rules import --user owner@example.com --file rules.yaml
  ruled-admin outbox failed --limit 20
  ruled-admin apply --message 1234

Use 'ruled-admin <command> --help' for more information about a command.
`)
}

// commonFlags are registered on every subcommand flag set.
type commonFlags struct {
	configPath *string
	envFile    *string
}

func addCommonFlags(fs *flag.FlagSet) *commonFlags {
	return &commonFlags{
		configPath: fs.String("config", "config.toml", "Path to TOML configuration file"),
		envFile:    fs.String("env-file", ".env", "Optional file with RULED_* environment overrides"),
	}
}

// load reads the configuration the same way the daemon does. Admin commands
// only log warnings and errors.
func (c *commonFlags) load() (config.Config, error) {
	cfg := config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(*c.configPath, &cfg); err != nil {
		if !os.IsNotExist(err) || *c.configPath != "config.toml" {
			return cfg, fmt.Errorf("load %s: %w", *c.configPath, err)
		}
	}
	if err := config.LoadEnvFile(*c.envFile); err != nil {
		return cfg, fmt.Errorf("load %s: %w", *c.envFile, err)
	}
	config.ApplyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Logging.Level == "" || cfg.Logging.Level == "info" || cfg.Logging.Level == "debug" {
		cfg.Logging.Level = "warn"
	}
	if cfg.Logging.Output == "" || cfg.Logging.Output == "stdout" {
		cfg.Logging.Output = "stderr"
	}
	return cfg, nil
}

// openServices loads the configuration and wires the services without
// starting any background worker.
func (c *commonFlags) openServices(ctx context.Context) (*service.Services, func(), error) {
	cfg, err := c.load()
	if err != nil {
		return nil, nil, err
	}
	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ruled-admin: warning initializing logger: %v\n", err)
	}
	svc, err := service.Build(ctx, cfg)
	if err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, nil, err
	}
	return svc, func() {
		svc.Close()
		if logFile != nil {
			logFile.Close()
		}
	}, nil
}

// parse parses args, printing usage for unexpected positional arguments.
func parse(fs *flag.FlagSet, args []string, maxPositional int) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > maxPositional {
		fs.Usage()
		return errUsage
	}
	return nil
}

func newFlagSet(name string, out io.Writer, usage string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	fs.Usage = func() { fmt.Fprint(out, usage) }
	return fs
}

func subcommand(args []string, out io.Writer, usage func(io.Writer)) (string, []string, error) {
	if len(args) < 1 {
		usage(out)
		return "", nil, errUsage
	}
	switch args[0] {
	case "help", "--help", "-h":
		usage(out)
		return "", nil, flag.ErrHelp
	}
	return args[0], args[1:], nil
}

func unknownSubcommand(out io.Writer, command, sub string, usage func(io.Writer)) error {
	fmt.Fprintf(out, "Unknown %s subcommand: %s\n\n", command, sub)
	usage(out)
	return errUsage
}
