package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/migadu/ruled/config"
	"github.com/migadu/ruled/logger"
	"github.com/migadu/ruled/pkg/errors"
	"github.com/migadu/ruled/server/service"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	errorHandler := errors.NewErrorHandler()
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	envFile := flag.String("env-file", ".env", "Optional file with RULED_* environment overrides")
	flag.Parse()

	if *showVersion {
		fmt.Printf("ruled version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	loadAndValidateConfig(*configPath, *envFile, &cfg, errorHandler)

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "RULED: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer func(f *os.File) {
			if err := f.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "RULED: Error closing log file %s: %v\n", f.Name(), err)
			}
		}(logFile)
	}

	logger.Infof("ruled starting (version %s, commit: %s, built: %s)", version, commit, date)
	logger.Info("Configuration", "driver", cfg.Database.Driver, "workers", cfg.Engine.Workers,
		"delete_mode", cfg.Engine.DeleteMode, "compose", cfg.Compose.Enabled, "ops_api", cfg.OpsAPI.Start)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := service.Build(ctx, cfg)
	if err != nil {
		errorHandler.FatalError("initialize services", err)
		os.Exit(errorHandler.WaitForExit())
	}
	defer svc.Close()

	runErr := svc.Run(ctx)
	errorHandler.Shutdown(ctx, runErr)
	if runErr != nil {
		errorHandler.FatalError("run", runErr)
		svc.Close()
		os.Exit(errorHandler.WaitForExit())
	}
	logger.Info("ruled stopped")
}

func loadAndValidateConfig(configPath, envFile string, cfg *config.Config, errorHandler *errors.ErrorHandler) {
	if err := config.LoadConfigFromFile(configPath, cfg); err != nil {
		if os.IsNotExist(err) && configPath == "config.toml" {
			logger.Infof("WARNING: default configuration file '%s' not found. Using application defaults.", configPath)
		} else {
			errorHandler.ConfigError(configPath, err)
			os.Exit(errorHandler.WaitForExit())
		}
	} else {
		logger.Infof("loaded configuration from %s", configPath)
	}

	if err := config.LoadEnvFile(envFile); err != nil {
		errorHandler.ConfigError(envFile, err)
		os.Exit(errorHandler.WaitForExit())
	}
	if applied := config.ApplyEnvOverrides(cfg); len(applied) > 0 {
		logger.Info("Applied environment overrides", "variables", applied)
	}

	if err := cfg.Validate(); err != nil {
		errorHandler.ValidationError("config", err)
		os.Exit(errorHandler.WaitForExit())
	}
	if cfg.Compose.Enabled {
		if err := cfg.Compose.Validate(); err != nil {
			errorHandler.ValidationError("compose", err)
			os.Exit(errorHandler.WaitForExit())
		}
	}
}
