// Command bigbrotherd is the archiver daemon entry point: it loads config,
// sets up logging, and runs the Supervisor until a shutdown signal arrives.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/milkshiift/bigbrother/internal/config"
	"github.com/milkshiift/bigbrother/internal/logging"
	"github.com/milkshiift/bigbrother/internal/platform"
	"github.com/milkshiift/bigbrother/internal/supervisor"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "/etc/bigbrother/bigbrother.toml", "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return supervisor.ExitFatalInit
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	client, err := platform.New(cfg.DiscordToken)
	if err != nil {
		logger.Error("constructing platform client", "error", err)
		return supervisor.ExitFatalInit
	}

	sup, err := supervisor.New(logger, cfg, client)
	if err != nil {
		logger.Error("initializing supervisor", "error", err)
		return supervisor.ExitFatalInit
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := sup.Acquire(ctx); err != nil {
		if errors.Is(err, supervisor.ErrAlreadyLocked) {
			logger.Error("another instance holds the data directory lock", "error", err)
		} else {
			logger.Error("acquiring data directory lock", "error", err)
		}
		return supervisor.ExitFatalInit
	}

	runErr := sup.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		logger.Error("error during shutdown", "error", err)
	}

	if runErr != nil {
		logger.Error("fatal runtime error", "error", runErr)
		return supervisor.ExitFatalRuntime
	}

	logger.Info("shutdown complete")
	return supervisor.ExitClean
}
