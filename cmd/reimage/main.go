package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"reimage/internal/cli"
	"reimage/internal/config"
	"reimage/internal/engine"
	"reimage/internal/logging"
	"reimage/internal/pipeline"
	"reimage/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.Setup(cfg)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	// Commands that never launch the engine still work without one.
	if _, err := engine.Resolve(log, cfg.Engine.Path); err != nil {
		log.Debug("continuing without engine", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipe := pipeline.New(ctx, pipeline.Options{
		Workers: cfg.Pipeline.Workers,
		Queue:   cfg.Pipeline.Queue,
	}, pipeline.EngineProcessor{Runner: engine.NewRunner(log)}, log, store)
	defer pipe.Stop()

	return cli.NewRootCmd(cfg, log, store, pipe).ExecuteContext(ctx)
}
