package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"scribe/internal/api"
	"scribe/internal/config"
	"scribe/internal/daemon"
	"scribe/internal/jobs"
	"scribe/internal/logging"
	"scribe/internal/references"
	"scribe/internal/stage"
	"scribe/internal/workflow"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, _, _, err := config.Load("")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatalf("prepare directories: %v", err)
	}

	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}

	workflows, err := workflow.Open(cfg, logger)
	if err != nil {
		logger.Error("open workflow store", logging.Error(err))
		return
	}

	jobStore, err := jobs.Open(cfg, logger)
	if err != nil {
		logger.Error("open job store", logging.Error(err))
		return
	}
	defer jobStore.Close()

	refs, err := references.Open(cfg, logger)
	if err != nil {
		logger.Error("open reference service", logging.Error(err))
		return
	}

	runner := stage.NewRunner(cfg, workflows, jobStore, logger)
	handlers := buildHandlers(cfg, refs, logger)
	svc := api.NewService(cfg, workflows, jobStore, refs, runner, handlers, logger)

	d, err := daemon.New(cfg, svc, logger)
	if err != nil {
		logger.Error("create daemon", logging.Error(err))
		return
	}
	if err := d.Start(ctx); err != nil {
		logger.Error("start daemon", logging.Error(err))
		return
	}
	defer d.Stop()

	<-ctx.Done()
	logger.Info("scribed shutting down")
}
