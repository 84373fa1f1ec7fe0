package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"taskqueue/internal/config"
	"taskqueue/internal/daemon"
	"taskqueue/internal/logging"
	"taskqueue/internal/maintenance"
	"taskqueue/internal/queue"
	"taskqueue/internal/worker"
)

func run(ctx context.Context, configPath string) error {
	cfg, resolved, exists, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.NewFromConfig(cfg, "taskqd")
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if !exists {
		logger.Info("no config file found; using defaults", logging.String("path", resolved))
	}

	store, err := queue.Open(ctx, cfg, queue.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("open queue store: %w", err)
	}
	defer store.Close()

	maint := maintenance.New(store.Handle(), maintenance.OptionsFromConfig(cfg), maintenance.WithLogger(logger))
	d, err := daemon.New(cfg, store, maint, logger)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}

	pool := buildPool(cfg, store, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.Run(gctx)
	})
	if pool != nil {
		g.Go(func() error {
			if err := pool.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("worker pool: %w", err)
			}
			return nil
		})
	}

	err = g.Wait()
	logger.Info("taskqd shutting down")
	return err
}

// buildPool returns the embedded worker pool, or nil when no subprocess
// commands are configured.
func buildPool(cfg *config.Config, store *queue.Store, logger *slog.Logger) *worker.Pool {
	opts := worker.OptionsFromConfig(cfg)
	if opts.Mode != worker.ModeSubprocess || len(opts.Commands) == 0 {
		return nil
	}
	return worker.NewPool(store, opts, logger)
}
