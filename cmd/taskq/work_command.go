package main

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"taskqueue/internal/logging"
	"taskqueue/internal/queue"
	"taskqueue/internal/worker"
)

func newWorkCommand(ctx *commandContext) *cobra.Command {
	var (
		commands    []string
		workerID    string
		concurrency int
		strategy    string
		regions     []string
		formats     []string
		once        bool
	)

	cmd := &cobra.Command{
		Use:   "work",
		Short: "Run a worker pool that executes tasks as shell commands",
		Long: "Run a worker pool in subprocess mode. Each task type maps to a shell command from\n" +
			"[workers.commands] or --command type=command. The payload is written to the command's\n" +
			"stdin and its stdout becomes the task result. Exit status 65 fails the task permanently;\n" +
			"any other non-zero status is retried.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			opts := worker.OptionsFromConfig(cfg)
			opts.Mode = worker.ModeSubprocess
			opts.Commands = maps.Clone(cfg.Workers.Commands)
			if opts.Commands == nil {
				opts.Commands = make(map[string]string)
			}
			for _, entry := range commands {
				taskType, command, ok := strings.Cut(entry, "=")
				taskType, command = strings.TrimSpace(taskType), strings.TrimSpace(command)
				if !ok || taskType == "" || command == "" {
					return fmt.Errorf("invalid --command %q; expected type=command", entry)
				}
				opts.Commands[taskType] = command
			}
			if len(opts.Commands) == 0 {
				return errors.New("no commands configured; add [workers.commands] or pass --command type=command")
			}
			if workerID != "" {
				opts.WorkerID = workerID
			}
			if concurrency > 0 {
				opts.Concurrency = concurrency
			}
			if strategy != "" {
				parsed, err := queue.ParseStrategy(strategy)
				if err != nil {
					return err
				}
				opts.Strategy = parsed
			}
			opts.Capabilities.Regions = regions
			opts.Capabilities.Formats = formats

			logger, err := logging.NewFromConfig(cfg, "taskq-worker")
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, err := queue.Open(runCtx, cfg, queue.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("open queue: %w", err)
			}
			defer store.Close()

			pool := worker.NewPool(store, opts, logger)
			out := cmd.OutOrStdout()
			if once {
				processed, err := pool.RunOnce(runCtx)
				if err != nil {
					return err
				}
				if !processed {
					fmt.Fprintln(out, "No eligible task")
					return nil
				}
				fmt.Fprintln(out, "Processed 1 task")
				return nil
			}

			fmt.Fprintf(out, "Worker %s running with %d slot(s); press Ctrl+C to stop\n", pool.ID(), opts.Concurrency)
			if err := pool.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&commands, "command", nil, "Task command as type=command (repeatable)")
	cmd.Flags().StringVarP(&workerID, "worker", "w", "", "Worker id (defaults to hostname-uuid)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Concurrent task slots (defaults to workers.max_concurrent)")
	cmd.Flags().StringVar(&strategy, "strategy", "", "Claim strategy: "+strategyNames())
	cmd.Flags().StringSliceVar(&regions, "region", nil, "Regions this worker serves (repeatable)")
	cmd.Flags().StringSliceVar(&formats, "format", nil, "Formats this worker handles (repeatable)")
	cmd.Flags().BoolVar(&once, "once", false, "Process at most one task and exit")
	return cmd
}
