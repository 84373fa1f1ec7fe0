package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"taskqueue/internal/logging"
)

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var (
		lines  int
		follow bool
		binary string
	)

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the daemon or worker log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			name := strings.TrimSpace(binary)
			if name == "" || strings.ContainsAny(name, `/\`) {
				return fmt.Errorf("invalid log name %q", binary)
			}
			path := filepath.Join(cfg.Paths.LogDir, name+".log")

			result, err := logging.TailLast(path, lines)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, line := range result.Lines {
				fmt.Fprintln(out, line)
			}
			if !follow {
				if len(result.Lines) == 0 {
					fmt.Fprintf(cmd.ErrOrStderr(), "No log entries in %s\n", path)
				}
				return nil
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			err = logging.Follow(runCtx, path, result.Offset, func(line string) error {
				_, werr := fmt.Fprintln(out, line)
				return werr
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of trailing lines to show")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing new lines")
	cmd.Flags().StringVar(&binary, "name", "taskqd", "Log file name under log_dir (taskqd or taskq-worker)")
	return cmd
}
