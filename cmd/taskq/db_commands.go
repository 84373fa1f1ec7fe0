package main

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"taskqueue/internal/maintenance"
	"taskqueue/internal/queue"
	"taskqueue/internal/taskerr"
)

func newDBCommand(ctx *commandContext) *cobra.Command {
	dbCmd := &cobra.Command{
		Use:   "db",
		Short: "Database maintenance",
	}

	dbCmd.AddCommand(newDBHealthCommand(ctx))
	dbCmd.AddCommand(newDBStatsCommand(ctx))
	dbCmd.AddCommand(newDBCheckpointCommand(ctx))
	dbCmd.AddCommand(newDBVacuumCommand(ctx))
	dbCmd.AddCommand(newDBAnalyzeCommand(ctx))
	dbCmd.AddCommand(newDBIntegrityCommand(ctx))
	dbCmd.AddCommand(newDBBackupCommand(ctx))
	dbCmd.AddCommand(newDBVerifyCommand(ctx))
	dbCmd.AddCommand(newDBRestoreCommand(ctx))
	dbCmd.AddCommand(newDBBackupsCommand(ctx))
	dbCmd.AddCommand(newDBPruneCommand(ctx))

	return dbCmd
}

func newDBHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check schema, journal mode, and integrity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd, func(store *queue.Store) error {
				health, err := store.CheckHealth(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					if err := writeJSON(cmd, health); err != nil {
						return err
					}
				} else {
					renderHealth(cmd, health)
				}
				if !health.Healthy() {
					return taskerr.Schema("health", "database failed one or more checks", nil)
				}
				return nil
			})
		},
	}
}

func renderHealth(cmd *cobra.Command, health queue.DatabaseHealth) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Database:        %s\n", health.DBPath)
	fmt.Fprintf(out, "Exists:          %s\n", yesNo(health.DatabaseExists))
	fmt.Fprintf(out, "Readable:        %s\n", yesNo(health.DatabaseReadable))
	fmt.Fprintf(out, "Journal mode:    %s\n", orDash(health.JournalMode))
	fmt.Fprintf(out, "Schema version:  %d\n", health.SchemaVersion)
	fmt.Fprintf(out, "Tables:          %s\n", listOrDash(health.TablesPresent))
	if len(health.MissingTables) > 0 {
		fmt.Fprintf(out, "Missing tables:  %s\n", strings.Join(health.MissingTables, ", "))
	}
	if len(health.MissingColumns) > 0 {
		fmt.Fprintf(out, "Missing columns: %s\n", strings.Join(health.MissingColumns, ", "))
	}
	fmt.Fprintf(out, "Integrity:       %s\n", yesNo(health.IntegrityCheck))
	fmt.Fprintf(out, "Total tasks:     %d\n", health.TotalTasks)
	if health.Error != "" {
		fmt.Fprintf(out, "Error:           %s\n", health.Error)
	}
	if health.Healthy() {
		fmt.Fprintln(out, "Status:          healthy")
	} else {
		fmt.Fprintln(out, "Status:          unhealthy")
	}
}

func newDBStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show file size, WAL size, and page statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withMaintenance(cmd, func(_ *queue.Store, svc *maintenance.Service) error {
				stats, err := svc.Stats(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, stats)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "File size:     %s\n", humanize.IBytes(uint64(stats.FileSizeBytes)))
				fmt.Fprintf(out, "WAL size:      %s\n", humanize.IBytes(uint64(stats.WALSizeBytes)))
				fmt.Fprintf(out, "Pages:         %s x %s\n", humanize.Comma(stats.PageCount), humanize.IBytes(uint64(stats.PageSize)))
				fmt.Fprintf(out, "Free pages:    %s\n", humanize.Comma(stats.FreePages))
				fmt.Fprintf(out, "Fragmentation: %.1f%%\n", stats.FragmentationRatio*100)
				return nil
			})
		},
	}
}

func newDBCheckpointCommand(ctx *commandContext) *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Fold the write-ahead log into the database file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := maintenance.ParseCheckpointMode(mode)
			if err != nil {
				return err
			}
			return ctx.withMaintenance(cmd, func(_ *queue.Store, svc *maintenance.Service) error {
				result, err := svc.Checkpoint(cmd.Context(), parsed)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, result)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Checkpoint (%s): %d of %d frames checkpointed%s\n",
					parsed, result.CheckpointedFrames, result.LogFrames, busySuffix(result.Busy))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&mode, "mode", string(maintenance.CheckpointPassive), "Checkpoint mode: passive, full, restart, truncate")
	return cmd
}

func busySuffix(busy bool) string {
	if busy {
		return " (readers blocked completion)"
	}
	return ""
}

func newDBVacuumCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "vacuum",
		Short: "Rebuild the database file to reclaim free pages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withMaintenance(cmd, func(_ *queue.Store, svc *maintenance.Service) error {
				before, err := svc.Stats(cmd.Context())
				if err != nil {
					return err
				}
				if err := svc.Vacuum(cmd.Context()); err != nil {
					return err
				}
				after, err := svc.Stats(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, map[string]any{"before": before, "after": after})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Vacuum complete: %s -> %s\n",
					humanize.IBytes(uint64(before.FileSizeBytes)), humanize.IBytes(uint64(after.FileSizeBytes)))
				return nil
			})
		},
	}
}

func newDBAnalyzeCommand(ctx *commandContext) *cobra.Command {
	var table string

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Refresh query planner statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withMaintenance(cmd, func(_ *queue.Store, svc *maintenance.Service) error {
				if err := svc.Analyze(cmd.Context(), table); err != nil {
					return err
				}
				target := "all tables"
				if table != "" {
					target = table
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, map[string]any{"analyzed": target})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Analyzed %s\n", target)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&table, "table", "", "Limit to one table")
	return cmd
}

func newDBIntegrityCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "integrity",
		Short: "Run the SQLite integrity check",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withMaintenance(cmd, func(_ *queue.Store, svc *maintenance.Service) error {
				problems, err := svc.IntegrityCheck(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					if err := writeJSON(cmd, map[string]any{"ok": len(problems) == 0, "problems": problems}); err != nil {
						return err
					}
				} else if len(problems) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Integrity check passed")
				} else {
					for _, problem := range problems {
						fmt.Fprintln(cmd.OutOrStdout(), problem)
					}
				}
				if len(problems) > 0 {
					return taskerr.Maintenance("integrity check", fmt.Sprintf("%d problem(s) found", len(problems)), nil)
				}
				return nil
			})
		},
	}
}

func newDBBackupCommand(ctx *commandContext) *cobra.Command {
	var dest string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Write an online backup of the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withMaintenance(cmd, func(_ *queue.Store, svc *maintenance.Service) error {
				var (
					info maintenance.BackupInfo
					err  error
				)
				if strings.TrimSpace(dest) != "" {
					info, err = svc.BackupTo(cmd.Context(), dest)
				} else {
					info, err = svc.Backup(cmd.Context())
				}
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, info)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Backup written to %s (%s)\n", info.Path, humanize.IBytes(uint64(info.SizeBytes)))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&dest, "dest", "o", "", "Backup file path (defaults to a timestamped file in backup_dir)")
	return cmd
}

func newDBVerifyCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <backup>",
		Short: "Check that a backup file is intact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withMaintenance(cmd, func(_ *queue.Store, svc *maintenance.Service) error {
				ok, err := svc.VerifyBackup(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					if err := writeJSON(cmd, map[string]any{"path": args[0], "valid": ok}); err != nil {
						return err
					}
				} else if ok {
					fmt.Fprintf(cmd.OutOrStdout(), "Backup %s is valid\n", args[0])
				}
				if !ok {
					return taskerr.Maintenance("verify backup", args[0]+" failed verification", nil)
				}
				return nil
			})
		},
	}
}

func newDBRestoreCommand(ctx *commandContext) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "restore <backup>",
		Short: "Replace the database contents with a backup",
		Long:  "Replace the database contents with a verified backup. taskqd must be stopped first.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("restore overwrites %s; pass --yes to confirm", ctx.config.Paths.Database)
			}
			return ctx.withMaintenance(cmd, func(_ *queue.Store, svc *maintenance.Service) error {
				if err := svc.Restore(cmd.Context(), args[0]); err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, map[string]any{"restored_from": args[0], "database": ctx.config.Paths.Database})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Restored %s from %s\n", ctx.config.Paths.Database, args[0])
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Confirm overwriting the live database")
	return cmd
}

func newDBBackupsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "backups",
		Short: "List backups in backup_dir, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withMaintenance(cmd, func(_ *queue.Store, svc *maintenance.Service) error {
				backups, err := svc.ListBackups()
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					if backups == nil {
						backups = []maintenance.BackupInfo{}
					}
					return writeJSON(cmd, backups)
				}
				out := cmd.OutOrStdout()
				if len(backups) == 0 {
					fmt.Fprintln(out, "No backups")
					return nil
				}
				rows := make([][]string, 0, len(backups))
				for _, b := range backups {
					rows = append(rows, []string{b.Path, humanize.IBytes(uint64(b.SizeBytes)), formatTimeWithAge(b.CreatedAt)})
				}
				fmt.Fprintln(out, renderTable([]string{"Path", "Size", "Created"}, rows, []columnAlignment{alignLeft, alignRight, alignLeft}))
				return nil
			})
		},
	}
}

func newDBPruneCommand(ctx *commandContext) *cobra.Command {
	var keep int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old backups beyond the keep count",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("keep") {
				keep = ctx.config.Maintenance.BackupKeep
			}
			if keep < 0 {
				return taskerr.Invalid("prune backups", "keep must be >= 0", nil)
			}
			return ctx.withMaintenance(cmd, func(_ *queue.Store, svc *maintenance.Service) error {
				removed, err := svc.PruneBackups(keep)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					if removed == nil {
						removed = []string{}
					}
					return writeJSON(cmd, map[string]any{"removed": removed, "kept": keep})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d backup(s), kept up to %d\n", len(removed), keep)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&keep, "keep", 0, "Backups to keep (defaults to maintenance.backup_keep)")
	return cmd
}
