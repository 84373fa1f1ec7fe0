package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"taskqueue/internal/queue"
)

func newInspectCommands(ctx *commandContext) []*cobra.Command {
	return []*cobra.Command{
		newShowCommand(ctx),
		newListCommand(ctx),
		newStatsCommand(ctx),
		newWorkersCommand(ctx),
		newRecoverCommand(ctx),
	}
}

type showOutput struct {
	Task            *queue.Task     `json:"task"`
	Logs            []queue.TaskLog `json:"logs,omitempty"`
	EligibleWorkers []string        `json:"eligible_workers,omitempty"`
}

func newShowCommand(ctx *commandContext) *cobra.Command {
	var withLogs bool

	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task and its audit log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return ctx.withStore(cmd, func(store *queue.Store) error {
				task, err := store.GetTask(cmd.Context(), id)
				if err != nil {
					return err
				}
				var logs []queue.TaskLog
				if withLogs {
					logs, err = store.TaskLogs(cmd.Context(), id)
					if err != nil {
						return err
					}
				}
				var eligible []string
				if !task.Status.IsTerminal() {
					eligible, err = eligibleWorkers(cmd, store, task)
					if err != nil {
						return err
					}
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, showOutput{Task: task, Logs: logs, EligibleWorkers: eligible})
				}
				renderTaskDetail(cmd, task, logs, eligible)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&withLogs, "logs", true, "Include the task log")
	return cmd
}

// eligibleWorkers lists registered workers whose capabilities match the task.
func eligibleWorkers(cmd *cobra.Command, store *queue.Store, task *queue.Task) ([]string, error) {
	workers, err := store.ListWorkers(cmd.Context())
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, w := range workers {
		if w.Capabilities.Accepts(task.Type, task.Compatibility) {
			ids = append(ids, w.ID)
		}
	}
	return ids, nil
}

func renderTaskDetail(cmd *cobra.Command, task *queue.Task, logs []queue.TaskLog, eligible []string) {
	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)
	lines := [][2]string{
		{"ID", strconv.FormatInt(task.ID, 10)},
		{"Type", task.Type},
		{"Status", statusLabel(task.Status, colorize)},
		{"Priority", strconv.Itoa(task.Priority)},
		{"Attempts", attemptsLabel(task)},
		{"Compatibility", compatibilityLabel(task.Compatibility)},
		{"Idempotency key", orDash(task.IdempotencyKey)},
		{"Run after", formatTimeWithAge(task.RunAfter)},
		{"Locked by", orDash(task.LockedBy)},
		{"Lease until", leaseLabel(task)},
		{"Created", formatTimeWithAge(task.CreatedAt)},
		{"Updated", formatTimeWithAge(task.UpdatedAt)},
		{"Started", formatOptionalTime(task.ProcessingStartedAt)},
		{"Finished", formatOptionalTime(task.FinishedAt)},
		{"Payload", string(task.Payload)},
	}
	if !task.Status.IsTerminal() {
		lines = append(lines, [2]string{"Workers", listOrDash(eligible)})
	}
	if task.Result != "" {
		lines = append(lines, [2]string{"Result", task.Result})
	}
	if task.ErrorMessage != "" {
		lines = append(lines, [2]string{"Error", task.ErrorMessage})
	}
	for _, line := range lines {
		fmt.Fprintf(out, "%-16s %s\n", line[0]+":", line[1])
	}
	if len(logs) == 0 {
		return
	}
	rows := make([][]string, 0, len(logs))
	for _, entry := range logs {
		rows = append(rows, []string{
			formatTime(entry.At),
			strings.ToUpper(entry.Level),
			entry.Message,
			truncate(entry.Details, 60),
		})
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, renderTable([]string{"Time", "Level", "Message", "Details"}, rows, nil))
}

func newListCommand(ctx *commandContext) *cobra.Command {
	var (
		statuses []string
		types    []string
		limit    int
		afterID  int64
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := queue.ListFilter{Types: types, Limit: limit, AfterID: afterID}
			for _, value := range statuses {
				status, ok := queue.ParseStatus(value)
				if !ok {
					return fmt.Errorf("unknown status %q", value)
				}
				filter.Statuses = append(filter.Statuses, status)
			}
			return ctx.withStore(cmd, func(store *queue.Store) error {
				tasks, err := store.ListTasks(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					if tasks == nil {
						tasks = []*queue.Task{}
					}
					return writeJSON(cmd, tasks)
				}
				out := cmd.OutOrStdout()
				if len(tasks) == 0 {
					fmt.Fprintln(out, "No tasks")
					return nil
				}
				colorize := shouldColorize(out)
				rows := make([][]string, 0, len(tasks))
				for _, task := range tasks {
					rows = append(rows, []string{
						strconv.FormatInt(task.ID, 10),
						task.Type,
						statusLabel(task.Status, colorize),
						strconv.Itoa(task.Priority),
						attemptsLabel(task),
						orDash(task.LockedBy),
						formatTime(task.UpdatedAt),
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"ID", "Type", "Status", "Priority", "Attempts", "Worker", "Updated"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "Filter by status (repeatable)")
	cmd.Flags().StringSliceVarP(&types, "type", "t", nil, "Filter by task type (repeatable)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum tasks to show")
	cmd.Flags().Int64Var(&afterID, "after", 0, "Only tasks with an id greater than this")
	return cmd
}

func newStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd, func(store *queue.Store) error {
				stats, err := store.Stats(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, stats)
				}
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)
				rows := make([][]string, 0, len(queue.AllStatuses()))
				for _, status := range queue.AllStatuses() {
					rows = append(rows, []string{statusLabel(status, colorize), strconv.Itoa(stats.TotalByStatus[status])})
				}
				rows = append(rows, []string{"Total", strconv.Itoa(stats.Total)})
				fmt.Fprintln(out, renderTable([]string{"Status", "Tasks"}, rows, []columnAlignment{alignLeft, alignRight}))
				fmt.Fprintf(out, "Oldest queued:  %s\n", formatAge(stats.OldestQueuedAgeSeconds))
				fmt.Fprintf(out, "Expired leases: %d\n", stats.ExpiredLeases)
				fmt.Fprintf(out, "Workers:        %d\n", stats.Workers)
				return nil
			})
		},
	}
}

func newWorkersCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "List registered workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd, func(store *queue.Store) error {
				workers, err := store.ListWorkers(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					if workers == nil {
						workers = []*queue.Worker{}
					}
					return writeJSON(cmd, workers)
				}
				out := cmd.OutOrStdout()
				if len(workers) == 0 {
					fmt.Fprintln(out, "No workers registered")
					return nil
				}
				rows := make([][]string, 0, len(workers))
				for _, w := range workers {
					rows = append(rows, []string{
						w.ID,
						listOrAll(w.Capabilities.Types),
						listOrDash(w.Capabilities.Regions),
						listOrDash(w.Capabilities.Formats),
						formatTimeWithAge(w.Heartbeat),
					})
				}
				fmt.Fprintln(out, renderTable([]string{"Worker", "Types", "Regions", "Formats", "Heartbeat"}, rows, nil))
				return nil
			})
		},
	}
}

func leaseLabel(task *queue.Task) string {
	label := formatOptionalTime(task.LeaseUntil)
	if task.LeaseExpired(time.Now()) {
		label += " (expired)"
	}
	return label
}

func listOrAll(values []string) string {
	if len(values) == 0 {
		return "*"
	}
	return strings.Join(values, ",")
}

func listOrDash(values []string) string {
	if len(values) == 0 {
		return "-"
	}
	return strings.Join(values, ",")
}

func newRecoverCommand(ctx *commandContext) *cobra.Command {
	var grace time.Duration

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Requeue or fail tasks whose lease expired",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd, func(store *queue.Store) error {
				if !cmd.Flags().Changed("grace") {
					grace = ctx.config.Queue.StaleGrace()
				}
				result, err := store.CleanupStaleLeases(cmd.Context(), grace)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, result)
				}
				out := cmd.OutOrStdout()
				if result.Total() == 0 {
					fmt.Fprintln(out, "No expired leases")
					return nil
				}
				fmt.Fprintf(out, "Recovered %d task(s): %d requeued, %d failed\n", result.Total(), result.Requeued, result.Failed)
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&grace, "grace", 0, "Extra time past lease expiry before recovering (defaults to the configured grace)")
	return cmd
}
