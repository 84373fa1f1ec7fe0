package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"taskqueue/internal/queue"
)

var errLeaseLost = errors.New("lease lost")

func newTaskCommands(ctx *commandContext) []*cobra.Command {
	return []*cobra.Command{
		newEnqueueCommand(ctx),
		newClaimCommand(ctx),
		newRenewCommand(ctx),
		newCompleteCommand(ctx),
		newFailCommand(ctx),
		newCancelCommand(ctx),
	}
}

type enqueueOutput struct {
	Task      *queue.Task `json:"task"`
	Duplicate bool        `json:"duplicate"`
}

func newEnqueueCommand(ctx *commandContext) *cobra.Command {
	var (
		priority    int
		payload     string
		payloadFile string
		maxAttempts int
		delay       time.Duration
		key         string
		region      string
		format      string
	)

	cmd := &cobra.Command{
		Use:   "enqueue <type>",
		Short: "Add a task to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if payload != "" && payloadFile != "" {
				return errors.New("use either --payload or --payload-file, not both")
			}
			body := []byte(payload)
			if payloadFile != "" {
				data, err := readPayloadFile(cmd, payloadFile)
				if err != nil {
					return err
				}
				body = data
			}

			req := queue.EnqueueRequest{
				Type:           args[0],
				Priority:       priority,
				Payload:        json.RawMessage(body),
				Compatibility:  queue.Compatibility{Region: region, Format: format},
				MaxAttempts:    maxAttempts,
				Delay:          delay,
				IdempotencyKey: key,
			}
			return ctx.withStore(cmd, func(store *queue.Store) error {
				result, err := store.Enqueue(cmd.Context(), req)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, enqueueOutput{Task: result.Task, Duplicate: result.Duplicate})
				}
				out := cmd.OutOrStdout()
				task := result.Task
				if result.Duplicate {
					fmt.Fprintf(out, "Task %d already exists for key %q (%s)\n", task.ID, task.IdempotencyKey, statusLabel(task.Status, shouldColorize(out)))
					return nil
				}
				fmt.Fprintf(out, "Enqueued task %d (type %s, priority %d)\n", task.ID, task.Type, task.Priority)
				if task.RunAfter.After(task.CreatedAt) {
					fmt.Fprintf(out, "Eligible after %s\n", formatTimeWithAge(task.RunAfter))
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&priority, "priority", "p", 0, "Priority (lower runs first)")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload")
	cmd.Flags().StringVar(&payloadFile, "payload-file", "", "Read the JSON payload from a file (- for stdin)")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "Maximum attempts (0 uses the configured default)")
	cmd.Flags().DurationVar(&delay, "delay", 0, "Postpone eligibility by this duration")
	cmd.Flags().StringVar(&key, "key", "", "Idempotency key")
	cmd.Flags().StringVar(&region, "region", "", "Required worker region")
	cmd.Flags().StringVar(&format, "format", "", "Required worker format")
	return cmd
}

func readPayloadFile(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("read payload from stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read payload file: %w", err)
	}
	return data, nil
}

type claimFlags struct {
	workerID string
	types    []string
	regions  []string
	formats  []string
	strategy string
	lease    time.Duration
}

func (f claimFlags) request() (queue.ClaimRequest, error) {
	var strategy queue.Strategy
	if strings.TrimSpace(f.strategy) != "" {
		parsed, err := queue.ParseStrategy(f.strategy)
		if err != nil {
			return queue.ClaimRequest{}, err
		}
		strategy = parsed
	}
	return queue.ClaimRequest{
		WorkerID: f.workerID,
		Capabilities: queue.Capabilities{
			Types:   f.types,
			Regions: f.regions,
			Formats: f.formats,
		},
		Strategy: strategy,
		Lease:    f.lease,
	}, nil
}

func newClaimCommand(ctx *commandContext) *cobra.Command {
	var flags claimFlags

	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Lease the next eligible task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request()
			if err != nil {
				return err
			}
			return ctx.withStore(cmd, func(store *queue.Store) error {
				task, err := store.Claim(cmd.Context(), req)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, task)
				}
				out := cmd.OutOrStdout()
				if task == nil {
					fmt.Fprintln(out, "No eligible task")
					return nil
				}
				fmt.Fprintf(out, "Claimed task %d (%s), attempt %s, lease until %s\n",
					task.ID, task.Type, attemptsLabel(task), formatOptionalTime(task.LeaseUntil))
				fmt.Fprintf(out, "Payload: %s\n", string(task.Payload))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&flags.workerID, "worker", "w", "", "Worker id (required)")
	cmd.Flags().StringSliceVar(&flags.types, "type", nil, "Task types to accept (repeatable; empty accepts all)")
	cmd.Flags().StringSliceVar(&flags.regions, "region", nil, "Regions this worker serves (repeatable)")
	cmd.Flags().StringSliceVar(&flags.formats, "format", nil, "Formats this worker handles (repeatable)")
	cmd.Flags().StringVar(&flags.strategy, "strategy", "", "Claim strategy: "+strategyNames())
	cmd.Flags().DurationVar(&flags.lease, "lease", 0, "Lease duration (0 uses the configured default)")
	_ = cmd.MarkFlagRequired("worker")
	return cmd
}

func newRenewCommand(ctx *commandContext) *cobra.Command {
	var workerID string
	var lease time.Duration

	cmd := &cobra.Command{
		Use:   "renew <task-id>",
		Short: "Extend the lease on a claimed task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return ctx.withStore(cmd, func(store *queue.Store) error {
				ok, err := store.RenewLease(cmd.Context(), id, workerID, lease)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					if err := writeJSON(cmd, map[string]any{"task_id": id, "renewed": ok}); err != nil {
						return err
					}
				}
				if !ok {
					return fmt.Errorf("task %d: %w; worker %s no longer owns it", id, errLeaseLost, workerID)
				}
				if !ctx.jsonOutput() {
					fmt.Fprintf(cmd.OutOrStdout(), "Renewed lease on task %d\n", id)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&workerID, "worker", "w", "", "Worker id holding the lease (required)")
	cmd.Flags().DurationVar(&lease, "lease", 0, "New lease duration (0 uses the configured default)")
	_ = cmd.MarkFlagRequired("worker")
	return cmd
}

func newCompleteCommand(ctx *commandContext) *cobra.Command {
	var workerID string
	var result string

	cmd := &cobra.Command{
		Use:   "complete <task-id>",
		Short: "Mark a claimed task completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return ctx.withStore(cmd, func(store *queue.Store) error {
				task, err := store.Complete(cmd.Context(), id, workerID, result)
				if err != nil {
					return err
				}
				return printTransition(cmd, ctx, task)
			})
		},
	}

	cmd.Flags().StringVarP(&workerID, "worker", "w", "", "Worker id holding the lease (required)")
	cmd.Flags().StringVar(&result, "result", "", "Result to record")
	_ = cmd.MarkFlagRequired("worker")
	return cmd
}

func newFailCommand(ctx *commandContext) *cobra.Command {
	var workerID string
	var message string
	var permanent bool

	cmd := &cobra.Command{
		Use:   "fail <task-id>",
		Short: "Report a failed attempt on a claimed task",
		Long: "Report a failed attempt. Retryable failures requeue the task after the configured\n" +
			"retry delay until max attempts is reached; --permanent fails it immediately.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return ctx.withStore(cmd, func(store *queue.Store) error {
				task, err := store.Fail(cmd.Context(), id, workerID, message, !permanent)
				if err != nil {
					return err
				}
				return printTransition(cmd, ctx, task)
			})
		},
	}

	cmd.Flags().StringVarP(&workerID, "worker", "w", "", "Worker id holding the lease (required)")
	cmd.Flags().StringVarP(&message, "message", "m", "", "Error message to record")
	cmd.Flags().BoolVar(&permanent, "permanent", false, "Do not retry")
	_ = cmd.MarkFlagRequired("worker")
	return cmd
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a queued or processing task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return ctx.withStore(cmd, func(store *queue.Store) error {
				task, err := store.Cancel(cmd.Context(), id)
				if err != nil {
					return err
				}
				return printTransition(cmd, ctx, task)
			})
		},
	}
}

func printTransition(cmd *cobra.Command, ctx *commandContext, task *queue.Task) error {
	if ctx.jsonOutput() {
		return writeJSON(cmd, task)
	}
	out := cmd.OutOrStdout()
	switch task.Status {
	case queue.StatusQueued:
		fmt.Fprintf(out, "Task %d %s for retry (attempt %s), eligible %s\n",
			task.ID, task.Status, attemptsLabel(task), formatTimeWithAge(task.RunAfter))
	case queue.StatusFailed:
		fmt.Fprintf(out, "Task %d %s after %s attempts: %s\n", task.ID, task.Status, attemptsLabel(task), orDash(task.ErrorMessage))
	default:
		fmt.Fprintf(out, "Task %d %s\n", task.ID, task.Status)
	}
	return nil
}
