package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"taskqueue/internal/logging"
	"taskqueue/internal/storage"
	"taskqueue/internal/taskerr"
)

// Complete marks a task owned by workerID as completed and records result.
func (s *Store) Complete(ctx context.Context, id int64, workerID, result string) (*Task, error) {
	ctx = ensureContext(ctx)
	workerID = strings.TrimSpace(workerID)

	var task *Task
	err := s.handle.WriteTx(ctx, func(q storage.Queryer) error {
		now := s.clock()
		row := q.QueryRowContext(ctx,
			`UPDATE task_queue
             SET status = ?, result = ?, error_message = NULL, lease_until = NULL, locked_by = NULL,
                 finished_at = ?, updated_at = ?
             WHERE id = ? AND status = ? AND locked_by = ?
             RETURNING `+taskColumns,
			StatusCompleted, nullableString(result), toNanos(now), toNanos(now), id, StatusProcessing, workerID,
		)
		var err error
		task, err = scanTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ownershipError(ctx, q, "complete", id, workerID)
		}
		if err != nil {
			return fmt.Errorf("complete task: %w", err)
		}
		return appendLog(ctx, q, id, now, LogLevelInfo, "completed", map[string]any{"worker_id": workerID})
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("task completed", logging.TaskID(id), logging.WorkerID(workerID))
	return task, nil
}

// Fail records a failure for a task owned by workerID. Retryable failures
// with attempts remaining are requeued after the retry delay; everything else
// is failed permanently.
func (s *Store) Fail(ctx context.Context, id int64, workerID, message string, retryable bool) (*Task, error) {
	ctx = ensureContext(ctx)
	workerID = strings.TrimSpace(workerID)
	message = strings.TrimSpace(message)
	if message == "" {
		message = "task failed"
	}

	var task *Task
	err := s.handle.WriteTx(ctx, func(q storage.Queryer) error {
		now := s.clock()
		current, err := loadTask(ctx, q, id)
		if err != nil {
			return err
		}
		if current == nil {
			return taskerr.NotFound("fail", id, "")
		}
		if current.Status != StatusProcessing || current.LockedBy != workerID {
			return ownershipError(ctx, q, "fail", id, workerID)
		}

		var row *sql.Row
		var level, logMessage string
		if retryable && current.Attempts < current.MaxAttempts {
			row = q.QueryRowContext(ctx,
				`UPDATE task_queue
                 SET status = ?, error_message = ?, lease_until = NULL, locked_by = NULL,
                     run_after = ?, updated_at = ?
                 WHERE id = ? AND status = ? AND locked_by = ?
                 RETURNING `+taskColumns,
				StatusQueued, message, toNanos(now.Add(s.opts.RetryDelay)), toNanos(now), id, StatusProcessing, workerID,
			)
			level, logMessage = LogLevelWarn, "failed, requeued"
		} else {
			row = q.QueryRowContext(ctx,
				`UPDATE task_queue
                 SET status = ?, error_message = ?, lease_until = NULL, locked_by = NULL,
                     finished_at = ?, updated_at = ?
                 WHERE id = ? AND status = ? AND locked_by = ?
                 RETURNING `+taskColumns,
				StatusFailed, message, toNanos(now), toNanos(now), id, StatusProcessing, workerID,
			)
			level, logMessage = LogLevelError, "failed"
		}
		task, err = scanTask(row)
		if err != nil {
			return fmt.Errorf("fail task: %w", err)
		}
		return appendLog(ctx, q, id, now, level, logMessage, map[string]any{
			"worker_id": workerID,
			"error":     message,
			"retryable": retryable,
			"attempts":  task.Attempts,
		})
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("task failed",
		logging.TaskID(id),
		logging.WorkerID(workerID),
		logging.String("status", string(task.Status)),
		logging.String("reason", message),
	)
	return task, nil
}

// Cancel stops a queued or processing task. A processing task's worker learns
// of the cancellation on its next lease renewal.
func (s *Store) Cancel(ctx context.Context, id int64) (*Task, error) {
	ctx = ensureContext(ctx)
	var task *Task
	err := s.handle.WriteTx(ctx, func(q storage.Queryer) error {
		now := s.clock()
		current, err := loadTask(ctx, q, id)
		if err != nil {
			return err
		}
		if current == nil {
			return taskerr.NotFound("cancel", id, "")
		}
		if current.Status.IsTerminal() {
			return taskerr.Conflict("cancel", id, fmt.Sprintf("task is %s", current.Status))
		}
		row := q.QueryRowContext(ctx,
			`UPDATE task_queue
             SET status = ?, lease_until = NULL, locked_by = NULL, finished_at = ?, updated_at = ?
             WHERE id = ? AND status IN (?, ?)
             RETURNING `+taskColumns,
			StatusCancelled, toNanos(now), toNanos(now), id, StatusQueued, StatusProcessing,
		)
		if task, err = scanTask(row); err != nil {
			return fmt.Errorf("cancel task: %w", err)
		}
		return appendLog(ctx, q, id, now, LogLevelWarn, "cancelled", map[string]any{
			"previous_status": string(current.Status),
			"worker_id":       current.LockedBy,
		})
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("task cancelled", logging.TaskID(id))
	return task, nil
}

// ownershipError explains why a guarded transition matched no row.
func ownershipError(ctx context.Context, q storage.Queryer, op string, id int64, workerID string) error {
	current, err := loadTask(ctx, q, id)
	if err != nil {
		return err
	}
	if current == nil {
		return taskerr.NotFound(op, id, "")
	}
	if current.Status != StatusProcessing {
		return taskerr.Conflict(op, id, fmt.Sprintf("task is %s", current.Status))
	}
	return taskerr.Conflict(op, id, fmt.Sprintf("task is owned by %q, not %q", current.LockedBy, workerID))
}
