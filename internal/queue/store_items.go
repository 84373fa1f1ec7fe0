package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"taskqueue/internal/logging"
	"taskqueue/internal/storage"
	"taskqueue/internal/taskerr"
)

const defaultListLimit = 100

var validate = validator.New()

// Enqueue inserts a task. A request whose idempotency key already exists
// returns the stored task with Duplicate set and no error.
func (s *Store) Enqueue(ctx context.Context, req EnqueueRequest) (EnqueueResult, error) {
	ctx = ensureContext(ctx)
	req, err := s.normalizeEnqueue(req)
	if err != nil {
		return EnqueueResult{}, err
	}

	var compat any
	if !req.Compatibility.IsZero() {
		data, err := json.Marshal(req.Compatibility)
		if err != nil {
			return EnqueueResult{}, taskerr.Invalid("enqueue", "encode compatibility", err)
		}
		compat = string(data)
	}

	var result EnqueueResult
	err = s.handle.WriteTx(ctx, func(q storage.Queryer) error {
		result = EnqueueResult{}
		now := s.clock()

		if req.IdempotencyKey != "" {
			row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM task_queue WHERE idempotency_key = ?`, req.IdempotencyKey)
			existing, err := scanTask(row)
			switch {
			case err == nil:
				result = EnqueueResult{Task: existing, Duplicate: true}
				return nil
			case !errors.Is(err, sql.ErrNoRows):
				return fmt.Errorf("lookup idempotency key: %w", err)
			}
		}

		runAfter := now.Add(req.Delay)
		if !req.RunAfter.IsZero() {
			runAfter = req.RunAfter.UTC()
		}

		row := q.QueryRowContext(ctx,
			`INSERT INTO task_queue (
                type, priority, payload, compatibility, compat_region, compat_format,
                status, attempts, max_attempts, run_after, idempotency_key, created_at, updated_at
            ) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)
            RETURNING `+taskColumns,
			req.Type,
			req.Priority,
			string(req.Payload),
			compat,
			nullableString(req.Compatibility.Region),
			nullableString(req.Compatibility.Format),
			StatusQueued,
			req.MaxAttempts,
			toNanos(runAfter),
			nullableString(req.IdempotencyKey),
			toNanos(now),
			toNanos(now),
		)
		task, err := scanTask(row)
		if err != nil {
			if storage.IsConstraint(err) {
				return taskerr.Conflict("enqueue", 0, "idempotency key already used")
			}
			return fmt.Errorf("insert task: %w", err)
		}
		if err := appendLog(ctx, q, task.ID, now, LogLevelInfo, "enqueued", map[string]any{
			"type":     task.Type,
			"priority": task.Priority,
		}); err != nil {
			return err
		}
		result.Task = task
		return nil
	})
	if err != nil {
		return EnqueueResult{}, err
	}
	if !result.Duplicate {
		s.logger.Debug("task enqueued",
			logging.TaskID(result.Task.ID),
			logging.String(logging.FieldTaskType, result.Task.Type),
			logging.Int("priority", result.Task.Priority),
		)
	}
	return result, nil
}

func (s *Store) normalizeEnqueue(req EnqueueRequest) (EnqueueRequest, error) {
	req.Type = strings.TrimSpace(req.Type)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	req.Compatibility.Region = strings.TrimSpace(req.Compatibility.Region)
	req.Compatibility.Format = strings.TrimSpace(req.Compatibility.Format)
	if err := validate.Struct(req); err != nil {
		return req, taskerr.Invalid("enqueue", describeValidation(err), err)
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage("{}")
	}
	if !json.Valid(req.Payload) {
		return req, taskerr.Invalid("enqueue", "payload is not valid JSON", nil)
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = s.opts.DefaultMaxAttempts
	}
	if !req.RunAfter.IsZero() && !storableTime(req.RunAfter) {
		return req, taskerr.Invalid("enqueue", fmt.Sprintf("run_after %s is out of range", req.RunAfter.UTC().Format(time.RFC3339)), nil)
	}
	if req.RunAfter.IsZero() && !storableTime(s.clock().Add(req.Delay)) {
		return req, taskerr.Invalid("enqueue", fmt.Sprintf("delay %s is out of range", req.Delay), nil)
	}
	return req, nil
}

func describeValidation(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return "invalid request"
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s is %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

// GetTask fetches a task by identifier.
func (s *Store) GetTask(ctx context.Context, id int64) (*Task, error) {
	task, err := loadTask(ensureContext(ctx), s.handle.DB(), id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, taskerr.NotFound("get task", id, "")
	}
	return task, nil
}

// ListTasks returns tasks matching filter ordered by id.
func (s *Store) ListTasks(ctx context.Context, filter ListFilter) ([]*Task, error) {
	ctx = ensureContext(ctx)
	clauses := make([]string, 0, 3)
	args := make([]any, 0, len(filter.Statuses)+len(filter.Types)+2)
	if len(filter.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+makePlaceholders(len(filter.Statuses))+")")
		args = append(args, stringArgs(filter.Statuses)...)
	}
	if len(filter.Types) > 0 {
		clauses = append(clauses, "type IN ("+makePlaceholders(len(filter.Types))+")")
		args = append(args, stringArgs(filter.Types)...)
	}
	if filter.AfterID > 0 {
		clauses = append(clauses, "id > ?")
		args = append(args, filter.AfterID)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `SELECT ` + taskColumns + ` FROM task_queue`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id LIMIT ?"
	args = append(args, limit)

	rows, err := s.handle.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// TaskLogs returns the audit trail of a task, oldest first.
func (s *Store) TaskLogs(ctx context.Context, id int64) ([]TaskLog, error) {
	ctx = ensureContext(ctx)
	var logs []TaskLog
	err := s.handle.ReadTx(ctx, func(q storage.Queryer) error {
		logs = nil
		var exists int
		if err := q.QueryRowContext(ctx, `SELECT COUNT(1) FROM task_queue WHERE id = ?`, id).Scan(&exists); err != nil {
			return fmt.Errorf("check task: %w", err)
		}
		if exists == 0 {
			return taskerr.NotFound("task logs", id, "")
		}
		rows, err := q.QueryContext(ctx,
			`SELECT log_id, task_id, at, level, message, details FROM task_logs WHERE task_id = ? ORDER BY log_id`, id)
		if err != nil {
			return fmt.Errorf("query task logs: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				entry   TaskLog
				at      int64
				details sql.NullString
			)
			if err := rows.Scan(&entry.ID, &entry.TaskID, &at, &entry.Level, &entry.Message, &details); err != nil {
				return fmt.Errorf("scan task log: %w", err)
			}
			entry.At = fromNanos(at)
			entry.Details = details.String
			logs = append(logs, entry)
		}
		return rows.Err()
	})
	return logs, err
}
