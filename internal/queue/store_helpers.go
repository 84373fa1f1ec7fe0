package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"taskqueue/internal/storage"
)

const taskColumns = "id, type, priority, payload, compat_region, compat_format, status, attempts, max_attempts, run_after, lease_until, locked_by, idempotency_key, error_message, result, created_at, updated_at, processing_started_at, finished_at"

func scanTask(scanner interface{ Scan(dest ...any) error }) (*Task, error) {
	var (
		task           Task
		payload        sql.NullString
		region         sql.NullString
		format         sql.NullString
		status         string
		runAfter       int64
		leaseUntil     sql.NullInt64
		lockedBy       sql.NullString
		idempotencyKey sql.NullString
		errorMessage   sql.NullString
		result         sql.NullString
		createdAt      int64
		updatedAt      int64
		startedAt      sql.NullInt64
		finishedAt     sql.NullInt64
	)
	if err := scanner.Scan(
		&task.ID,
		&task.Type,
		&task.Priority,
		&payload,
		&region,
		&format,
		&status,
		&task.Attempts,
		&task.MaxAttempts,
		&runAfter,
		&leaseUntil,
		&lockedBy,
		&idempotencyKey,
		&errorMessage,
		&result,
		&createdAt,
		&updatedAt,
		&startedAt,
		&finishedAt,
	); err != nil {
		return nil, err
	}

	if payload.Valid && payload.String != "" {
		task.Payload = json.RawMessage(payload.String)
	}
	task.Compatibility = Compatibility{Region: region.String, Format: format.String}
	task.Status = Status(status)
	task.RunAfter = fromNanos(runAfter)
	task.LeaseUntil = nullTime(leaseUntil)
	task.LockedBy = lockedBy.String
	task.IdempotencyKey = idempotencyKey.String
	task.ErrorMessage = errorMessage.String
	task.Result = result.String
	task.CreatedAt = fromNanos(createdAt)
	task.UpdatedAt = fromNanos(updatedAt)
	task.ProcessingStartedAt = nullTime(startedAt)
	task.FinishedAt = nullTime(finishedAt)
	return &task, nil
}

func loadTask(ctx context.Context, q storage.Queryer, id int64) (*Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM task_queue WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	return task, nil
}

func appendLog(ctx context.Context, q storage.Queryer, taskID int64, at time.Time, level, message string, details map[string]any) error {
	var detailsJSON any
	if len(details) > 0 {
		data, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("encode log details: %w", err)
		}
		detailsJSON = string(data)
	}
	if _, err := q.ExecContext(ctx,
		`INSERT INTO task_logs (task_id, at, level, message, details) VALUES (?, ?, ?, ?, ?)`,
		taskID, toNanos(at), level, message, detailsJSON,
	); err != nil {
		return fmt.Errorf("append task log: %w", err)
	}
	return nil
}

func collectIDs(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Timestamps are stored as Unix nanoseconds, which only cover 1677 through 2262.
var (
	minStoredTime = time.Unix(0, math.MinInt64).UTC()
	maxStoredTime = time.Unix(0, math.MaxInt64).UTC()
)

func storableTime(t time.Time) bool {
	return !t.Before(minStoredTime) && !t.After(maxStoredTime)
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullTime(value sql.NullInt64) *time.Time {
	if !value.Valid {
		return nil
	}
	t := fromNanos(value.Int64)
	return &t
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", count), ",")
}

func stringArgs[T ~string](values []T) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = string(v)
	}
	return args
}
