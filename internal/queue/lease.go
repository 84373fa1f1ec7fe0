package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskqueue/internal/logging"
	"taskqueue/internal/storage"
	"taskqueue/internal/taskerr"
)

// CleanupStaleLeases returns processing tasks whose lease ended more than
// grace ago to the queue, or fails them when no attempts remain. It is safe to
// run concurrently with claims and with itself.
func (s *Store) CleanupStaleLeases(ctx context.Context, grace time.Duration) (RecoveryResult, error) {
	ctx = ensureContext(ctx)
	if grace < 0 {
		grace = 0
	}
	var result RecoveryResult
	err := s.handle.WriteTx(ctx, func(q storage.Queryer) error {
		var err error
		result, err = s.recoverExpired(ctx, q, s.clock(), grace)
		return err
	})
	if err != nil {
		return RecoveryResult{}, err
	}
	if result.Total() > 0 {
		s.logRecovery(result, "sweep")
	}
	return result, nil
}

type expiredLease struct {
	id          int64
	lockedBy    string
	attempts    int
	maxAttempts int
}

func (s *Store) recoverExpired(ctx context.Context, q storage.Queryer, now time.Time, grace time.Duration) (RecoveryResult, error) {
	cutoff := toNanos(now.Add(-grace))
	rows, err := q.QueryContext(ctx,
		`SELECT id, locked_by, attempts, max_attempts FROM task_queue
         WHERE status = ? AND lease_until IS NOT NULL AND lease_until <= ?
         ORDER BY id`,
		StatusProcessing, cutoff,
	)
	if err != nil {
		return RecoveryResult{}, fmt.Errorf("select expired leases: %w", err)
	}
	var expired []expiredLease
	for rows.Next() {
		var (
			lease    expiredLease
			lockedBy sql.NullString
		)
		if err := rows.Scan(&lease.id, &lockedBy, &lease.attempts, &lease.maxAttempts); err != nil {
			rows.Close()
			return RecoveryResult{}, fmt.Errorf("scan expired lease: %w", err)
		}
		lease.lockedBy = lockedBy.String
		expired = append(expired, lease)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return RecoveryResult{}, err
	}

	var result RecoveryResult
	for _, lease := range expired {
		details := map[string]any{"worker_id": lease.lockedBy, "attempts": lease.attempts, "max_attempts": lease.maxAttempts}
		var (
			res     sql.Result
			level   string
			message string
		)
		if lease.attempts < lease.maxAttempts {
			res, err = q.ExecContext(ctx,
				`UPDATE task_queue SET status = ?, lease_until = NULL, locked_by = NULL, updated_at = ?
                 WHERE id = ? AND status = ? AND lease_until <= ?`,
				StatusQueued, toNanos(now), lease.id, StatusProcessing, cutoff,
			)
			level, message = LogLevelWarn, "lease expired, requeued"
		} else {
			res, err = q.ExecContext(ctx,
				`UPDATE task_queue SET status = ?, lease_until = NULL, locked_by = NULL, error_message = ?,
                     finished_at = ?, updated_at = ?
                 WHERE id = ? AND status = ? AND lease_until <= ?`,
				StatusFailed, LeaseExhaustedMessage, toNanos(now), toNanos(now), lease.id, StatusProcessing, cutoff,
			)
			level, message = LogLevelError, LeaseExhaustedMessage
		}
		if err != nil {
			return RecoveryResult{}, fmt.Errorf("recover task %d: %w", lease.id, err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			continue
		}
		if err := appendLog(ctx, q, lease.id, now, level, message, details); err != nil {
			return RecoveryResult{}, err
		}
		if level == LogLevelWarn {
			result.Requeued++
		} else {
			result.Failed++
		}
		result.TaskIDs = append(result.TaskIDs, lease.id)
	}
	return result, nil
}

func (s *Store) logRecovery(result RecoveryResult, trigger string) {
	logging.WarnWithContext(s.logger, "recovered expired leases", "lease_expired",
		logging.Int("requeued", result.Requeued),
		logging.Int("failed", result.Failed),
		logging.String("trigger", trigger),
		logging.String(logging.FieldErrorHint, "workers stopped renewing; check worker logs for crashes or stalls"),
		logging.String(logging.FieldImpact, "tasks will be retried or marked failed"),
	)
}

// RenewLease extends the lease of a task still owned by workerID. It returns
// false when the task is no longer processing under that worker, which tells
// the worker to stop.
func (s *Store) RenewLease(ctx context.Context, id int64, workerID string, lease time.Duration) (bool, error) {
	ctx = ensureContext(ctx)
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return false, taskerr.Invalid("renew lease", "worker id is required", nil)
	}
	if lease <= 0 {
		lease = s.opts.DefaultLease
	}
	if err := s.checkLease("renew lease", lease); err != nil {
		return false, err
	}

	var renewed bool
	err := s.handle.WriteTx(ctx, func(q storage.Queryer) error {
		renewed = false
		now := s.clock()
		res, err := q.ExecContext(ctx,
			`UPDATE task_queue SET lease_until = ?, updated_at = ?
             WHERE id = ? AND status = ? AND locked_by = ?`,
			toNanos(now.Add(lease)), toNanos(now), id, StatusProcessing, workerID,
		)
		if err != nil {
			return fmt.Errorf("renew lease: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected > 0 {
			renewed = true
			return touchWorker(ctx, q, workerID, Capabilities{}, now)
		}
		var status string
		err = q.QueryRowContext(ctx, `SELECT status FROM task_queue WHERE id = ?`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return taskerr.NotFound("renew lease", id, "")
		}
		return err
	})
	return renewed, err
}

// checkLease rejects a lease whose expiry cannot be stored.
func (s *Store) checkLease(op string, lease time.Duration) error {
	if !storableTime(s.clock().Add(lease)) {
		return taskerr.Invalid(op, fmt.Sprintf("lease %s is out of range", lease), nil)
	}
	return nil
}
