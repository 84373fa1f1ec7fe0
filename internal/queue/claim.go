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

// maxClaimPicks bounds re-picks when a candidate is taken between selection
// and the guarded update.
const maxClaimPicks = 8

// Claim atomically takes one eligible task for req.WorkerID and returns it in
// processing state, or nil when nothing is eligible. Concurrent claimers never
// receive the same task.
func (s *Store) Claim(ctx context.Context, req ClaimRequest) (*Task, error) {
	ctx = ensureContext(ctx)
	workerID := strings.TrimSpace(req.WorkerID)
	if workerID == "" {
		return nil, taskerr.Invalid("claim", "worker id is required", nil)
	}
	strategy := req.Strategy
	if strategy == "" {
		strategy = s.opts.DefaultStrategy
	}
	if _, err := ParseStrategy(string(strategy)); err != nil {
		return nil, err
	}
	lease := req.Lease
	if lease <= 0 {
		lease = s.opts.DefaultLease
	}
	if err := s.checkLease("claim", lease); err != nil {
		return nil, err
	}
	caps := req.Capabilities.Normalized()

	var (
		claimed   *Task
		recovered RecoveryResult
	)
	err := s.handle.WriteTx(ctx, func(q storage.Queryer) error {
		claimed = nil
		recovered = RecoveryResult{}
		now := s.clock()

		if s.opts.RecoverOnClaim {
			var err error
			if recovered, err = s.recoverExpired(ctx, q, now, s.opts.StaleGrace); err != nil {
				return err
			}
		}

		elig := newEligibility(caps, toNanos(now))
		for attempt := 0; attempt < maxClaimPicks; attempt++ {
			id, ok, err := s.pick(ctx, q, strategy, elig)
			if err != nil || !ok {
				return err
			}
			task, err := claimCandidate(ctx, q, id, workerID, now, lease)
			if err != nil {
				return err
			}
			if task == nil {
				continue
			}
			if err := appendLog(ctx, q, task.ID, now, LogLevelInfo, "claimed", map[string]any{
				"worker_id": workerID,
				"strategy":  string(strategy),
				"attempt":   task.Attempts,
			}); err != nil {
				return err
			}
			if err := touchWorker(ctx, q, workerID, caps, now); err != nil {
				return err
			}
			claimed = task
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if recovered.Total() > 0 {
		s.logRecovery(recovered, "claim")
	}
	if claimed != nil {
		s.logger.Debug("task claimed",
			logging.TaskID(claimed.ID),
			logging.WorkerID(workerID),
			logging.String("strategy", string(strategy)),
			logging.Int("attempt", claimed.Attempts),
		)
	}
	return claimed, nil
}

// claimCandidate performs the status-guarded transition. A nil task means the
// candidate was no longer claimable.
func claimCandidate(ctx context.Context, q storage.Queryer, id int64, workerID string, now time.Time, lease time.Duration) (*Task, error) {
	row := q.QueryRowContext(ctx,
		`UPDATE task_queue
         SET status = ?, locked_by = ?, lease_until = ?,
             processing_started_at = COALESCE(processing_started_at, ?),
             attempts = attempts + 1, updated_at = ?
         WHERE id = ? AND status = ? AND attempts < max_attempts
         RETURNING `+taskColumns,
		StatusProcessing,
		workerID,
		toNanos(now.Add(lease)),
		toNanos(now),
		toNanos(now),
		id,
		StatusQueued,
	)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim task %d: %w", id, err)
	}
	return task, nil
}
