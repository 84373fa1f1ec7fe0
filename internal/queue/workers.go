package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"taskqueue/internal/logging"
	"taskqueue/internal/storage"
	"taskqueue/internal/taskerr"
)

// RegisterWorker records a worker and its capabilities, replacing any previous
// registration under the same id.
func (s *Store) RegisterWorker(ctx context.Context, id string, caps Capabilities) (*Worker, error) {
	ctx = ensureContext(ctx)
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, taskerr.Invalid("register worker", "worker id is required", nil)
	}
	caps = caps.Normalized()
	encoded, err := json.Marshal(caps)
	if err != nil {
		return nil, fmt.Errorf("encode capabilities: %w", err)
	}

	var worker *Worker
	err = s.handle.WriteTx(ctx, func(q storage.Queryer) error {
		now := s.clock()
		row := q.QueryRowContext(ctx,
			`INSERT INTO workers (worker_id, capabilities, heartbeat, registered_at) VALUES (?, ?, ?, ?)
             ON CONFLICT(worker_id) DO UPDATE SET capabilities = excluded.capabilities, heartbeat = excluded.heartbeat
             RETURNING worker_id, capabilities, heartbeat, registered_at`,
			id, string(encoded), toNanos(now), toNanos(now),
		)
		var err error
		worker, err = scanWorker(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("worker registered",
		logging.WorkerID(id),
		logging.Any("types", caps.Types),
		logging.Any("regions", caps.Regions),
		logging.Any("formats", caps.Formats),
	)
	return worker, nil
}

// WorkerHeartbeat refreshes a registered worker's heartbeat.
func (s *Store) WorkerHeartbeat(ctx context.Context, id string) error {
	ctx = ensureContext(ctx)
	id = strings.TrimSpace(id)
	res, err := s.handle.Exec(ctx, `UPDATE workers SET heartbeat = ? WHERE worker_id = ?`, toNanos(s.clock()), id)
	if err != nil {
		return fmt.Errorf("worker heartbeat: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return taskerr.NotFound("worker heartbeat", 0, fmt.Sprintf("worker %q is not registered", id))
	}
	return nil
}

// ListWorkers returns registered workers ordered by id.
func (s *Store) ListWorkers(ctx context.Context) ([]*Worker, error) {
	ctx = ensureContext(ctx)
	rows, err := s.handle.DB().QueryContext(ctx,
		`SELECT worker_id, capabilities, heartbeat, registered_at FROM workers ORDER BY worker_id`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var workers []*Worker
	for rows.Next() {
		worker, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, worker)
	}
	return workers, rows.Err()
}

// touchWorker refreshes the heartbeat of workerID, registering it with caps on
// first sight. Existing capabilities are left alone.
func touchWorker(ctx context.Context, q storage.Queryer, workerID string, caps Capabilities, now time.Time) error {
	encoded, err := json.Marshal(caps)
	if err != nil {
		return fmt.Errorf("encode capabilities: %w", err)
	}
	if _, err := q.ExecContext(ctx,
		`INSERT INTO workers (worker_id, capabilities, heartbeat, registered_at) VALUES (?, ?, ?, ?)
         ON CONFLICT(worker_id) DO UPDATE SET heartbeat = excluded.heartbeat`,
		workerID, string(encoded), toNanos(now), toNanos(now),
	); err != nil {
		return fmt.Errorf("touch worker: %w", err)
	}
	return nil
}

func scanWorker(scanner interface{ Scan(dest ...any) error }) (*Worker, error) {
	var (
		worker       Worker
		capabilities sql.NullString
		heartbeat    int64
		registeredAt int64
	)
	if err := scanner.Scan(&worker.ID, &capabilities, &heartbeat, &registeredAt); err != nil {
		return nil, fmt.Errorf("scan worker: %w", err)
	}
	if capabilities.Valid && capabilities.String != "" {
		if err := json.Unmarshal([]byte(capabilities.String), &worker.Capabilities); err != nil {
			return nil, fmt.Errorf("decode capabilities for %s: %w", worker.ID, err)
		}
	}
	worker.Heartbeat = fromNanos(heartbeat)
	worker.RegisteredAt = fromNanos(registeredAt)
	return &worker, nil
}
