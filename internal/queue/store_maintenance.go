package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/samber/lo"

	"taskqueue/internal/logging"
	"taskqueue/internal/storage"
)

// Stats summarizes the queue from one consistent snapshot.
func (s *Store) Stats(ctx context.Context) (QueueStats, error) {
	ctx = ensureContext(ctx)
	var stats QueueStats
	err := s.handle.ReadTx(ctx, func(q storage.Queryer) error {
		now := s.clock()
		stats = QueueStats{TotalByStatus: make(map[Status]int, len(allStatuses))}
		for _, status := range allStatuses {
			stats.TotalByStatus[status] = 0
		}

		rows, err := q.QueryContext(ctx, `SELECT status, COUNT(1) FROM task_queue GROUP BY status`)
		if err != nil {
			return fmt.Errorf("queue stats: %w", err)
		}
		for rows.Next() {
			var (
				status string
				count  int
			)
			if err := rows.Scan(&status, &count); err != nil {
				rows.Close()
				return err
			}
			stats.TotalByStatus[Status(status)] = count
			stats.Total += count
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		var oldest sql.NullInt64
		if err := q.QueryRowContext(ctx,
			`SELECT MIN(created_at) FROM task_queue WHERE status = ?`, StatusQueued,
		).Scan(&oldest); err != nil {
			return fmt.Errorf("oldest queued: %w", err)
		}
		if oldest.Valid {
			stats.OldestQueuedAgeSeconds = max(0, now.Sub(fromNanos(oldest.Int64)).Seconds())
		}

		if err := q.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM task_queue WHERE status = ? AND lease_until <= ?`, StatusProcessing, toNanos(now),
		).Scan(&stats.ExpiredLeases); err != nil {
			return fmt.Errorf("expired leases: %w", err)
		}
		if err := q.QueryRowContext(ctx, `SELECT COUNT(1) FROM workers`).Scan(&stats.Workers); err != nil {
			return fmt.Errorf("count workers: %w", err)
		}
		return nil
	})
	return stats, err
}

// CheckHealth returns diagnostic information about the queue database. Failed
// probes are reported in the result; the error is reserved for problems that
// stop the check itself.
func (s *Store) CheckHealth(ctx context.Context) (DatabaseHealth, error) {
	ctx = ensureContext(ctx)
	health := DatabaseHealth{DBPath: s.Path()}

	info, err := os.Stat(health.DBPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return health, nil
		}
		return health, fmt.Errorf("stat queue database: %w", err)
	}
	if info.IsDir() {
		return health, fmt.Errorf("queue database path %q is a directory", health.DBPath)
	}
	health.DatabaseExists = true

	connCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	db := s.handle.DB()
	if err := db.PingContext(connCtx); err != nil {
		health.Error = err.Error()
		return health, nil
	}
	health.DatabaseReadable = true

	if err := db.QueryRowContext(connCtx, "PRAGMA journal_mode").Scan(&health.JournalMode); err != nil {
		health.Error = err.Error()
		return health, nil
	}

	present, err := existingTables(connCtx, db)
	if err != nil {
		health.Error = err.Error()
		return health, nil
	}
	health.TablesPresent = lo.Filter(Tables, func(table string, _ int) bool { return slices.Contains(present, table) })
	health.MissingTables = lo.Filter(Tables, func(table string, _ int) bool { return !slices.Contains(present, table) })

	for _, table := range health.TablesPresent {
		missing, err := missingColumns(connCtx, db, table)
		if err != nil {
			health.Error = err.Error()
			return health, nil
		}
		for _, col := range missing {
			health.MissingColumns = append(health.MissingColumns, table+"."+col)
		}
	}

	if slices.Contains(health.TablesPresent, "schema_version") {
		if err := db.QueryRowContext(connCtx, "SELECT version FROM schema_version LIMIT 1").Scan(&health.SchemaVersion); err != nil && !errors.Is(err, sql.ErrNoRows) {
			health.Error = err.Error()
			return health, nil
		}
	}
	if slices.Contains(health.TablesPresent, "task_queue") {
		if err := db.QueryRowContext(connCtx, "SELECT COUNT(*) FROM task_queue").Scan(&health.TotalTasks); err != nil {
			health.Error = err.Error()
			return health, nil
		}
	}

	var integrity string
	if err := db.QueryRowContext(connCtx, "PRAGMA integrity_check").Scan(&integrity); err != nil {
		health.Error = err.Error()
		return health, nil
	}
	health.IntegrityCheck = strings.EqualFold(integrity, "ok")
	return health, nil
}

func existingTables(ctx context.Context, q storage.Queryer) ([]string, error) {
	rows, err := q.QueryContext(ctx, "SELECT name FROM sqlite_master WHERE type = 'table'")
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// PurgeTerminal deletes completed, failed, and cancelled tasks that finished
// before olderThan. Their audit logs go with them.
func (s *Store) PurgeTerminal(ctx context.Context, olderThan time.Time) (int, error) {
	ctx = ensureContext(ctx)
	var ids []int64
	err := s.handle.WriteTx(ctx, func(q storage.Queryer) error {
		rows, err := q.QueryContext(ctx,
			`DELETE FROM task_queue
             WHERE status IN (?, ?, ?) AND COALESCE(finished_at, updated_at) < ?
             RETURNING id`,
			StatusCompleted, StatusFailed, StatusCancelled, toNanos(olderThan),
		)
		if err != nil {
			return fmt.Errorf("purge terminal tasks: %w", err)
		}
		ids, err = collectIDs(rows)
		return err
	})
	if err != nil {
		return 0, err
	}
	if len(ids) > 0 {
		s.logger.Info("purged finished tasks",
			logging.Int("count", len(ids)),
			logging.String("older_than", olderThan.UTC().Format(time.RFC3339)),
		)
	}
	return len(ids), nil
}

// PruneLogs deletes audit entries written before olderThan.
func (s *Store) PruneLogs(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.handle.Exec(ensureContext(ctx), `DELETE FROM task_logs WHERE at < ?`, toNanos(olderThan))
	if err != nil {
		return 0, fmt.Errorf("prune task logs: %w", err)
	}
	removed, _ := res.RowsAffected()
	return removed, nil
}
