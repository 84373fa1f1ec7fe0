package queue

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"taskqueue/internal/storage"
	"taskqueue/internal/taskerr"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is the current schema version. Bump this when the schema changes.
const schemaVersion = 1

// Tables lists every table the queue owns, in creation order.
var Tables = []string{"task_queue", "workers", "task_logs", "schema_version"}

var expectedColumns = map[string][]string{
	"task_queue": {
		"id", "type", "priority", "payload", "compatibility", "compat_region", "compat_format",
		"status", "attempts", "max_attempts", "run_after", "lease_until", "locked_by",
		"error_message", "idempotency_key", "result", "created_at", "updated_at",
		"processing_started_at", "finished_at",
	},
	"workers":        {"worker_id", "capabilities", "heartbeat", "registered_at"},
	"task_logs":      {"log_id", "task_id", "at", "level", "message", "details"},
	"schema_version": {"version"},
}

func (s *Store) initSchema(ctx context.Context) error {
	return s.handle.WriteTx(ctx, func(q storage.Queryer) error {
		if _, err := q.ExecContext(ctx, schemaSQL); err != nil {
			return taskerr.Schema("initialize schema", "create tables", err)
		}

		var version int
		err := q.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := q.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
				return taskerr.Schema("initialize schema", "record version", err)
			}
		case err != nil:
			return taskerr.Schema("initialize schema", "read version", err)
		case version != schemaVersion:
			return taskerr.Schema("initialize schema",
				fmt.Sprintf("database has version %d, expected %d (restore a matching backup or delete the database)", version, schemaVersion), nil)
		}

		for _, table := range Tables {
			missing, err := missingColumns(ctx, q, table)
			if err != nil {
				return taskerr.Schema("verify schema", table, err)
			}
			if len(missing) > 0 {
				return taskerr.Schema("verify schema",
					fmt.Sprintf("table %s missing columns: %s", table, strings.Join(missing, ", ")), nil)
			}
		}
		return nil
	})
}

func tableColumns(ctx context.Context, q storage.Queryer, table string) ([]string, error) {
	rows, err := q.QueryContext(ctx, "SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return nil, fmt.Errorf("table info: %w", err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table info: %w", err)
		}
		columns = append(columns, name)
	}
	return columns, rows.Err()
}

func missingColumns(ctx context.Context, q storage.Queryer, table string) ([]string, error) {
	columns, err := tableColumns(ctx, q, table)
	if err != nil {
		return nil, err
	}
	present := make(map[string]struct{}, len(columns))
	for _, col := range columns {
		present[col] = struct{}{}
	}
	var missing []string
	for _, col := range expectedColumns[table] {
		if _, ok := present[col]; !ok {
			missing = append(missing, col)
		}
	}
	return missing, nil
}
