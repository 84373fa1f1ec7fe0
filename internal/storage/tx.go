package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"

	"taskqueue/internal/taskerr"
)

// Queryer is the statement surface shared by pooled and pinned connections.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ReadTx runs fn inside a deferred transaction so every statement sees the
// same snapshot.
func (h *Handle) ReadTx(ctx context.Context, fn func(q Queryer) error) error {
	return h.runTx(ctx, "read transaction", "BEGIN DEFERRED", fn)
}

// WriteTx runs fn inside BEGIN IMMEDIATE so the write lock is taken up front.
// The whole attempt is retried while the database is busy; fn must therefore
// be safe to run more than once.
func (h *Handle) WriteTx(ctx context.Context, fn func(q Queryer) error) error {
	return h.runTx(ctx, "write transaction", "BEGIN IMMEDIATE", fn)
}

func (h *Handle) runTx(ctx context.Context, op, begin string, fn func(q Queryer) error) error {
	if fn == nil {
		return errNilFunc
	}
	ctx = ensureContext(ctx)
	err := retryOnBusy(ctx, h.opts.BusyRetryAttempts, func() error {
		return h.txOnce(ctx, begin, fn)
	})
	if err != nil && IsBusy(err) && !taskerr.IsBusy(err) {
		return taskerr.Busy(op, err)
	}
	return err
}

func (h *Handle) txOnce(ctx context.Context, begin string, fn func(q Queryer) error) (err error) {
	conn, err := h.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, begin); err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if _, rbErr := conn.ExecContext(context.Background(), "ROLLBACK"); rbErr != nil {
			// Drop the connection instead of returning it to the pool with an
			// open transaction.
			_ = conn.Raw(func(any) error { return driver.ErrBadConn })
		}
	}()

	if err := fn(conn); err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}
