package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"taskqueue/internal/taskerr"
)

const (
	defaultBusyTimeout       = 5 * time.Second
	defaultCacheSizeKiB      = 64 * 1024
	defaultMMapSizeBytes     = 256 << 20
	defaultMaxOpenConns      = 8
	defaultBusyRetryAttempts = 5
)

// Options tunes the connection pool and the pragma set applied to every
// connection.
type Options struct {
	BusyTimeout       time.Duration
	CacheSizeKiB      int
	MMapSizeBytes     int64
	MaxOpenConns      int
	BusyRetryAttempts int
	// ReadOnly opens the file with query_only and skips WAL setup. Used to
	// inspect backups without modifying them.
	ReadOnly bool
}

func (o Options) withDefaults() Options {
	if o.BusyTimeout <= 0 {
		o.BusyTimeout = defaultBusyTimeout
	}
	if o.CacheSizeKiB <= 0 {
		o.CacheSizeKiB = defaultCacheSizeKiB
	}
	if o.MMapSizeBytes < 0 {
		o.MMapSizeBytes = 0
	} else if o.MMapSizeBytes == 0 {
		o.MMapSizeBytes = defaultMMapSizeBytes
	}
	if o.MaxOpenConns <= 0 {
		o.MaxOpenConns = defaultMaxOpenConns
	}
	if o.BusyRetryAttempts <= 0 {
		o.BusyRetryAttempts = defaultBusyRetryAttempts
	}
	return o
}

// Handle owns the connection pool for one database file.
type Handle struct {
	db      *sql.DB
	path    string
	opts    Options
	closeMu sync.Once
	closeErr error
}

// Open opens or creates the database at path and applies the pragma set.
func Open(ctx context.Context, path string, opts Options) (*Handle, error) {
	ctx = ensureContext(ctx)
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, taskerr.Schema("open database", "empty database path", nil)
	}
	opts = opts.withDefaults()

	if !opts.ReadOnly {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	} else if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("stat database: %w", err)
	}

	db, err := sql.Open("sqlite", buildDSN(path, opts))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxOpenConns)

	h := &Handle{db: db, path: path, opts: opts}
	if err := h.verifyPragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return h, nil
}

func buildDSN(path string, opts Options) string {
	params := url.Values{}
	params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", opts.BusyTimeout.Milliseconds()))
	if opts.ReadOnly {
		params.Add("_pragma", "query_only(1)")
		return path + "?" + params.Encode()
	}
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", "synchronous(NORMAL)")
	params.Add("_pragma", "foreign_keys(ON)")
	params.Add("_pragma", fmt.Sprintf("cache_size(-%d)", opts.CacheSizeKiB))
	params.Add("_pragma", fmt.Sprintf("mmap_size(%d)", opts.MMapSizeBytes))
	params.Add("_pragma", "temp_store(MEMORY)")
	return path + "?" + params.Encode()
}

func (h *Handle) verifyPragmas(ctx context.Context) error {
	if err := h.db.PingContext(ctx); err != nil {
		return taskerr.Schema("open database", "connect", err)
	}
	if h.opts.ReadOnly {
		return nil
	}

	var journalMode string
	if err := h.db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return taskerr.Schema("open database", "read journal_mode", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return taskerr.Schema("open database", fmt.Sprintf("journal_mode=%q, want wal", journalMode), nil)
	}

	var foreignKeys int
	if err := h.db.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&foreignKeys); err != nil {
		return taskerr.Schema("open database", "read foreign_keys", err)
	}
	if foreignKeys != 1 {
		return taskerr.Schema("open database", "foreign_keys not enabled", nil)
	}
	return nil
}

// Close releases the pool. Calling it more than once is safe.
func (h *Handle) Close() error {
	if h == nil || h.db == nil {
		return nil
	}
	h.closeMu.Do(func() {
		h.closeErr = h.db.Close()
	})
	return h.closeErr
}

// Path returns the database file location.
func (h *Handle) Path() string { return h.path }

// WALPath returns the write-ahead log sidecar location.
func (h *Handle) WALPath() string { return h.path + "-wal" }

// DB exposes the pool for read-only queries that need no snapshot.
func (h *Handle) DB() *sql.DB { return h.db }

// Raw hands the underlying driver connection to fn. The connection is pinned
// for the duration of the call.
func (h *Handle) Raw(ctx context.Context, fn func(driverConn any) error) error {
	ctx = ensureContext(ctx)
	conn, err := h.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()
	return conn.Raw(fn)
}

// Exec runs a single statement outside an explicit transaction, retrying while
// the database is busy.
func (h *Handle) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ctx = ensureContext(ctx)
	var (
		res     sql.Result
		execErr error
	)
	if err := retryOnBusy(ctx, h.opts.BusyRetryAttempts, func() error {
		res, execErr = h.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		if IsBusy(err) {
			return nil, taskerr.Busy("exec", err)
		}
		return nil, err
	}
	return res, nil
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

var errNilFunc = errors.New("transaction function is nil")
