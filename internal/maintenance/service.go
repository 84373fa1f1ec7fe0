package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"taskqueue/internal/config"
	"taskqueue/internal/logging"
	"taskqueue/internal/queue"
	"taskqueue/internal/storage"
	"taskqueue/internal/taskerr"
)

const (
	defaultPagesPerStep = 256
	backupPrefix        = "taskqueue-"
	backupSuffix        = ".db"
	backupTimeLayout    = "20060102T150405.000Z"
)

// Options controls backup placement and pacing.
type Options struct {
	BackupDir    string
	PagesPerStep int
	StepPause    time.Duration
}

// OptionsFromConfig extracts maintenance options from cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		BackupDir:    cfg.Paths.BackupDir,
		PagesPerStep: cfg.Maintenance.BackupPagesPerStep,
		StepPause:    time.Duration(cfg.Maintenance.BackupStepPauseMS) * time.Millisecond,
	}
}

// Option customizes a Service.
type Option func(*Service)

// WithNow replaces the clock used to name backups.
func WithNow(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logging.NewComponentLogger(logger, "maintenance")
	}
}

// Service runs housekeeping against a live queue database.
type Service struct {
	handle *storage.Handle
	opts   Options
	now    func() time.Time
	logger *slog.Logger
}

// New builds a Service around an open handle. The caller keeps ownership of
// handle.
func New(handle *storage.Handle, opts Options, options ...Option) *Service {
	if opts.PagesPerStep <= 0 {
		opts.PagesPerStep = defaultPagesPerStep
	}
	if opts.StepPause < 0 {
		opts.StepPause = 0
	}
	s := &Service{
		handle: handle,
		opts:   opts,
		now:    time.Now,
		logger: logging.NewNop(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// CheckpointMode selects how aggressively the WAL is folded into the database.
type CheckpointMode string

const (
	CheckpointPassive  CheckpointMode = "passive"
	CheckpointFull     CheckpointMode = "full"
	CheckpointRestart  CheckpointMode = "restart"
	CheckpointTruncate CheckpointMode = "truncate"
)

var checkpointModes = []CheckpointMode{CheckpointPassive, CheckpointFull, CheckpointRestart, CheckpointTruncate}

// ParseCheckpointMode validates a mode name.
func ParseCheckpointMode(value string) (CheckpointMode, error) {
	mode := CheckpointMode(strings.ToLower(strings.TrimSpace(value)))
	if mode == "" {
		return CheckpointPassive, nil
	}
	if !slices.Contains(checkpointModes, mode) {
		return "", taskerr.Invalid("checkpoint", fmt.Sprintf("unknown checkpoint mode %q", value), nil)
	}
	return mode, nil
}

// CheckpointResult mirrors the wal_checkpoint pragma output.
type CheckpointResult struct {
	Busy               bool `json:"busy"`
	LogFrames          int  `json:"log_frames"`
	CheckpointedFrames int  `json:"checkpointed_frames"`
}

// Checkpoint folds the WAL into the main database file.
func (s *Service) Checkpoint(ctx context.Context, mode CheckpointMode) (CheckpointResult, error) {
	mode, err := ParseCheckpointMode(string(mode))
	if err != nil {
		return CheckpointResult{}, err
	}
	var (
		busy   int
		result CheckpointResult
	)
	query := fmt.Sprintf("PRAGMA wal_checkpoint(%s)", strings.ToUpper(string(mode)))
	if err := s.handle.DB().QueryRowContext(ctx, query).Scan(&busy, &result.LogFrames, &result.CheckpointedFrames); err != nil {
		if storage.IsBusy(err) {
			return CheckpointResult{}, taskerr.Busy("checkpoint", err)
		}
		return CheckpointResult{}, taskerr.Maintenance("checkpoint", string(mode), err)
	}
	result.Busy = busy != 0
	s.logger.Debug("wal checkpoint",
		logging.String("mode", string(mode)),
		logging.Bool("busy", result.Busy),
		logging.Int("log_frames", result.LogFrames),
		logging.Int("checkpointed_frames", result.CheckpointedFrames),
	)
	return result, nil
}

// Vacuum rebuilds the database file. It blocks every other writer for its
// duration and should only run when the queue is idle.
func (s *Service) Vacuum(ctx context.Context) error {
	started := time.Now()
	if _, err := s.handle.Exec(ctx, "VACUUM"); err != nil {
		if taskerr.IsBusy(err) {
			return err
		}
		return taskerr.Maintenance("vacuum", "", err)
	}
	s.logger.Info("vacuum complete", logging.Duration("duration", time.Since(started)))
	return nil
}

// Analyze refreshes planner statistics for table, or for every table when
// table is empty.
func (s *Service) Analyze(ctx context.Context, table string) error {
	table = strings.TrimSpace(table)
	stmt := "ANALYZE"
	if table != "" {
		if !slices.Contains(queue.Tables, table) {
			return taskerr.Invalid("analyze", fmt.Sprintf("unknown table %q", table), nil)
		}
		stmt = "ANALYZE " + table
	}
	if _, err := s.handle.Exec(ctx, stmt); err != nil {
		if taskerr.IsBusy(err) {
			return err
		}
		return taskerr.Maintenance("analyze", table, err)
	}
	return nil
}

// IntegrityCheck runs PRAGMA integrity_check and returns the reported
// problems. An empty slice means the database is healthy.
func (s *Service) IntegrityCheck(ctx context.Context) ([]string, error) {
	return integrityCheck(ctx, s.handle)
}

func integrityCheck(ctx context.Context, handle *storage.Handle) ([]string, error) {
	rows, err := handle.DB().QueryContext(ctx, "PRAGMA integrity_check")
	if err != nil {
		return nil, taskerr.Maintenance("integrity check", "", err)
	}
	defer rows.Close()
	var problems []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, taskerr.Maintenance("integrity check", "scan", err)
		}
		if !strings.EqualFold(line, "ok") {
			problems = append(problems, line)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, taskerr.Maintenance("integrity check", "", err)
	}
	return problems, nil
}

// DBStats describes the physical state of the database file.
type DBStats struct {
	FileSizeBytes      int64   `json:"file_size_bytes"`
	WALSizeBytes       int64   `json:"wal_size_bytes"`
	PageCount          int64   `json:"page_count"`
	PageSize           int64   `json:"page_size"`
	FreePages          int64   `json:"free_pages"`
	FragmentationRatio float64 `json:"fragmentation_ratio"`
}

// Stats reports file and page statistics.
func (s *Service) Stats(ctx context.Context) (DBStats, error) {
	var stats DBStats
	db := s.handle.DB()
	for _, probe := range []struct {
		pragma string
		dest   *int64
	}{
		{"page_count", &stats.PageCount},
		{"page_size", &stats.PageSize},
		{"freelist_count", &stats.FreePages},
	} {
		if err := db.QueryRowContext(ctx, "PRAGMA "+probe.pragma).Scan(probe.dest); err != nil {
			return DBStats{}, taskerr.Maintenance("stats", probe.pragma, err)
		}
	}
	if stats.PageCount > 0 {
		stats.FragmentationRatio = float64(stats.FreePages) / float64(stats.PageCount)
	}
	stats.FileSizeBytes = fileSize(s.handle.Path())
	stats.WALSizeBytes = fileSize(s.handle.WALPath())
	return stats, nil
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
