package maintenance

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"
	"modernc.org/sqlite"

	"taskqueue/internal/logging"
	"taskqueue/internal/queue"
	"taskqueue/internal/storage"
	"taskqueue/internal/taskerr"
)

// backupConn is the online backup surface of the modernc driver connection.
type backupConn interface {
	NewBackup(dstURI string) (*sqlite.Backup, error)
}

const maxBusySteps = 50

// BackupInfo describes a backup file.
type BackupInfo struct {
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// Backup writes an online copy of the database into the backup directory.
func (s *Service) Backup(ctx context.Context) (BackupInfo, error) {
	if strings.TrimSpace(s.opts.BackupDir) == "" {
		return BackupInfo{}, taskerr.Maintenance("backup", "backup directory not configured", nil)
	}
	if err := os.MkdirAll(s.opts.BackupDir, 0o755); err != nil {
		return BackupInfo{}, taskerr.Maintenance("backup", "create backup directory", err)
	}
	created := s.now().UTC()
	name := backupPrefix + created.Format(backupTimeLayout) + backupSuffix
	info, err := s.BackupTo(ctx, filepath.Join(s.opts.BackupDir, name))
	if err != nil {
		return BackupInfo{}, err
	}
	info.CreatedAt = created
	return info, nil
}

// BackupTo copies the live database to dest through the SQLite backup API,
// a few pages at a time so writers are not starved.
func (s *Service) BackupTo(ctx context.Context, dest string) (BackupInfo, error) {
	dest = strings.TrimSpace(dest)
	if dest == "" {
		return BackupInfo{}, taskerr.Maintenance("backup", "destination is empty", nil)
	}
	if _, err := os.Stat(dest); err == nil {
		return BackupInfo{}, taskerr.Maintenance("backup", fmt.Sprintf("%s already exists", dest), nil)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return BackupInfo{}, taskerr.Maintenance("backup", "create destination directory", err)
	}
	if err := ensureFreeSpace(filepath.Dir(dest), fileSize(s.handle.Path())+fileSize(s.handle.WALPath())); err != nil {
		return BackupInfo{}, err
	}

	started := time.Now()
	err := s.handle.Raw(ctx, func(driverConn any) error {
		conn, ok := driverConn.(backupConn)
		if !ok {
			return taskerr.Maintenance("backup", "driver does not support online backup", nil)
		}
		bk, err := conn.NewBackup(dest)
		if err != nil {
			return taskerr.Maintenance("backup", "start backup", err)
		}
		return s.runBackup(ctx, bk)
	})
	if err != nil {
		_ = os.Remove(dest)
		return BackupInfo{}, err
	}

	info := BackupInfo{Path: dest, SizeBytes: fileSize(dest), CreatedAt: s.now().UTC()}
	s.logger.Info("backup written",
		logging.String("path", dest),
		logging.Int64("size_bytes", info.SizeBytes),
		logging.Duration("duration", time.Since(started)),
	)
	return info, nil
}

// runBackup steps bk to completion and always finishes it.
func (s *Service) runBackup(ctx context.Context, bk *sqlite.Backup) (err error) {
	defer func() {
		if finishErr := bk.Finish(); finishErr != nil && err == nil {
			err = taskerr.Maintenance("backup", "finish", finishErr)
		}
	}()

	busySteps := 0
	for {
		more, stepErr := bk.Step(int32(s.opts.PagesPerStep))
		switch {
		case stepErr != nil && storage.IsBusy(stepErr) && busySteps < maxBusySteps:
			busySteps++
			more = true
		case stepErr != nil:
			return taskerr.Maintenance("backup", "step", stepErr)
		default:
			busySteps = 0
		}
		if !more {
			return nil
		}
		if err := pause(ctx, s.opts.StepPause); err != nil {
			return err
		}
	}
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func ensureFreeSpace(dir string, need int64) error {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return taskerr.Maintenance("backup", "check free space", err)
	}
	free := stat.Bavail * uint64(stat.Bsize)
	if need > 0 && free < uint64(need) {
		return taskerr.Maintenance("backup",
			fmt.Sprintf("insufficient space in %s: need %d bytes, have %d", dir, need, free), nil)
	}
	return nil
}

// VerifyBackup opens path read-only and reports whether it passes the
// integrity check and contains the queue tables.
func (s *Service) VerifyBackup(ctx context.Context, path string) (bool, error) {
	handle, err := storage.Open(ctx, path, storage.Options{ReadOnly: true, MaxOpenConns: 1})
	if err != nil {
		return false, taskerr.Maintenance("verify backup", path, err)
	}
	defer handle.Close()

	problems, err := integrityCheck(ctx, handle)
	if err != nil {
		return false, err
	}
	if len(problems) > 0 {
		s.logger.Warn("backup failed integrity check",
			logging.String("path", path),
			logging.Any("problems", problems),
		)
		return false, nil
	}

	for _, table := range queue.Tables {
		var count int
		if err := handle.DB().QueryRowContext(ctx,
			"SELECT COUNT(1) FROM sqlite_master WHERE type = 'table' AND name = ?", table,
		).Scan(&count); err != nil {
			return false, taskerr.Maintenance("verify backup", table, err)
		}
		if count == 0 {
			s.logger.Warn("backup missing table", logging.String("path", path), logging.String("table", table))
			return false, nil
		}
	}
	return true, nil
}

// Restore replaces the live database contents with the backup at path. The
// backup must verify first, and the restore refuses to run while another
// process holds the daemon lock.
func (s *Service) Restore(ctx context.Context, path string) error {
	ok, err := s.VerifyBackup(ctx, path)
	if err != nil {
		return err
	}
	if !ok {
		return taskerr.Maintenance("restore", fmt.Sprintf("backup %s failed verification", path), nil)
	}

	lock := flock.New(s.handle.Path() + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return taskerr.Maintenance("restore", "acquire lock", err)
	}
	if !locked {
		return taskerr.Maintenance("restore", "database is in use by the daemon; stop it first", nil)
	}
	defer func() { _ = lock.Unlock() }()

	source, err := storage.Open(ctx, path, storage.Options{ReadOnly: true, MaxOpenConns: 1})
	if err != nil {
		return taskerr.Maintenance("restore", "open backup", err)
	}
	defer source.Close()

	err = source.Raw(ctx, func(driverConn any) error {
		conn, ok := driverConn.(backupConn)
		if !ok {
			return taskerr.Maintenance("restore", "driver does not support online backup", nil)
		}
		bk, err := conn.NewBackup(s.handle.Path())
		if err != nil {
			return taskerr.Maintenance("restore", "start restore", err)
		}
		return s.runBackup(ctx, bk)
	})
	if err != nil {
		return err
	}

	problems, err := s.IntegrityCheck(ctx)
	if err != nil {
		return err
	}
	if len(problems) > 0 {
		return taskerr.Maintenance("restore", "restored database failed integrity check: "+strings.Join(problems, "; "), nil)
	}
	s.logger.Info("database restored", logging.String("source", path))
	return nil
}

// ListBackups returns backups in the backup directory, newest first.
func (s *Service) ListBackups() ([]BackupInfo, error) {
	entries, err := os.ReadDir(s.opts.BackupDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, taskerr.Maintenance("list backups", s.opts.BackupDir, err)
	}

	var backups []BackupInfo
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, backupPrefix) || !strings.HasSuffix(name, backupSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		created, err := time.Parse(backupTimeLayout, strings.TrimSuffix(strings.TrimPrefix(name, backupPrefix), backupSuffix))
		if err != nil {
			created = info.ModTime().UTC()
		}
		backups = append(backups, BackupInfo{
			Path:      filepath.Join(s.opts.BackupDir, name),
			SizeBytes: info.Size(),
			CreatedAt: created,
		})
	}
	slices.SortFunc(backups, func(a, b BackupInfo) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.Path, a.Path)
	})
	return backups, nil
}

// PruneBackups deletes all but the newest keep backups and returns the removed
// paths.
func (s *Service) PruneBackups(keep int) ([]string, error) {
	if keep < 0 {
		keep = 0
	}
	backups, err := s.ListBackups()
	if err != nil {
		return nil, err
	}
	if len(backups) <= keep {
		return nil, nil
	}

	var (
		removed []string
		result  *multierror.Error
	)
	for _, backup := range backups[keep:] {
		if err := os.Remove(backup.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			result = multierror.Append(result, fmt.Errorf("remove %s: %w", backup.Path, err))
			continue
		}
		removed = append(removed, backup.Path)
	}
	if len(removed) > 0 {
		s.logger.Info("pruned backups", logging.Int("removed", len(removed)), logging.Int("kept", keep))
	}
	return removed, result.ErrorOrNil()
}
