package daemon

import (
	"context"
	"errors"
	"time"

	"taskqueue/internal/logging"
	"taskqueue/internal/maintenance"
)

const (
	vacuumCheckInterval  = 10 * time.Minute
	purgeInterval        = time.Hour
	logRetentionInterval = 24 * time.Hour
	// vacuumCooldown keeps a window from triggering more than one vacuum.
	vacuumCooldown = 12 * time.Hour
)

type job struct {
	name      string
	interval  time.Duration
	immediate bool
	run       func(ctx context.Context) error
}

// schedule lists the enabled loops. A zero interval disables a loop.
func (d *Daemon) schedule() []job {
	m := d.cfg.Maintenance
	seconds := func(n int) time.Duration { return time.Duration(n) * time.Second }

	jobs := []job{
		{name: "lease_recovery", interval: d.cfg.Queue.CleanupInterval(), immediate: true, run: d.RecoverLeases},
		{name: "checkpoint", interval: seconds(m.CheckpointIntervalSeconds), run: d.CheckpointWAL},
		{name: "analyze", interval: seconds(m.AnalyzeIntervalSeconds), run: d.AnalyzeDB},
		{name: "backup", interval: seconds(m.BackupIntervalSeconds), run: d.BackupAndPrune},
		{name: "vacuum", interval: vacuumCheckInterval, run: func(ctx context.Context) error {
			_, err := d.VacuumIfInWindow(ctx)
			return err
		}},
		{name: "log_retention", interval: logRetentionInterval, immediate: true, run: d.PruneLogFiles},
	}
	if m.PurgeAfterDays > 0 {
		jobs = append(jobs, job{name: "purge", interval: purgeInterval, run: d.PurgeFinished})
	}

	enabled := jobs[:0]
	for _, j := range jobs {
		if j.interval > 0 {
			enabled = append(enabled, j)
		}
	}
	return enabled
}

func (d *Daemon) runJob(ctx context.Context, j job) {
	defer d.wg.Done()
	if j.immediate {
		d.invoke(ctx, j)
	}
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.invoke(ctx, j)
		}
	}
}

func (d *Daemon) invoke(ctx context.Context, j job) {
	err := j.run(ctx)
	if err != nil && errors.Is(err, context.Canceled) {
		return
	}

	d.mu.Lock()
	status, ok := d.jobs[j.name]
	if !ok {
		status = &JobStatus{Name: j.name, Interval: j.interval}
		d.jobs[j.name] = status
	}
	status.Runs++
	status.LastRun = d.now()
	status.LastError = ""
	if err != nil {
		status.LastError = err.Error()
	}
	d.mu.Unlock()

	if err != nil {
		logging.WarnWithContext(d.logger, "maintenance job failed", "maintenance_failed",
			logging.String("job", j.name),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "the job retries on its next interval"),
			logging.String(logging.FieldImpact, "database housekeeping delayed"),
		)
	}
}

// RecoverLeases requeues or fails tasks whose leases expired past the grace
// period.
func (d *Daemon) RecoverLeases(ctx context.Context) error {
	_, err := d.store.CleanupStaleLeases(ctx, d.cfg.Queue.StaleGrace())
	return err
}

// CheckpointWAL runs the configured checkpoint, escalating to truncate when
// the WAL has grown past the threshold.
func (d *Daemon) CheckpointWAL(ctx context.Context) error {
	mode, err := maintenance.ParseCheckpointMode(d.cfg.Maintenance.CheckpointMode)
	if err != nil {
		return err
	}
	stats, err := d.maint.Stats(ctx)
	if err != nil {
		return err
	}
	threshold := int64(d.cfg.Maintenance.WALTruncateThresholdMiB) << 20
	if threshold > 0 && stats.WALSizeBytes > threshold {
		d.logger.Info("wal over threshold; truncating",
			logging.Int64("wal_bytes", stats.WALSizeBytes),
			logging.Int64("threshold_bytes", threshold),
		)
		mode = maintenance.CheckpointTruncate
	}
	result, err := d.maint.Checkpoint(ctx, mode)
	if err != nil {
		return err
	}
	if result.Busy {
		d.logger.Debug("checkpoint could not complete; readers active", logging.String("mode", string(mode)))
	}
	return nil
}

// AnalyzeDB refreshes planner statistics.
func (d *Daemon) AnalyzeDB(ctx context.Context) error {
	return d.maint.Analyze(ctx, "")
}

// BackupAndPrune writes a backup and trims old ones to the configured count.
func (d *Daemon) BackupAndPrune(ctx context.Context) error {
	if _, err := d.maint.Backup(ctx); err != nil {
		return err
	}
	if keep := d.cfg.Maintenance.BackupKeep; keep > 0 {
		if _, err := d.maint.PruneBackups(keep); err != nil {
			return err
		}
	}
	return nil
}

// VacuumIfInWindow vacuums once per configured window. It reports whether a
// vacuum ran.
func (d *Daemon) VacuumIfInWindow(ctx context.Context) (bool, error) {
	now := d.now()
	if !d.window.Contains(now) {
		return false, nil
	}
	d.mu.Lock()
	recent := !d.lastVacuum.IsZero() && now.Sub(d.lastVacuum) < vacuumCooldown
	d.mu.Unlock()
	if recent {
		return false, nil
	}
	if err := d.maint.Vacuum(ctx); err != nil {
		return false, err
	}
	d.mu.Lock()
	d.lastVacuum = now
	d.mu.Unlock()
	return true, nil
}

// PurgeFinished deletes terminal tasks and audit entries older than the
// configured retention.
func (d *Daemon) PurgeFinished(ctx context.Context) error {
	days := d.cfg.Maintenance.PurgeAfterDays
	if days <= 0 {
		return nil
	}
	cutoff := d.now().AddDate(0, 0, -days)
	if _, err := d.store.PurgeTerminal(ctx, cutoff); err != nil {
		return err
	}
	_, err := d.store.PruneLogs(ctx, cutoff)
	return err
}

// PruneLogFiles removes daemon and worker log files past the retention
// period, keeping the active daemon log.
func (d *Daemon) PruneLogFiles(context.Context) error {
	logging.CleanupOldLogs(d.logger, d.now(), d.cfg.Logging.RetentionDays, logging.RetentionTarget{
		Dir:     d.cfg.Paths.LogDir,
		Pattern: "*.log",
		Exclude: []string{d.logPath},
	})
	return nil
}
