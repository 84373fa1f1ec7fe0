package config

import (
	"errors"
	"fmt"
	"strings"
)

var (
	validStrategies      = []string{"fifo", "lifo", "priority", "weighted"}
	validExecutionModes  = []string{"inprocess", "subprocess"}
	validCheckpointModes = []string{"passive", "full", "restart", "truncate"}
	validLogLevels       = []string{"debug", "info", "warn", "warning", "error"}
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateWorkers(); err != nil {
		return err
	}
	if err := c.validateMaintenance(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.Database) == "" {
		return errors.New("paths.database must be set")
	}
	if strings.TrimSpace(c.Paths.BackupDir) == "" {
		return errors.New("paths.backup_dir must be set")
	}
	return nil
}

func (c *Config) validateStorage() error {
	if err := ensurePositiveMap(map[string]int{
		"storage.busy_timeout_ms":     c.Storage.BusyTimeoutMS,
		"storage.cache_size_kib":      c.Storage.CacheSizeKiB,
		"storage.max_open_conns":      c.Storage.MaxOpenConns,
		"storage.busy_retry_attempts": c.Storage.BusyRetryAttempts,
	}); err != nil {
		return err
	}
	if c.Storage.MMapSizeMiB < 0 {
		return errors.New("storage.mmap_size_mib must be >= 0")
	}
	return nil
}

func (c *Config) validateQueue() error {
	if err := ensurePositiveMap(map[string]int{
		"queue.default_lease_seconds":    c.Queue.DefaultLeaseSeconds,
		"queue.default_max_attempts":     c.Queue.DefaultMaxAttempts,
		"queue.cleanup_interval_seconds": c.Queue.CleanupIntervalSeconds,
		"queue.weighted_window":          c.Queue.WeightedWindow,
	}); err != nil {
		return err
	}
	if !contains(validStrategies, c.Queue.DefaultStrategy) {
		return fmt.Errorf("queue.default_strategy must be one of %s", strings.Join(validStrategies, ", "))
	}
	return nil
}

func (c *Config) validateWorkers() error {
	if err := ensurePositiveMap(map[string]int{
		"workers.max_concurrent":             c.Workers.MaxConcurrent,
		"workers.poll_interval_seconds":      c.Workers.PollIntervalSeconds,
		"workers.heartbeat_interval_seconds": c.Workers.HeartbeatIntervalSeconds,
	}); err != nil {
		return err
	}
	if !contains(validExecutionModes, c.Workers.ExecutionMode) {
		return fmt.Errorf("workers.execution_mode must be one of %s", strings.Join(validExecutionModes, ", "))
	}
	if c.Workers.HeartbeatIntervalSeconds >= c.Queue.DefaultLeaseSeconds {
		return errors.New("workers.heartbeat_interval_seconds must be less than queue.default_lease_seconds")
	}
	return nil
}

func (c *Config) validateMaintenance() error {
	if err := ensurePositiveMap(map[string]int{
		"maintenance.checkpoint_interval_seconds": c.Maintenance.CheckpointIntervalSeconds,
		"maintenance.analyze_interval_seconds":    c.Maintenance.AnalyzeIntervalSeconds,
		"maintenance.backup_pages_per_step":       c.Maintenance.BackupPagesPerStep,
	}); err != nil {
		return err
	}
	if !contains(validCheckpointModes, c.Maintenance.CheckpointMode) {
		return fmt.Errorf("maintenance.checkpoint_mode must be one of %s", strings.Join(validCheckpointModes, ", "))
	}
	if c.Maintenance.BackupIntervalSeconds < 0 {
		return errors.New("maintenance.backup_interval_seconds must be >= 0 (0 disables scheduled backups)")
	}
	if c.Maintenance.BackupKeep < 1 {
		return errors.New("maintenance.backup_keep must be >= 1")
	}
	if c.Maintenance.WALTruncateThresholdMiB < 0 {
		return errors.New("maintenance.wal_truncate_threshold_mib must be >= 0")
	}
	if c.Maintenance.VacuumWindow != "" {
		if _, err := ParseWindow(c.Maintenance.VacuumWindow); err != nil {
			return fmt.Errorf("maintenance.vacuum_window: %w", err)
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	if !contains(validLogLevels, c.Logging.Level) {
		return fmt.Errorf("logging.level must be one of %s", strings.Join(validLogLevels, ", "))
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}

func contains(values []string, candidate string) bool {
	for _, value := range values {
		if value == candidate {
			return true
		}
	}
	return false
}
