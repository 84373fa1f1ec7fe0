package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeQueue()
	c.normalizeWorkers()
	c.normalizeMaintenance()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}

	if value, ok := os.LookupEnv("TASKQUEUE_DB"); ok && strings.TrimSpace(value) != "" {
		c.Paths.Database = strings.TrimSpace(value)
	}
	if strings.TrimSpace(c.Paths.Database) == "" {
		c.Paths.Database = filepath.Join(c.Paths.DataDir, defaultDatabaseName)
	}
	if c.Paths.Database, err = expandPath(c.Paths.Database); err != nil {
		return fmt.Errorf("paths.database: %w", err)
	}

	if value, ok := os.LookupEnv("TASKQUEUE_BACKUP_DIR"); ok && strings.TrimSpace(value) != "" {
		c.Paths.BackupDir = strings.TrimSpace(value)
	}
	if strings.TrimSpace(c.Paths.BackupDir) == "" {
		c.Paths.BackupDir = filepath.Join(c.Paths.DataDir, defaultBackupDirName)
	}
	if c.Paths.BackupDir, err = expandPath(c.Paths.BackupDir); err != nil {
		return fmt.Errorf("paths.backup_dir: %w", err)
	}

	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = filepath.Join(c.Paths.DataDir, defaultLogDirName)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeQueue() {
	c.Queue.DefaultStrategy = strings.ToLower(strings.TrimSpace(c.Queue.DefaultStrategy))
	if c.Queue.DefaultStrategy == "" {
		c.Queue.DefaultStrategy = defaultStrategy
	}
	if c.Queue.StaleLeaseGraceSeconds < 0 {
		c.Queue.StaleLeaseGraceSeconds = 0
	}
	if c.Queue.RetryDelaySeconds < 0 {
		c.Queue.RetryDelaySeconds = 0
	}
}

func (c *Config) normalizeWorkers() {
	c.Workers.ExecutionMode = strings.ToLower(strings.TrimSpace(c.Workers.ExecutionMode))
	if c.Workers.ExecutionMode == "" {
		c.Workers.ExecutionMode = defaultExecutionMode
	}
	if len(c.Workers.Commands) == 0 {
		c.Workers.Commands = nil
		return
	}
	commands := make(map[string]string, len(c.Workers.Commands))
	for taskType, command := range c.Workers.Commands {
		taskType = strings.TrimSpace(taskType)
		command = strings.TrimSpace(command)
		if taskType == "" || command == "" {
			continue
		}
		commands[taskType] = command
	}
	c.Workers.Commands = commands
}

func (c *Config) normalizeMaintenance() {
	c.Maintenance.CheckpointMode = strings.ToLower(strings.TrimSpace(c.Maintenance.CheckpointMode))
	if c.Maintenance.CheckpointMode == "" {
		c.Maintenance.CheckpointMode = defaultCheckpointMode
	}
	c.Maintenance.VacuumWindow = strings.TrimSpace(c.Maintenance.VacuumWindow)
	if c.Maintenance.PurgeAfterDays < 0 {
		c.Maintenance.PurgeAfterDays = 0
	}
	if c.Maintenance.BackupStepPauseMS < 0 {
		c.Maintenance.BackupStepPauseMS = 0
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	if value, ok := os.LookupEnv("TASKQUEUE_LOG_LEVEL"); ok && strings.TrimSpace(value) != "" {
		c.Logging.Level = value
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}
