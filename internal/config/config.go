package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains file and directory locations.
type Paths struct {
	DataDir   string `toml:"data_dir"`
	Database  string `toml:"database"`
	BackupDir string `toml:"backup_dir"`
	LogDir    string `toml:"log_dir"`
}

// Storage contains SQLite connection tuning.
type Storage struct {
	BusyTimeoutMS     int `toml:"busy_timeout_ms"`
	CacheSizeKiB      int `toml:"cache_size_kib"`
	MMapSizeMiB       int `toml:"mmap_size_mib"`
	MaxOpenConns      int `toml:"max_open_conns"`
	BusyRetryAttempts int `toml:"busy_retry_attempts"`
}

// Queue contains claim, lease, and recovery defaults.
type Queue struct {
	DefaultLeaseSeconds    int    `toml:"default_lease_seconds"`
	DefaultMaxAttempts     int    `toml:"default_max_attempts"`
	DefaultStrategy        string `toml:"default_strategy"`
	StaleLeaseGraceSeconds int    `toml:"stale_lease_grace_seconds"`
	CleanupIntervalSeconds int    `toml:"cleanup_interval_seconds"`
	RecoverOnClaim         bool   `toml:"recover_on_claim"`
	WeightedWindow         int    `toml:"weighted_window"`
	RetryDelaySeconds      int    `toml:"retry_delay_seconds"`
}

// Workers contains worker pool settings.
type Workers struct {
	MaxConcurrent            int               `toml:"max_concurrent"`
	PollIntervalSeconds      int               `toml:"poll_interval_seconds"`
	HeartbeatIntervalSeconds int               `toml:"heartbeat_interval_seconds"`
	ExecutionMode            string            `toml:"execution_mode"`
	Commands                 map[string]string `toml:"commands"`
}

// Maintenance contains daemon maintenance schedules.
type Maintenance struct {
	CheckpointIntervalSeconds int    `toml:"checkpoint_interval_seconds"`
	CheckpointMode            string `toml:"checkpoint_mode"`
	WALTruncateThresholdMiB   int    `toml:"wal_truncate_threshold_mib"`
	AnalyzeIntervalSeconds    int    `toml:"analyze_interval_seconds"`
	BackupIntervalSeconds     int    `toml:"backup_interval_seconds"`
	BackupKeep                int    `toml:"backup_keep"`
	BackupPagesPerStep        int    `toml:"backup_pages_per_step"`
	BackupStepPauseMS         int    `toml:"backup_step_pause_ms"`
	VacuumWindow              string `toml:"vacuum_window"`
	PurgeAfterDays            int    `toml:"purge_after_days"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for the queue engine.
//
// Configuration sections by subsystem:
//   - Paths: database, backup, and log locations
//   - Storage: SQLite pragmas and busy handling
//   - Queue: lease, retry, and scheduling defaults
//   - Workers: worker pool concurrency and execution mode
//   - Maintenance: checkpoint, analyze, backup, and vacuum schedules
//   - Logging: log format, level, and retention
type Config struct {
	Paths       Paths       `toml:"paths"`
	Storage     Storage     `toml:"storage"`
	Queue       Queue       `toml:"queue"`
	Workers     Workers     `toml:"workers"`
	Maintenance Maintenance `toml:"maintenance"`
	Logging     Logging     `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/taskqueue/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			var strict *toml.StrictMissingError
			if errors.As(err, &strict) {
				return nil, "", false, fmt.Errorf("parse config: %s", strict.String())
			}
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("taskqueue.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the data, backup, and log directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.DataDir, filepath.Dir(c.Paths.Database), c.Paths.BackupDir, c.Paths.LogDir}
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// LockPath returns the daemon single-instance lock file next to the database.
func (c *Config) LockPath() string {
	return c.Paths.Database + ".lock"
}

// LeaseDuration returns the default claim lease.
func (q Queue) LeaseDuration() time.Duration {
	return time.Duration(q.DefaultLeaseSeconds) * time.Second
}

// StaleGrace returns how long past lease expiry a task must be before recovery.
func (q Queue) StaleGrace() time.Duration {
	return time.Duration(q.StaleLeaseGraceSeconds) * time.Second
}

// CleanupInterval returns the stale-lease sweep period.
func (q Queue) CleanupInterval() time.Duration {
	return time.Duration(q.CleanupIntervalSeconds) * time.Second
}

// RetryDelay returns the backoff applied to retryable failures.
func (q Queue) RetryDelay() time.Duration {
	return time.Duration(q.RetryDelaySeconds) * time.Second
}

// PollInterval returns how long an idle worker waits before claiming again.
func (w Workers) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalSeconds) * time.Second
}

// HeartbeatInterval returns the lease renewal period.
func (w Workers) HeartbeatInterval() time.Duration {
	return time.Duration(w.HeartbeatIntervalSeconds) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// Encode renders the effective configuration as TOML.
func (c *Config) Encode() ([]byte, error) {
	data, err := toml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return data, nil
}
