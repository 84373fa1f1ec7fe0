package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"taskqueue/internal/config"
)

func TestLoadDefaultConfigExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Setenv("TASKQUEUE_DB", "")
	t.Setenv("TASKQUEUE_BACKUP_DIR", "")
	t.Setenv("TASKQUEUE_LOG_LEVEL", "")

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	dataDir := filepath.Join(tempHome, ".local", "share", "taskqueue")
	if cfg.Paths.DataDir != dataDir {
		t.Fatalf("unexpected data dir: got %q want %q", cfg.Paths.DataDir, dataDir)
	}
	if cfg.Paths.Database != filepath.Join(dataDir, "taskqueue.db") {
		t.Fatalf("unexpected database path: %q", cfg.Paths.Database)
	}
	if cfg.Paths.BackupDir != filepath.Join(dataDir, "backups") {
		t.Fatalf("unexpected backup dir: %q", cfg.Paths.BackupDir)
	}
	if cfg.Queue.DefaultStrategy != "priority" {
		t.Fatalf("unexpected strategy: %q", cfg.Queue.DefaultStrategy)
	}
	if !cfg.Queue.RecoverOnClaim {
		t.Fatal("expected recover_on_claim enabled by default")
	}
	if cfg.LockPath() != cfg.Paths.Database+".lock" {
		t.Fatalf("unexpected lock path: %q", cfg.LockPath())
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}
	for _, dir := range []string{cfg.Paths.DataDir, cfg.Paths.BackupDir, cfg.Paths.LogDir} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Fatalf("expected directory %q to exist", dir)
		}
	}
}

func TestLoadCustomConfigFile(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Setenv("TASKQUEUE_DB", "")
	t.Setenv("TASKQUEUE_BACKUP_DIR", "")
	t.Setenv("TASKQUEUE_LOG_LEVEL", "")

	configPath := filepath.Join(t.TempDir(), "config.toml")
	payload := struct {
		Paths struct {
			Database string `toml:"database"`
		} `toml:"paths"`
		Queue struct {
			DefaultStrategy string `toml:"default_strategy"`
			WeightedWindow  int    `toml:"weighted_window"`
		} `toml:"queue"`
		Workers struct {
			Commands map[string]string `toml:"commands"`
		} `toml:"workers"`
		Logging struct {
			Format string `toml:"format"`
		} `toml:"logging"`
	}{}
	payload.Paths.Database = "~/jobs/queue.db"
	payload.Queue.DefaultStrategy = " Weighted "
	payload.Queue.WeightedWindow = 16
	payload.Workers.Commands = map[string]string{"scrape": " /bin/cat ", " ": "ignored"}
	payload.Logging.Format = "JSON"
	data, err := toml.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != configPath {
		t.Fatalf("expected config at %q, got %q (exists=%v)", configPath, resolved, exists)
	}
	if cfg.Paths.Database != filepath.Join(tempHome, "jobs", "queue.db") {
		t.Fatalf("unexpected database path: %q", cfg.Paths.Database)
	}
	if cfg.Queue.DefaultStrategy != "weighted" {
		t.Fatalf("expected normalized strategy, got %q", cfg.Queue.DefaultStrategy)
	}
	if cfg.Queue.WeightedWindow != 16 {
		t.Fatalf("unexpected weighted window: %d", cfg.Queue.WeightedWindow)
	}
	if len(cfg.Workers.Commands) != 1 || cfg.Workers.Commands["scrape"] != "/bin/cat" {
		t.Fatalf("unexpected commands: %#v", cfg.Workers.Commands)
	}
	if cfg.Logging.Format != "json" {
		t.Fatalf("expected json format, got %q", cfg.Logging.Format)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dbPath := filepath.Join(t.TempDir(), "env.db")
	backupDir := filepath.Join(t.TempDir(), "snapshots")
	t.Setenv("TASKQUEUE_DB", dbPath)
	t.Setenv("TASKQUEUE_BACKUP_DIR", backupDir)
	t.Setenv("TASKQUEUE_LOG_LEVEL", "DEBUG")

	cfg, _, _, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Paths.Database != dbPath {
		t.Fatalf("expected database from env, got %q", cfg.Paths.Database)
	}
	if cfg.Paths.BackupDir != backupDir {
		t.Fatalf("expected backup dir from env, got %q", cfg.Paths.BackupDir)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected debug level from env, got %q", cfg.Logging.Level)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	configPath := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(configPath, []byte("[queue]\nbogus_key = 1\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, _, _, err := config.Load(configPath); err == nil {
		t.Fatal("expected unknown key to be rejected")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"strategy", func(c *config.Config) { c.Queue.DefaultStrategy = "random" }, "queue.default_strategy"},
		{"lease", func(c *config.Config) { c.Queue.DefaultLeaseSeconds = 0 }, "queue.default_lease_seconds"},
		{"execution mode", func(c *config.Config) { c.Workers.ExecutionMode = "thread" }, "workers.execution_mode"},
		{"heartbeat vs lease", func(c *config.Config) { c.Workers.HeartbeatIntervalSeconds = c.Queue.DefaultLeaseSeconds }, "heartbeat_interval_seconds"},
		{"checkpoint mode", func(c *config.Config) { c.Maintenance.CheckpointMode = "eager" }, "checkpoint_mode"},
		{"vacuum window", func(c *config.Config) { c.Maintenance.VacuumWindow = "3am" }, "vacuum_window"},
		{"backup keep", func(c *config.Config) { c.Maintenance.BackupKeep = 0 }, "backup_keep"},
		{"log level", func(c *config.Config) { c.Logging.Level = "loud" }, "logging.level"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Paths.Database = "/tmp/queue.db"
			cfg.Paths.BackupDir = "/tmp/backups"
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q in error, got %v", tc.want, err)
			}
		})
	}
}

func TestParseWindow(t *testing.T) {
	day := func(h, m int) time.Time { return time.Date(2024, 5, 1, h, m, 0, 0, time.Local) }

	w, err := config.ParseWindow("03:00-04:00")
	if err != nil {
		t.Fatalf("ParseWindow: %v", err)
	}
	if !w.Contains(day(3, 30)) || w.Contains(day(4, 0)) || w.Contains(day(2, 59)) {
		t.Fatalf("unexpected containment for %+v", w)
	}

	wrap, err := config.ParseWindow("23:00-01:00")
	if err != nil {
		t.Fatalf("ParseWindow wrap: %v", err)
	}
	if !wrap.Contains(day(23, 30)) || !wrap.Contains(day(0, 30)) || wrap.Contains(day(12, 0)) {
		t.Fatalf("unexpected containment for wrapping window %+v", wrap)
	}

	for _, bad := range []string{"", "03:00", "25:00-26:00", "03:00-03:00"} {
		if _, err := config.ParseWindow(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestCreateSampleRoundTrips(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("TASKQUEUE_DB", "")
	t.Setenv("TASKQUEUE_BACKUP_DIR", "")
	t.Setenv("TASKQUEUE_LOG_LEVEL", "")
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}
	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load sample: %v", err)
	}
	if !exists {
		t.Fatal("expected sample file to exist")
	}
	defaults := config.Default()
	if cfg.Queue.DefaultLeaseSeconds != defaults.Queue.DefaultLeaseSeconds {
		t.Fatalf("sample lease %d differs from default %d", cfg.Queue.DefaultLeaseSeconds, defaults.Queue.DefaultLeaseSeconds)
	}
	if cfg.Maintenance.VacuumWindow != defaults.Maintenance.VacuumWindow {
		t.Fatalf("sample vacuum window %q differs from default", cfg.Maintenance.VacuumWindow)
	}
	encoded, err := cfg.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(string(encoded), "default_strategy") {
		t.Fatalf("expected encoded config to include queue keys, got %s", encoded)
	}
}
