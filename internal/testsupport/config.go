package testsupport

import (
	"path/filepath"
	"testing"

	"taskqueue/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = base
	cfgVal.Paths.Database = filepath.Join(base, "queue.db")
	cfgVal.Paths.BackupDir = filepath.Join(base, "backups")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Storage.MaxOpenConns = 4
	cfgVal.Workers.PollIntervalSeconds = 1
	cfgVal.Workers.HeartbeatIntervalSeconds = 1
	cfgVal.Maintenance.BackupStepPauseMS = 0

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithStrategy overrides the default claim strategy.
func WithStrategy(strategy string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Queue.DefaultStrategy = strategy
	}
}

// WithLease overrides the default lease and stale grace, in seconds.
func WithLease(leaseSeconds, graceSeconds int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Queue.DefaultLeaseSeconds = leaseSeconds
		b.cfg.Queue.StaleLeaseGraceSeconds = graceSeconds
	}
}

// WithRetryDelay overrides the delay before a retryable failure is eligible
// again, in seconds.
func WithRetryDelay(seconds int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Queue.RetryDelaySeconds = seconds
	}
}

// WithRecoverOnClaim toggles lease recovery during claims.
func WithRecoverOnClaim(enabled bool) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Queue.RecoverOnClaim = enabled
	}
}

// WithCommand maps a task type to a subprocess command and switches the
// worker pool to subprocess mode.
func WithCommand(taskType, command string) ConfigOption {
	return func(b *configBuilder) {
		if b.cfg.Workers.Commands == nil {
			b.cfg.Workers.Commands = make(map[string]string)
		}
		b.cfg.Workers.Commands[taskType] = command
		b.cfg.Workers.ExecutionMode = "subprocess"
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return cfg.Paths.DataDir
}
