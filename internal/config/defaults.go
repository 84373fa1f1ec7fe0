package config

const (
	defaultDataDir                  = "~/.local/share/taskqueue"
	defaultDatabaseName             = "taskqueue.db"
	defaultBackupDirName            = "backups"
	defaultLogDirName               = "logs"
	defaultBusyTimeoutMS            = 5000
	defaultCacheSizeKiB             = 64 * 1024
	defaultMMapSizeMiB              = 256
	defaultMaxOpenConns             = 8
	defaultBusyRetryAttempts        = 5
	defaultLeaseSeconds             = 300
	defaultMaxAttempts              = 3
	defaultStrategy                 = "priority"
	defaultStaleLeaseGraceSeconds   = 30
	defaultCleanupIntervalSeconds   = 60
	defaultWeightedWindow           = 64
	defaultRetryDelaySeconds        = 10
	defaultMaxConcurrent            = 2
	defaultPollIntervalSeconds      = 2
	defaultHeartbeatIntervalSeconds = 30
	defaultExecutionMode            = "inprocess"
	defaultCheckpointInterval       = 300
	defaultCheckpointMode           = "passive"
	defaultWALTruncateThresholdMiB  = 64
	defaultAnalyzeInterval          = 6 * 3600
	defaultBackupInterval           = 24 * 3600
	defaultBackupKeep               = 7
	defaultBackupPagesPerStep       = 256
	defaultBackupStepPauseMS        = 10
	defaultVacuumWindow             = "03:00-04:00"
	defaultLogFormat                = "console"
	defaultLogLevel                 = "info"
	defaultLogRetentionDays         = 30
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
		},
		Storage: Storage{
			BusyTimeoutMS:     defaultBusyTimeoutMS,
			CacheSizeKiB:      defaultCacheSizeKiB,
			MMapSizeMiB:       defaultMMapSizeMiB,
			MaxOpenConns:      defaultMaxOpenConns,
			BusyRetryAttempts: defaultBusyRetryAttempts,
		},
		Queue: Queue{
			DefaultLeaseSeconds:    defaultLeaseSeconds,
			DefaultMaxAttempts:     defaultMaxAttempts,
			DefaultStrategy:        defaultStrategy,
			StaleLeaseGraceSeconds: defaultStaleLeaseGraceSeconds,
			CleanupIntervalSeconds: defaultCleanupIntervalSeconds,
			RecoverOnClaim:         true,
			WeightedWindow:         defaultWeightedWindow,
			RetryDelaySeconds:      defaultRetryDelaySeconds,
		},
		Workers: Workers{
			MaxConcurrent:            defaultMaxConcurrent,
			PollIntervalSeconds:      defaultPollIntervalSeconds,
			HeartbeatIntervalSeconds: defaultHeartbeatIntervalSeconds,
			ExecutionMode:            defaultExecutionMode,
		},
		Maintenance: Maintenance{
			CheckpointIntervalSeconds: defaultCheckpointInterval,
			CheckpointMode:            defaultCheckpointMode,
			WALTruncateThresholdMiB:   defaultWALTruncateThresholdMiB,
			AnalyzeIntervalSeconds:    defaultAnalyzeInterval,
			BackupIntervalSeconds:     defaultBackupInterval,
			BackupKeep:                defaultBackupKeep,
			BackupPagesPerStep:        defaultBackupPagesPerStep,
			BackupStepPauseMS:         defaultBackupStepPauseMS,
			VacuumWindow:              defaultVacuumWindow,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
