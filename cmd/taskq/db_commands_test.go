package main

import (
	"os"
	"path/filepath"
	"testing"

	"taskqueue/internal/maintenance"
	"taskqueue/internal/queue"
)

func TestDBHealthAndStats(t *testing.T) {
	env := setupCLITestEnv(t)
	env.run(t, "enqueue", "scrape")

	out := env.run(t, "db", "health")
	requireContains(t, out, "Journal mode:    wal")
	requireContains(t, out, "Status:          healthy")

	var health queue.DatabaseHealth
	env.runJSON(t, &health, "db", "health")
	if !health.Healthy() || health.TotalTasks != 1 {
		t.Fatalf("health = %+v", health)
	}

	out = env.run(t, "db", "stats")
	requireContains(t, out, "File size:")
	requireContains(t, out, "Fragmentation:")
}

func TestDBCheckpointVacuumAnalyzeIntegrity(t *testing.T) {
	env := setupCLITestEnv(t)
	env.run(t, "enqueue", "scrape")

	var result maintenance.CheckpointResult
	env.runJSON(t, &result, "db", "checkpoint", "--mode", "truncate")
	if result.Busy {
		t.Fatalf("truncate checkpoint reported busy")
	}

	err := env.runErr(t, "db", "checkpoint", "--mode", "eager")
	if exitCode(err) != exitValidation {
		t.Fatalf("exit code = %d, want %d", exitCode(err), exitValidation)
	}

	requireContains(t, env.run(t, "db", "vacuum"), "Vacuum complete")
	requireContains(t, env.run(t, "db", "analyze"), "Analyzed all tables")
	requireContains(t, env.run(t, "db", "analyze", "--table", "task_queue"), "Analyzed task_queue")
	if err := env.runErr(t, "db", "analyze", "--table", "sqlite_master"); exitCode(err) != exitValidation {
		t.Fatalf("analyze unknown table exit code = %d", exitCode(err))
	}
	requireContains(t, env.run(t, "db", "integrity"), "Integrity check passed")
}

func TestDBBackupVerifyRestore(t *testing.T) {
	env := setupCLITestEnv(t)
	env.run(t, "enqueue", "scrape")

	var info maintenance.BackupInfo
	env.runJSON(t, &info, "db", "backup")
	if filepath.Dir(info.Path) != env.cfg.Paths.BackupDir {
		t.Fatalf("backup written to %s, want under %s", info.Path, env.cfg.Paths.BackupDir)
	}

	requireContains(t, env.run(t, "db", "verify", info.Path), "is valid")
	requireContains(t, env.run(t, "db", "backups"), filepath.Base(info.Path))

	env.run(t, "enqueue", "report")

	err := env.runErr(t, "db", "restore", info.Path)
	requireContains(t, err.Error(), "--yes")

	requireContains(t, env.run(t, "db", "restore", info.Path, "--yes"), "Restored")

	var tasks []queue.Task
	env.runJSON(t, &tasks, "list")
	if len(tasks) != 1 || tasks[0].Type != "scrape" {
		t.Fatalf("tasks after restore = %+v, want only the scrape task", tasks)
	}

	garbage := filepath.Join(t.TempDir(), "garbage.db")
	if err := os.WriteFile(garbage, []byte("not a database"), 0o644); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	env.runErr(t, "db", "verify", garbage)
}

func TestDBBackupDestAndPrune(t *testing.T) {
	env := setupCLITestEnv(t)

	dest := filepath.Join(t.TempDir(), "manual.db")
	requireContains(t, env.run(t, "db", "backup", "--dest", dest), "Backup written to "+dest)
	env.runErr(t, "db", "backup", "--dest", dest)

	env.run(t, "db", "backup")
	env.run(t, "db", "backup")
	requireContains(t, env.run(t, "db", "prune", "--keep", "1"), "Removed 1 backup(s), kept up to 1")

	var backups []maintenance.BackupInfo
	env.runJSON(t, &backups, "db", "backups")
	if len(backups) != 1 {
		t.Fatalf("backups after prune = %d, want 1", len(backups))
	}
}
