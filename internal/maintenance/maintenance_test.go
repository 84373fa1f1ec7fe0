package maintenance_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"taskqueue/internal/maintenance"
	"taskqueue/internal/queue"
	"taskqueue/internal/taskerr"
	"taskqueue/internal/testsupport"
)

type fixture struct {
	store *queue.Store
	svc   *maintenance.Service
	clock *testsupport.Clock
	dir   string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	clock := testsupport.NewClock()
	svc := maintenance.New(store.Handle(), maintenance.OptionsFromConfig(cfg), maintenance.WithNow(clock.Now))
	return fixture{store: store, svc: svc, clock: clock, dir: cfg.Paths.BackupDir}
}

func TestCheckpointModes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testsupport.MustEnqueue(t, f.store, "job", 1)

	for _, mode := range []maintenance.CheckpointMode{
		maintenance.CheckpointPassive,
		maintenance.CheckpointFull,
		maintenance.CheckpointRestart,
		maintenance.CheckpointTruncate,
	} {
		if _, err := f.svc.Checkpoint(ctx, mode); err != nil {
			t.Fatalf("Checkpoint(%s) failed: %v", mode, err)
		}
	}
	if _, err := f.svc.Checkpoint(ctx, "sideways"); !errors.Is(err, taskerr.ErrValidation) {
		t.Fatalf("expected validation error for unknown mode, got %v", err)
	}

	stats, err := f.svc.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.WALSizeBytes != 0 {
		t.Fatalf("expected truncated WAL, got %d bytes", stats.WALSizeBytes)
	}
}

func TestVacuumAnalyzeIntegrity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		testsupport.MustEnqueue(t, f.store, "job", i)
	}

	if err := f.svc.Analyze(ctx, ""); err != nil {
		t.Fatalf("Analyze all failed: %v", err)
	}
	if err := f.svc.Analyze(ctx, "task_queue"); err != nil {
		t.Fatalf("Analyze task_queue failed: %v", err)
	}
	if err := f.svc.Analyze(ctx, "task_queue; DROP TABLE workers"); !errors.Is(err, taskerr.ErrValidation) {
		t.Fatalf("expected validation error for unknown table, got %v", err)
	}
	if err := f.svc.Vacuum(ctx); err != nil {
		t.Fatalf("Vacuum failed: %v", err)
	}
	problems, err := f.svc.IntegrityCheck(ctx)
	if err != nil {
		t.Fatalf("IntegrityCheck failed: %v", err)
	}
	if len(problems) != 0 {
		t.Fatalf("expected healthy database, got %v", problems)
	}
}

func TestStatsReportsPages(t *testing.T) {
	f := newFixture(t)
	stats, err := f.svc.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.PageCount <= 0 || stats.PageSize <= 0 || stats.FileSizeBytes <= 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.FragmentationRatio < 0 || stats.FragmentationRatio > 1 {
		t.Fatalf("fragmentation out of range: %v", stats.FragmentationRatio)
	}
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	kept := testsupport.MustEnqueue(t, f.store, "scrape", 1)
	info, err := f.svc.Backup(ctx)
	if err != nil {
		t.Fatalf("Backup failed: %v", err)
	}
	if filepath.Dir(info.Path) != f.dir {
		t.Fatalf("backup written outside backup dir: %s", info.Path)
	}
	if info.SizeBytes <= 0 {
		t.Fatalf("expected non-empty backup, got %d bytes", info.SizeBytes)
	}

	ok, err := f.svc.VerifyBackup(ctx, info.Path)
	if err != nil || !ok {
		t.Fatalf("VerifyBackup = %v, %v", ok, err)
	}

	later := testsupport.MustEnqueue(t, f.store, "scrape", 2)
	if _, err := f.store.Cancel(ctx, kept.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	if err := f.svc.Restore(ctx, info.Path); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	restored, err := f.store.GetTask(ctx, kept.ID)
	if err != nil {
		t.Fatalf("GetTask after restore failed: %v", err)
	}
	if restored.Status != queue.StatusQueued {
		t.Fatalf("expected backup state for task %d, got %s", kept.ID, restored.Status)
	}
	if _, err := f.store.GetTask(ctx, later.ID); !taskerr.IsNotFound(err) {
		t.Fatalf("task created after backup must be gone, got %v", err)
	}

	claimed, err := f.store.Claim(ctx, queue.ClaimRequest{WorkerID: "w1"})
	if err != nil || claimed == nil || claimed.ID != kept.ID {
		t.Fatalf("restored database must remain usable, got %v, %v", claimed, err)
	}
}

func TestBackupRestoreIntoFreshDatabase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := range 6 {
		testsupport.MustEnqueue(t, f.store, "scrape", i)
	}
	for i := range 3 {
		task, err := f.store.Claim(ctx, queue.ClaimRequest{WorkerID: "w1"})
		if err != nil || task == nil {
			t.Fatalf("Claim = %v, %v", task, err)
		}
		if i == 2 {
			if _, err := f.store.Fail(ctx, task.ID, "w1", "bad input", false); err != nil {
				t.Fatalf("Fail failed: %v", err)
			}
			continue
		}
		if _, err := f.store.Complete(ctx, task.ID, "w1", "ok"); err != nil {
			t.Fatalf("Complete failed: %v", err)
		}
	}
	if _, err := f.store.Claim(ctx, queue.ClaimRequest{WorkerID: "w2"}); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	want := taskStates(t, f.store)

	info, err := f.svc.Backup(ctx)
	if err != nil {
		t.Fatalf("Backup failed: %v", err)
	}

	freshCfg := testsupport.NewConfig(t)
	fresh := testsupport.MustOpenStore(t, freshCfg)
	if got := taskStates(t, fresh); len(got) != 0 {
		t.Fatalf("expected empty fresh database, got %v", got)
	}
	freshSvc := maintenance.New(fresh.Handle(), maintenance.OptionsFromConfig(freshCfg))
	if err := freshSvc.Restore(ctx, info.Path); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	got := taskStates(t, fresh)
	if len(got) != len(want) {
		t.Fatalf("expected %d restored tasks, got %d (%v)", len(want), len(got), got)
	}
	for id, status := range want {
		if got[id] != status {
			t.Fatalf("task %d: expected %s after restore, got %q", id, status, got[id])
		}
	}
	if issues, err := freshSvc.IntegrityCheck(ctx); err != nil || len(issues) != 0 {
		t.Fatalf("IntegrityCheck after restore = %v, %v", issues, err)
	}
}

func taskStates(t *testing.T, store *queue.Store) map[int64]queue.Status {
	t.Helper()
	tasks, err := store.ListTasks(context.Background(), queue.ListFilter{})
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	states := make(map[int64]queue.Status, len(tasks))
	for _, task := range tasks {
		states[task.ID] = task.Status
	}
	return states
}

func TestVerifyBackupRejectsBadFiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if ok, err := f.svc.VerifyBackup(ctx, filepath.Join(f.dir, "missing.db")); ok || err == nil {
		t.Fatalf("expected error for missing backup, got %v, %v", ok, err)
	}

	garbage := filepath.Join(t.TempDir(), "garbage.db")
	if err := os.WriteFile(garbage, []byte("definitely not sqlite, just padding text to look like a header"), 0o644); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	if ok, _ := f.svc.VerifyBackup(ctx, garbage); ok {
		t.Fatal("garbage file must not verify")
	}
	if err := f.svc.Restore(ctx, garbage); err == nil {
		t.Fatal("restore from garbage must fail")
	}
}

func TestBackupToRefusesExistingFile(t *testing.T) {
	f := newFixture(t)
	dest := filepath.Join(t.TempDir(), "copy.db")
	if err := os.WriteFile(dest, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := f.svc.BackupTo(context.Background(), dest); !errors.Is(err, taskerr.ErrMaintenance) {
		t.Fatalf("expected maintenance error, got %v", err)
	}
}

func TestListAndPruneBackups(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var paths []string
	for i := 0; i < 4; i++ {
		info, err := f.svc.Backup(ctx)
		if err != nil {
			t.Fatalf("Backup %d failed: %v", i, err)
		}
		paths = append(paths, info.Path)
		f.clock.Advance(time.Hour)
	}
	if err := os.WriteFile(filepath.Join(f.dir, "notes.txt"), []byte("ignore me"), 0o644); err != nil {
		t.Fatalf("write stray file: %v", err)
	}

	backups, err := f.svc.ListBackups()
	if err != nil {
		t.Fatalf("ListBackups failed: %v", err)
	}
	if len(backups) != 4 {
		t.Fatalf("expected 4 backups, got %d", len(backups))
	}
	if backups[0].Path != paths[3] || backups[3].Path != paths[0] {
		t.Fatalf("expected newest first, got %v", backups)
	}

	removed, err := f.svc.PruneBackups(2)
	if err != nil {
		t.Fatalf("PruneBackups failed: %v", err)
	}
	if len(removed) != 2 {
		t.Fatalf("expected 2 removed, got %v", removed)
	}
	for _, path := range paths[:2] {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Fatalf("expected %s to be pruned", path)
		}
	}
	for _, path := range paths[2:] {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("expected %s to survive: %v", path, err)
		}
	}
}
