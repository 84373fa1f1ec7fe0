package daemon_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"taskqueue/internal/config"
	"taskqueue/internal/daemon"
	"taskqueue/internal/maintenance"
	"taskqueue/internal/queue"
	"taskqueue/internal/testsupport"
)

type harness struct {
	cfg    *config.Config
	store  *queue.Store
	maint  *maintenance.Service
	clock  *testsupport.Clock
	daemon *daemon.Daemon
}

func newHarness(t *testing.T, opts ...testsupport.ConfigOption) harness {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	clock := testsupport.NewClock()
	store := testsupport.MustOpenStore(t, cfg, queue.WithNow(clock.Now))
	maint := maintenance.New(store.Handle(), maintenance.OptionsFromConfig(cfg), maintenance.WithNow(clock.Now))
	d, err := daemon.New(cfg, store, maint, nil, daemon.WithNow(clock.Now))
	if err != nil {
		t.Fatalf("daemon.New failed: %v", err)
	}
	t.Cleanup(d.Stop)
	return harness{cfg: cfg, store: store, maint: maint, clock: clock, daemon: d}
}

func TestDaemonSingleInstance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.daemon.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !h.daemon.Status().Running {
		t.Fatal("expected running status")
	}

	other, err := daemon.New(h.cfg, h.store, h.maint, nil)
	if err != nil {
		t.Fatalf("daemon.New failed: %v", err)
	}
	if err := other.Start(ctx); err == nil {
		other.Stop()
		t.Fatal("expected second daemon to be refused")
	}

	h.daemon.Stop()
	if h.daemon.Status().Running {
		t.Fatal("expected stopped status")
	}
	if err := other.Start(ctx); err != nil {
		t.Fatalf("lock should be free after Stop: %v", err)
	}
	other.Stop()
}

func TestDaemonRecoversLeasesOnStart(t *testing.T) {
	h := newHarness(t, testsupport.WithLease(10, 0), testsupport.WithRecoverOnClaim(false))
	ctx := context.Background()

	task := testsupport.MustEnqueue(t, h.store, "job", 1)
	if _, err := h.store.Claim(ctx, queue.ClaimRequest{WorkerID: "crashed"}); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	h.clock.Advance(time.Minute)

	if err := h.daemon.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := h.store.GetTask(ctx, task.ID)
		if err != nil {
			t.Fatalf("GetTask failed: %v", err)
		}
		if got.Status == queue.StatusQueued {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected the daemon to requeue the expired lease")
}

func TestCheckpointWAL(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 10; i++ {
		testsupport.MustEnqueue(t, h.store, "job", i)
	}
	h.cfg.Maintenance.WALTruncateThresholdMiB = 0
	if err := h.daemon.CheckpointWAL(context.Background()); err != nil {
		t.Fatalf("CheckpointWAL failed: %v", err)
	}
	h.cfg.Maintenance.CheckpointMode = "bogus"
	if err := h.daemon.CheckpointWAL(context.Background()); err == nil {
		t.Fatal("expected error for invalid checkpoint mode")
	}
}

func TestVacuumOnlyInsideWindowOncePerWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Clock starts at 03:04 UTC, inside the default 03:00-04:00 window.
	ran, err := h.daemon.VacuumIfInWindow(ctx)
	if err != nil || !ran {
		t.Fatalf("expected vacuum inside window, got %v, %v", ran, err)
	}
	h.clock.Advance(10 * time.Minute)
	if ran, _ := h.daemon.VacuumIfInWindow(ctx); ran {
		t.Fatal("expected a single vacuum per window")
	}
	h.clock.Advance(3 * time.Hour)
	if ran, _ := h.daemon.VacuumIfInWindow(ctx); ran {
		t.Fatal("expected no vacuum outside the window")
	}
	h.clock.Advance(21 * time.Hour)
	if ran, err := h.daemon.VacuumIfInWindow(ctx); err != nil || !ran {
		t.Fatalf("expected vacuum in next day's window, got %v, %v", ran, err)
	}
}

func TestBackupAndPruneKeepsConfiguredCount(t *testing.T) {
	h := newHarness(t)
	h.cfg.Maintenance.BackupKeep = 2
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := h.daemon.BackupAndPrune(ctx); err != nil {
			t.Fatalf("BackupAndPrune %d failed: %v", i, err)
		}
		h.clock.Advance(time.Hour)
	}
	backups, err := h.maint.ListBackups()
	if err != nil {
		t.Fatalf("ListBackups failed: %v", err)
	}
	if len(backups) != 2 {
		t.Fatalf("expected 2 backups kept, got %d", len(backups))
	}
}

func TestPurgeFinished(t *testing.T) {
	h := newHarness(t)
	h.cfg.Maintenance.PurgeAfterDays = 7
	ctx := context.Background()

	task := testsupport.MustEnqueue(t, h.store, "job", 1)
	if _, err := h.store.Cancel(ctx, task.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	live := testsupport.MustEnqueue(t, h.store, "job", 1)
	h.clock.Advance(8 * 24 * time.Hour)

	if err := h.daemon.PurgeFinished(ctx); err != nil {
		t.Fatalf("PurgeFinished failed: %v", err)
	}
	if _, err := h.store.GetTask(ctx, task.ID); err == nil {
		t.Fatal("expected finished task to be purged")
	}
	if _, err := h.store.GetTask(ctx, live.ID); err != nil {
		t.Fatalf("queued task must survive: %v", err)
	}
}

func TestPruneLogFiles(t *testing.T) {
	h := newHarness(t)
	dir := h.cfg.Paths.LogDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	stale := filepath.Join(dir, "worker-old.log")
	active := filepath.Join(dir, "taskqd.log")
	for _, path := range []string{stale, active} {
		if err := os.WriteFile(path, []byte("log"), 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
		old := h.clock.Now().AddDate(0, 0, -90)
		if err := os.Chtimes(path, old, old); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}

	if err := h.daemon.PruneLogFiles(context.Background()); err != nil {
		t.Fatalf("PruneLogFiles failed: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatal("expected stale log to be removed")
	}
	if _, err := os.Stat(active); err != nil {
		t.Fatalf("active log must be kept: %v", err)
	}
}
