package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"taskqueue/internal/logging"
	"taskqueue/internal/queue"
	"taskqueue/internal/testsupport"
)

func TestBuildPool(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	if pool := buildPool(cfg, store, logging.NewNop()); pool != nil {
		t.Fatal("expected no pool without subprocess commands")
	}

	cfg = testsupport.NewConfig(t, testsupport.WithCommand("echo", "cat"))
	store = testsupport.MustOpenStore(t, cfg)
	if pool := buildPool(cfg, store, logging.NewNop()); pool == nil {
		t.Fatal("expected a pool when commands are configured")
	}
}

func TestRunProcessesTasksUntilCancelled(t *testing.T) {
	for _, key := range []string{"TASKQUEUE_DB", "TASKQUEUE_BACKUP_DIR", "TASKQUEUE_LOG_LEVEL"} {
		t.Setenv(key, "")
	}
	cfg := testsupport.NewConfig(t, testsupport.WithCommand("echo", "cat"))
	configPath := filepath.Join(testsupport.BaseDir(cfg), "config.toml")
	data, err := cfg.Encode()
	if err != nil {
		t.Fatalf("encode config: %v", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	seed := testsupport.MustOpenStore(t, cfg)
	task := testsupport.MustEnqueue(t, seed, "echo", 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, configPath) }()

	deadline := time.Now().Add(10 * time.Second)
	for {
		got, err := seed.GetTask(context.Background(), task.ID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if got.Status == queue.StatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task still %s after 10s", got.Status)
		}
		time.Sleep(50 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}
