package main

import (
	"testing"

	"taskqueue/internal/queue"
	"taskqueue/internal/testsupport"
)

func TestWorkOnceRunsConfiguredCommand(t *testing.T) {
	env := setupCLITestEnv(t, testsupport.WithCommand("echo", "cat"))

	env.run(t, "enqueue", "echo", "--payload", `{"n":1}`)

	out := env.run(t, "work", "--once", "--worker", "cli-worker")
	requireContains(t, out, "Processed 1 task")

	var shown showOutput
	env.runJSON(t, &shown, "show", "1")
	if shown.Task.Status != queue.StatusCompleted {
		t.Fatalf("status = %s, want completed", shown.Task.Status)
	}
	requireContains(t, shown.Task.Result, `{"n":1}`)

	out = env.run(t, "work", "--once")
	requireContains(t, out, "No eligible task")
}

func TestWorkCommandFlagOverridesConfig(t *testing.T) {
	env := setupCLITestEnv(t)

	env.run(t, "enqueue", "validate")
	env.run(t, "work", "--once", "--command", "validate=exit 65")

	var shown showOutput
	env.runJSON(t, &shown, "show", "1")
	if shown.Task.Status != queue.StatusFailed {
		t.Fatalf("status = %s, want failed", shown.Task.Status)
	}
	if shown.Task.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", shown.Task.Attempts)
	}
}

func TestWorkRequiresCommands(t *testing.T) {
	env := setupCLITestEnv(t)

	err := env.runErr(t, "work", "--once")
	requireContains(t, err.Error(), "no commands configured")

	err = env.runErr(t, "work", "--once", "--command", "missing-equals")
	requireContains(t, err.Error(), "expected type=command")
}
