package main

import (
	"errors"
	"testing"
	"time"

	"taskqueue/internal/queue"
	"taskqueue/internal/testsupport"
)

func TestEnqueueClaimCompleteFlow(t *testing.T) {
	env := setupCLITestEnv(t)

	out := env.run(t, "enqueue", "scrape", "--priority", "5", "--payload", `{"url":"https://example.com"}`)
	requireContains(t, out, "Enqueued task 1 (type scrape, priority 5)")

	out = env.run(t, "claim", "--worker", "w1")
	requireContains(t, out, "Claimed task 1 (scrape), attempt 1/3")
	requireContains(t, out, `"url":"https://example.com"`)

	out = env.run(t, "complete", "1", "--worker", "w1", "--result", "fetched")
	requireContains(t, out, "Task 1 completed")

	out = env.run(t, "show", "1")
	requireContains(t, out, "Completed")
	requireContains(t, out, "fetched")
	requireContains(t, out, "INFO")
}

func TestEnqueueIdempotencyKeyJSON(t *testing.T) {
	env := setupCLITestEnv(t)

	var first, second enqueueOutput
	env.runJSON(t, &first, "enqueue", "report", "--key", "daily-2025-01-02")
	env.runJSON(t, &second, "enqueue", "report", "--key", "daily-2025-01-02", "--priority", "1")

	if first.Duplicate || !second.Duplicate {
		t.Fatalf("duplicate flags = %v, %v; want false, true", first.Duplicate, second.Duplicate)
	}
	if first.Task.ID != second.Task.ID {
		t.Fatalf("duplicate key produced task %d, want %d", second.Task.ID, first.Task.ID)
	}
	if second.Task.Priority != 0 {
		t.Fatalf("duplicate enqueue changed priority to %d", second.Task.Priority)
	}

	out := env.run(t, "enqueue", "report", "--key", "daily-2025-01-02")
	requireContains(t, out, `already exists for key "daily-2025-01-02"`)
}

func TestEnqueueRejectsInvalidPayload(t *testing.T) {
	env := setupCLITestEnv(t)

	err := env.runErr(t, "enqueue", "scrape", "--payload", "{not json")
	if exitCode(err) != exitValidation {
		t.Fatalf("exit code = %d, want %d (err %v)", exitCode(err), exitValidation, err)
	}
	err = env.runErr(t, "enqueue", "scrape", "--payload", "{}", "--payload-file", "-")
	requireContains(t, err.Error(), "not both")
}

func TestEnqueueDelayPostponesClaim(t *testing.T) {
	env := setupCLITestEnv(t)

	out := env.run(t, "enqueue", "later", "--delay", "1h")
	requireContains(t, out, "Eligible after")

	out = env.run(t, "claim", "--worker", "w1")
	requireContains(t, out, "No eligible task")
}

func TestClaimEmptyQueueJSON(t *testing.T) {
	env := setupCLITestEnv(t)

	out := env.run(t, "claim", "--worker", "w1", "--json")
	requireContains(t, out, "null")

	err := env.runErr(t, "claim", "--worker", "w1", "--strategy", "random")
	if exitCode(err) != exitValidation {
		t.Fatalf("exit code = %d, want %d", exitCode(err), exitValidation)
	}
}

func TestClaimFollowsStrategyAndCapabilities(t *testing.T) {
	env := setupCLITestEnv(t)

	env.run(t, "enqueue", "scrape", "--priority", "10")
	env.run(t, "enqueue", "scrape", "--priority", "1", "--region", "eu")
	env.run(t, "enqueue", "scrape", "--priority", "5")

	var task queue.Task
	env.runJSON(t, &task, "claim", "--worker", "w1")
	if task.ID != 3 {
		t.Fatalf("claimed task %d, want 3 (region-constrained task must be skipped)", task.ID)
	}
	env.runJSON(t, &task, "claim", "--worker", "w2", "--region", "eu")
	if task.ID != 2 {
		t.Fatalf("claimed task %d, want 2", task.ID)
	}
	env.runJSON(t, &task, "claim", "--worker", "w3", "--strategy", "lifo")
	if task.ID != 1 {
		t.Fatalf("claimed task %d, want 1", task.ID)
	}
}

func TestFailRetryableThenExhausted(t *testing.T) {
	env := setupCLITestEnv(t, testsupport.WithRetryDelay(0))

	env.run(t, "enqueue", "flaky", "--max-attempts", "2")
	env.run(t, "claim", "--worker", "w1")
	out := env.run(t, "fail", "1", "--worker", "w1", "--message", "timeout")
	requireContains(t, out, "Task 1 queued for retry (attempt 1/2)")

	env.run(t, "claim", "--worker", "w1")
	out = env.run(t, "fail", "1", "--worker", "w1", "--message", "timeout again")
	requireContains(t, out, "Task 1 failed after 2/2 attempts: timeout again")
}

func TestFailPermanent(t *testing.T) {
	env := setupCLITestEnv(t)

	env.run(t, "enqueue", "parse")
	env.run(t, "claim", "--worker", "w1")
	out := env.run(t, "fail", "1", "--worker", "w1", "--message", "bad input", "--permanent")
	requireContains(t, out, "Task 1 failed after 1/3 attempts: bad input")
}

func TestOwnershipConflicts(t *testing.T) {
	env := setupCLITestEnv(t)

	env.run(t, "enqueue", "scrape")
	env.run(t, "claim", "--worker", "w1")

	err := env.runErr(t, "complete", "1", "--worker", "intruder")
	if exitCode(err) != exitConflict {
		t.Fatalf("complete exit code = %d, want %d (err %v)", exitCode(err), exitConflict, err)
	}

	err = env.runErr(t, "renew", "1", "--worker", "intruder")
	if !errors.Is(err, errLeaseLost) || exitCode(err) != exitConflict {
		t.Fatalf("renew err = %v, want lease lost", err)
	}

	out := env.run(t, "renew", "1", "--worker", "w1", "--lease", "10m")
	requireContains(t, out, "Renewed lease on task 1")

	err = env.runErr(t, "show", "99")
	if exitCode(err) != exitNotFound {
		t.Fatalf("show exit code = %d, want %d", exitCode(err), exitNotFound)
	}
	err = env.runErr(t, "show", "abc")
	requireContains(t, err.Error(), "invalid task id")
}

func TestCancel(t *testing.T) {
	env := setupCLITestEnv(t)

	env.run(t, "enqueue", "scrape")
	out := env.run(t, "cancel", "1")
	requireContains(t, out, "Task 1 cancelled")

	err := env.runErr(t, "cancel", "1")
	if exitCode(err) != exitConflict {
		t.Fatalf("second cancel exit code = %d, want %d", exitCode(err), exitConflict)
	}
}

func TestRecoverRequeuesExpiredLease(t *testing.T) {
	env := setupCLITestEnv(t, testsupport.WithRecoverOnClaim(false))

	out := env.run(t, "recover")
	requireContains(t, out, "No expired leases")

	env.run(t, "enqueue", "scrape")
	env.run(t, "claim", "--worker", "w1", "--lease", "20ms")
	time.Sleep(50 * time.Millisecond)

	var result queue.RecoveryResult
	env.runJSON(t, &result, "recover", "--grace", "0s")
	if result.Requeued != 1 || result.Failed != 0 {
		t.Fatalf("recovery = %+v, want one requeued", result)
	}

	var shown showOutput
	env.runJSON(t, &shown, "show", "1", "--logs=false")
	if shown.Task.Status != queue.StatusQueued || shown.Task.LockedBy != "" {
		t.Fatalf("task after recovery = %s locked by %q", shown.Task.Status, shown.Task.LockedBy)
	}
	if len(shown.Logs) != 0 {
		t.Fatalf("--logs=false returned %d log entries", len(shown.Logs))
	}
}

func TestConfiguredStrategyIsDefault(t *testing.T) {
	env := setupCLITestEnv(t, testsupport.WithStrategy("fifo"))

	env.run(t, "enqueue", "scrape", "--priority", "9")
	env.run(t, "enqueue", "scrape", "--priority", "1")

	var task queue.Task
	env.runJSON(t, &task, "claim", "--worker", "w1")
	if task.ID != 1 {
		t.Fatalf("fifo claim returned task %d, want 1", task.ID)
	}
	env.runJSON(t, &task, "claim", "--worker", "w1", "--strategy", "priority")
	if task.ID != 2 {
		t.Fatalf("priority override returned task %d, want 2", task.ID)
	}
}
