// Package queue persists tasks in SQLite and drives their lifecycle.
//
// The Store enqueues tasks, hands them to workers through atomic claims under
// one of several selection strategies, tracks leases, and records every
// transition in task_logs. A task is in exactly one of queued, processing,
// completed, failed, or cancelled; only processing tasks carry a lease and an
// owner, which the schema enforces with CHECK constraints.
//
// Workers that stop renewing lose their tasks once the lease passes plus a
// grace period: CleanupStaleLeases (or a claim when recover_on_claim is set)
// requeues them while attempts remain and fails them otherwise. Every state
// change is a single status-guarded statement inside BEGIN IMMEDIATE, so
// concurrent claimers in other processes never receive the same task.
//
// Schema changes bump schemaVersion in schema.go; an existing database with a
// different version is rejected rather than migrated.
package queue
