// Package worker runs queue tasks on a bounded pool of claim loops.
//
// Each loop claims with the pool's capabilities and strategy, renews the lease
// on a heartbeat while the handler runs, and records completion or failure.
// Handlers see their context cancelled when the lease is lost or the task is
// cancelled. In subprocess mode configured task types run as shell commands
// with the payload on stdin; other types fall back to registered Go handlers.
package worker
