// Package daemon coordinates the long-running taskqd maintenance process.
//
// It holds a flock-based lock next to the database so only one daemon serves a
// queue, then runs independent loops for stale-lease recovery, WAL
// checkpoints, ANALYZE, scheduled backups with pruning, vacuum inside the
// configured window, terminal-task purging, and log file retention. Workers
// and CLI commands keep using the database directly; the daemon is optional
// housekeeping, never a broker.
package daemon
