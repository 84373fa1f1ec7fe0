// Package maintenance keeps the queue database compact, consistent, and
// recoverable.
//
// Service wraps WAL checkpoints, VACUUM, ANALYZE, integrity checks, and file
// statistics, plus online backups taken with the SQLite backup API while
// workers keep claiming. Backups land in the configured directory as
// taskqueue-<UTC timestamp>.db, can be verified read-only, pruned to a fixed
// count, and restored into the live database once they pass verification.
package maintenance
