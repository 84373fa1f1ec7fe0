// Package storage binds the queue to a single SQLite file.
//
// Every pooled connection is opened with WAL journaling, NORMAL sync, foreign
// keys, a bounded page cache, memory-mapped reads, and a busy timeout. Writers
// go through WriteTx which takes the write lock with BEGIN IMMEDIATE on a
// pinned connection; readers use ReadTx for a consistent snapshot. Lock
// contention that survives the local retry budget surfaces as taskerr.ErrBusy.
package storage
