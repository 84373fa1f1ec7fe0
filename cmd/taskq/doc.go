// Command taskq is the operator CLI for the task queue. It opens the queue
// database directly, so every command works whether or not taskqd is running.
//
// Task commands (enqueue, claim, renew, complete, fail, cancel, show, list)
// drive the queue by hand; work runs a subprocess worker pool; db groups the
// maintenance operations; config manages the TOML configuration file. Every
// command accepts --json for machine-readable output.
package main
