// Package logging assembles structured slog loggers for the queue binaries.
//
// It owns the console and JSON handlers, level and output plumbing, and
// context helpers that tag records with task and worker ids. NewFromConfig
// writes the configured format to stderr and a JSON copy to log_dir. A no-op
// logger is provided for tests and wiring code that cannot fail.
package logging
