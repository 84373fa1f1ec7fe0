// Package config loads, normalizes, and validates queue engine configuration.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment overrides such as
// TASKQUEUE_DB, TASKQUEUE_BACKUP_DIR, and TASKQUEUE_LOG_LEVEL. The Config
// type centralizes every knob the worker CLI and maintenance daemon need.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical strategy names, and clear validation errors.
package config
