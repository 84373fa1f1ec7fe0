package main

import (
	"errors"

	"taskqueue/internal/taskerr"
)

// Exit codes let scripts branch on the failure kind without parsing stderr.
const (
	exitFailure    = 1
	exitValidation = 2
	exitNotFound   = 3
	exitConflict   = 4
	exitBusy       = 75
)

func exitCode(err error) int {
	switch {
	case errors.Is(err, taskerr.ErrValidation):
		return exitValidation
	case errors.Is(err, taskerr.ErrNotFound):
		return exitNotFound
	case errors.Is(err, taskerr.ErrConflict), errors.Is(err, errLeaseLost):
		return exitConflict
	case errors.Is(err, taskerr.ErrBusy):
		return exitBusy
	default:
		return exitFailure
	}
}
