package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"taskqueue/internal/queue"
)

// ErrPermanent marks a handler failure that must not be retried.
var ErrPermanent = errors.New("permanent failure")

// Permanent wraps err so the pool fails the task without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// Handler executes one task and returns a short result summary. The context is
// cancelled when the worker loses its lease or shuts down.
type Handler interface {
	Handle(ctx context.Context, task *queue.Task) (string, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task *queue.Task) (string, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, task *queue.Task) (string, error) {
	return f(ctx, task)
}

// ExecutionMode selects how handlers run.
type ExecutionMode string

const (
	// ModeInProcess runs registered Go handlers.
	ModeInProcess ExecutionMode = "inprocess"
	// ModeSubprocess runs the configured command per task type.
	ModeSubprocess ExecutionMode = "subprocess"
)

// ParseExecutionMode validates a mode name. Empty selects ModeInProcess.
func ParseExecutionMode(value string) (ExecutionMode, error) {
	switch mode := ExecutionMode(strings.ToLower(strings.TrimSpace(value))); mode {
	case "":
		return ModeInProcess, nil
	case ModeInProcess, ModeSubprocess:
		return mode, nil
	default:
		return "", fmt.Errorf("unknown execution mode %q", value)
	}
}

func runHandler(ctx context.Context, handler Handler, task *queue.Task) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler.Handle(ctx, task)
}
