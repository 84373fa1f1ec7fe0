package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"taskqueue/internal/queue"
)

const (
	// ExitPermanent is the exit status (EX_DATAERR) a command uses to report a
	// failure that must not be retried.
	ExitPermanent = 65

	commandWaitDelay = 5 * time.Second
	maxOutputBytes   = 64 * 1024
	maxStderrTail    = 512
)

// commandHandler runs a shell command per task with the payload on stdin.
// Stdout becomes the result summary.
type commandHandler struct {
	command string
}

func (h commandHandler) Handle(ctx context.Context, task *queue.Task) (string, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", h.command)
	cmd.Stdin = bytes.NewReader(task.Payload)
	cmd.Env = append(os.Environ(),
		"TASKQUEUE_TASK_ID="+strconv.FormatInt(task.ID, 10),
		"TASKQUEUE_TASK_TYPE="+task.Type,
		"TASKQUEUE_ATTEMPT="+strconv.Itoa(task.Attempts),
	)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = commandWaitDelay

	stdout := &limitedBuffer{limit: maxOutputBytes}
	stderr := &limitedBuffer{limit: maxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			failure := fmt.Errorf("command exited with status %d: %s", exitErr.ExitCode(), tail(stderr.String()))
			if exitErr.ExitCode() == ExitPermanent {
				return "", Permanent(failure)
			}
			return "", failure
		}
		return "", fmt.Errorf("run command: %w", err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "no stderr output"
	}
	if len(s) > maxStderrTail {
		return "..." + s[len(s)-maxStderrTail:]
	}
	return s
}

// limitedBuffer keeps the first limit bytes and discards the rest.
type limitedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if remaining := b.limit - b.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			b.buf.Write(p[:remaining])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string { return b.buf.String() }
