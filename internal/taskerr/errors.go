package taskerr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrBusy        = errors.New("database busy")
	ErrSchema      = errors.New("schema error")
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrMaintenance = errors.New("maintenance failure")
	ErrValidation  = errors.New("validation error")
)

// Error carries the operation and task context for a failure while tagging it
// with one of the sentinel kinds above.
type Error struct {
	Kind   error
	Op     string
	TaskID int64
	Detail string
	Err    error
}

func (e *Error) Error() string {
	parts := make([]string, 0, 4)
	if e.Op != "" {
		parts = append(parts, e.Op)
	}
	if e.TaskID > 0 {
		parts = append(parts, fmt.Sprintf("task %d", e.TaskID))
	}
	kind := "error"
	if e.Kind != nil {
		kind = e.Kind.Error()
	}
	parts = append(parts, kind)
	if detail := strings.TrimSpace(e.Detail); detail != "" {
		parts = append(parts, detail)
	}
	msg := strings.Join(parts, ": ")
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Is reports whether target is the sentinel kind of this error.
func (e *Error) Is(target error) bool {
	return e.Kind != nil && target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind error, op string, taskID int64, detail string, err error) error {
	return &Error{Kind: kind, Op: op, TaskID: taskID, Detail: detail, Err: err}
}

// Busy reports lock contention that outlived the local retry budget.
func Busy(op string, err error) error {
	return newError(ErrBusy, op, 0, "retry with backoff", err)
}

// Schema reports a schema creation or verification failure.
func Schema(op, detail string, err error) error {
	return newError(ErrSchema, op, 0, detail, err)
}

// NotFound reports a reference to a task or worker that does not exist.
func NotFound(op string, taskID int64, detail string) error {
	return newError(ErrNotFound, op, taskID, detail, nil)
}

// Conflict reports an ownership mismatch, an illegal transition, or an
// idempotency collision.
func Conflict(op string, taskID int64, detail string) error {
	return newError(ErrConflict, op, taskID, detail, nil)
}

// Maintenance reports a backup, restore, vacuum, or checkpoint failure.
func Maintenance(op, detail string, err error) error {
	return newError(ErrMaintenance, op, 0, detail, err)
}

// Invalid reports a request rejected before touching the database.
func Invalid(op, detail string, err error) error {
	return newError(ErrValidation, op, 0, detail, err)
}

// IsBusy reports whether err is transient lock contention.
func IsBusy(err error) bool { return errors.Is(err, ErrBusy) }

// IsNotFound reports whether err references a missing task or worker.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err is an ownership or state conflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// HTTPStatus maps an engine error to the status code an HTTP façade should
// return. Busy errors map to 503 so clients retry.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrBusy):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
