package taskerr_test

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"taskqueue/internal/taskerr"
)

func TestErrorKindsSurviveWrapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		kind   error
		status int
	}{
		{"not found", taskerr.NotFound("complete", 7, ""), taskerr.ErrNotFound, http.StatusNotFound},
		{"conflict", taskerr.Conflict("fail", 3, "owned by other"), taskerr.ErrConflict, http.StatusConflict},
		{"busy", taskerr.Busy("claim", errors.New("database is locked")), taskerr.ErrBusy, http.StatusServiceUnavailable},
		{"invalid", taskerr.Invalid("enqueue", "type required", nil), taskerr.ErrValidation, http.StatusBadRequest},
		{"schema", taskerr.Schema("open", "missing table", nil), taskerr.ErrSchema, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tc.err)
			if !errors.Is(wrapped, tc.kind) {
				t.Fatalf("expected %v to match kind %v", wrapped, tc.kind)
			}
			if got := taskerr.HTTPStatus(wrapped); got != tc.status {
				t.Fatalf("status = %d, want %d", got, tc.status)
			}
		})
	}
}

func TestErrorMessageIncludesContext(t *testing.T) {
	cause := errors.New("disk full")
	err := taskerr.Maintenance("backup", "write copy", cause)
	msg := err.Error()
	for _, want := range []string{"backup", "maintenance failure", "write copy", "disk full"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected %q in %q", want, msg)
		}
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected underlying cause to unwrap")
	}

	notFound := taskerr.NotFound("get task", 42, "")
	if !strings.Contains(notFound.Error(), "task 42") {
		t.Fatalf("expected task id in message, got %q", notFound.Error())
	}
	if taskerr.IsConflict(notFound) || !taskerr.IsNotFound(notFound) {
		t.Fatal("unexpected kind classification")
	}
}
