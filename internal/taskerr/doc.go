// Package taskerr defines the error taxonomy shared by the queue engine.
//
// Every error returned by storage, queue, and maintenance code is tagged with
// one of the sentinel kinds (ErrBusy, ErrSchema, ErrNotFound, ErrConflict,
// ErrMaintenance, ErrValidation) so callers can branch with errors.Is while
// still seeing the operation, task id, and underlying cause in the message.
package taskerr
