package batch

import (
	"errors"
	"fmt"
)

// ErrNotFound marks a batch whose registry entry or backing files are gone, usually
// because an out-of-band cancellation cleaned them up. Callers drop the batch and
// carry on.
var ErrNotFound = errors.New("batch not found")

// ErrIndexMismatch is returned when a record file and its index file disagree on
// the number of lines.
var ErrIndexMismatch = errors.New("record and index files are out of step")

// NotFoundError carries the batch and path that could not be opened.
type NotFoundError struct {
	ID   string
	Path string
	Err  error
}

func (e *NotFoundError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("batch %s: %v", e.ID, ErrNotFound)
	}
	return fmt.Sprintf("batch %s: open %s: %v", e.ID, e.Path, ErrNotFound)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

func (e *NotFoundError) Unwrap() error { return e.Err }
