package remote

import (
	"errors"
	"fmt"
)

// ErrEmptyBody marks a delete the remote answered without a body.
var ErrEmptyBody = errors.New("empty response body")

// ChangeFetchError is returned when the change feed could not be read.
// Status is 0 for transport failures.
type ChangeFetchError struct {
	Status int
	Body   string
	Err    error
}

func (e *ChangeFetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch changes failed (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("fetch changes failed (status %d): %s", e.Status, truncate(e.Body, 200))
}

func (e *ChangeFetchError) Unwrap() error {
	return e.Err
}

// DeleteError is returned when the remote did not acknowledge a delete.
type DeleteError struct {
	Status int
	Err    error
}

func (e *DeleteError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("remote delete failed (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("remote delete failed (status %d)", e.Status)
}

func (e *DeleteError) Unwrap() error {
	return e.Err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
